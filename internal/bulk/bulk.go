// Package bulk reads tabular prompt sheets for batch ingestion. Each row
// becomes one independent fresh-generation request.
package bulk

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

// MaxRows bounds one ingestion run so a stray sheet cannot flood the queue.
const MaxRows = 500

// ReadPrompts parses a tab-separated sheet. The header row must contain a
// "prompt" column; other columns are ignored. Blank prompt cells are
// skipped.
func ReadPrompts(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: sheet is empty", domain.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("read sheet header: %w", err)
	}

	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "prompt") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%w: sheet has no prompt column", domain.ErrValidation)
	}

	var prompts []string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read sheet row: %w", err)
		}
		if col >= len(row) {
			continue
		}
		text := strings.TrimSpace(row[col])
		if text == "" {
			continue
		}
		prompts = append(prompts, text)
		if len(prompts) > MaxRows {
			return nil, fmt.Errorf("%w: sheet exceeds %d rows", domain.ErrValidation, MaxRows)
		}
	}
	return prompts, nil
}
