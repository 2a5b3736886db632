package bulk

import (
	"errors"
	"strings"
	"testing"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

func TestReadPrompts(t *testing.T) {
	sheet := "name\tprompt\tnotes\n" +
		"row1\ta cat on a roof\tfirst\n" +
		"row2\t\tblank prompt skipped\n" +
		"row3\ta dog --ar 16:9\tflags allowed\n"

	prompts, err := ReadPrompts(strings.NewReader(sheet))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("expected 2 prompts, got %d: %v", len(prompts), prompts)
	}
	if prompts[0] != "a cat on a roof" || prompts[1] != "a dog --ar 16:9" {
		t.Fatalf("unexpected prompts: %v", prompts)
	}
}

func TestReadPrompts_HeaderCaseInsensitive(t *testing.T) {
	prompts, err := ReadPrompts(strings.NewReader("Prompt\nhello there\n"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(prompts) != 1 || prompts[0] != "hello there" {
		t.Fatalf("unexpected prompts: %v", prompts)
	}
}

func TestReadPrompts_MissingColumn(t *testing.T) {
	_, err := ReadPrompts(strings.NewReader("name\tnotes\nrow1\tx\n"))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReadPrompts_EmptySheet(t *testing.T) {
	_, err := ReadPrompts(strings.NewReader(""))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReadPrompts_RaggedRowsTolerated(t *testing.T) {
	sheet := "name\tprompt\nrow1\ta cat\nshort-row\n"
	prompts, err := ReadPrompts(strings.NewReader(sheet))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(prompts) != 1 || prompts[0] != "a cat" {
		t.Fatalf("unexpected prompts: %v", prompts)
	}
}
