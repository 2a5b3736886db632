// Package parser turns a raw instruction string into a validated set of
// generation options. Recognized flags are stripped out of the text; anything
// else stays in the prompt verbatim.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

// Command is the parsed form of one instruction string. Optional flags are
// pointers so callers can tell "not supplied" from a zero value; that
// distinction drives the negative-prompt merge rules.
type Command struct {
	Prompt string

	Seed         *int64
	AspectRatio  *string
	MPSize       *float64
	Guidance     *float64
	GuidanceSDXL *float64
	Style        *string
	Repeat       *int
	Strength     *int
	Negative     *string

	Images []string
}

var aspectRe = regexp.MustCompile(`^\d{1,2}:\d{1,2}$`)

// flagSpec describes one recognized flag: whether it takes a value and which
// family may use it (empty means both).
type flagSpec struct {
	takesValue bool
	family     domain.ModelFamily
}

var flags = map[string]flagSpec{
	"--seed":   {takesValue: true},
	"--ar":     {takesValue: true},
	"--mp":     {takesValue: true},
	"--g":      {takesValue: true, family: domain.FamilyFlux},
	"--g_sdxl": {takesValue: true, family: domain.FamilySDXL},
	"--style":  {takesValue: true},
	"--r":      {takesValue: true},
	"--str":    {takesValue: true},
	"--img":    {takesValue: true},
	// --no may appear bare, which suppresses the default negative prompt.
	"--no": {takesValue: true, family: domain.FamilySDXL},
}

// Parse tokenizes raw against the rules of the active family. Flags scoped to
// the other family fail immediately rather than being dropped. Unrecognized
// tokens, including unknown --words, remain part of the prompt.
func Parse(raw string, images []string, family domain.ModelFamily) (Command, error) {
	if !family.Valid() {
		return Command{}, fmt.Errorf("%w: unknown model family %q", domain.ErrValidation, family)
	}
	if len(images) > domain.MaxSourceImages {
		return Command{}, fmt.Errorf("%w: at most %d source images, got %d", domain.ErrValidation, domain.MaxSourceImages, len(images))
	}

	tokens := tokenize(raw)
	cmd := Command{Images: images}
	var promptParts []string

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		spec, ok := flags[tok.text]
		if !ok || tok.quoted {
			promptParts = append(promptParts, tok.text)
			continue
		}
		if spec.family != "" && spec.family != family {
			return Command{}, fmt.Errorf("%w: option %s is not valid for %s models", domain.ErrValidation, tok.text, family)
		}

		var val string
		hasVal := false
		if spec.takesValue && i+1 < len(tokens) {
			next := tokens[i+1]
			if next.quoted || !isFlag(next.text) {
				val = next.text
				hasVal = true
				i++
			}
		}

		if !hasVal && tok.text != "--no" {
			return Command{}, fmt.Errorf("%w: option %s requires a value", domain.ErrValidation, tok.text)
		}

		if err := cmd.apply(tok.text, val); err != nil {
			return Command{}, err
		}
	}

	cmd.Prompt = strings.Join(promptParts, " ")
	return cmd, nil
}

func (c *Command) apply(flag, val string) error {
	switch flag {
	case "--seed":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: --seed wants a non-negative integer, got %q", domain.ErrValidation, val)
		}
		c.Seed = &n

	case "--ar":
		if !aspectRe.MatchString(val) {
			return fmt.Errorf("%w: --ar wants W:H, got %q", domain.ErrValidation, val)
		}
		c.AspectRatio = &val

	case "--mp":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil || f < 0.1 || f > 8.0 {
			return fmt.Errorf("%w: --mp wants 0.1..8.0 megapixels, got %q", domain.ErrValidation, val)
		}
		c.MPSize = &f

	case "--g":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("%w: --g wants a positive number, got %q", domain.ErrValidation, val)
		}
		c.Guidance = &f

	case "--g_sdxl":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("%w: --g_sdxl wants a positive number, got %q", domain.ErrValidation, val)
		}
		c.GuidanceSDXL = &f

	case "--style":
		name := strings.ToLower(val)
		c.Style = &name

	case "--r":
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > domain.MaxBatchSize {
			return fmt.Errorf("%w: --r wants 1..%d, got %q", domain.ErrValidation, domain.MaxBatchSize, val)
		}
		c.Repeat = &n

	case "--str", "--img":
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 || n > 100 {
			return fmt.Errorf("%w: %s wants a percentage 0..100, got %q", domain.ErrValidation, flag, val)
		}
		c.Strength = &n

	case "--no":
		text := strings.TrimSpace(val)
		c.Negative = &text
	}
	return nil
}

func isFlag(s string) bool {
	_, ok := flags[s]
	return ok
}

type token struct {
	text   string
	quoted bool
}

// tokenize splits on whitespace, keeping double-quoted runs as one token.
func tokenize(raw string) []token {
	var out []token
	var cur strings.Builder
	inQuote := false
	wasQuoted := false

	flush := func() {
		if cur.Len() > 0 || wasQuoted {
			out = append(out, token{text: cur.String(), quoted: wasQuoted})
			cur.Reset()
			wasQuoted = false
		}
	}

	for _, r := range raw {
		switch {
		case r == '"':
			if inQuote {
				inQuote = false
				flush()
			} else {
				flush()
				inQuote = true
				wasQuoted = true
			}
		case (r == ' ' || r == '\t' || r == '\n') && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
