package enhancer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

// OpenAIOptions configures an OpenAIEnhancer.
type OpenAIOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Fallback   Enhancer
	OnFallback func(reason string, err error)
}

// OpenAIEnhancer rewrites prompts through a chat-completions endpoint. Any
// provider failure routes to the fallback so generation never blocks on the
// enhancer.
type OpenAIEnhancer struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	fallback   Enhancer
	onFallback func(reason string, err error)
}

const openAIDefaultTimeout = 15 * time.Second

const fluxSystemPrompt = "You expand short image prompts into detailed, " +
	"natural-language scene descriptions. Describe subject, setting, light " +
	"and mood in flowing prose. Reply with the rewritten prompt only."

const sdxlSystemPrompt = "You expand short image prompts into comma-separated " +
	"keyword lists covering subject, style, lighting and quality tags. " +
	"Reply with the rewritten prompt only."

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewOpenAIEnhancer validates options and returns a ready enhancer.
func NewOpenAIEnhancer(opts OpenAIOptions) (*OpenAIEnhancer, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("enhancer api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	fallback := opts.Fallback
	if fallback == nil {
		fallback = Passthrough{}
	}
	return &OpenAIEnhancer{
		apiKey:     opts.APIKey,
		model:      model,
		baseURL:    baseURL,
		client:     client,
		fallback:   fallback,
		onFallback: opts.OnFallback,
	}, nil
}

// Enhance rewrites prompt in the idiom of the family. On any provider error
// the fallback's answer is returned together with the error so callers can
// record provenance.
func (e *OpenAIEnhancer) Enhance(ctx context.Context, prompt string, family domain.ModelFamily) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", nil
	}

	out, err := e.complete(ctx, prompt, family)
	if err != nil {
		if e.onFallback != nil {
			e.onFallback("provider error", err)
		}
		text, _ := e.fallback.Enhance(ctx, prompt, family)
		return text, err
	}
	return out, nil
}

func (e *OpenAIEnhancer) complete(ctx context.Context, prompt string, family domain.ModelFamily) (string, error) {
	system := fluxSystemPrompt
	if family == domain.FamilySDXL {
		system = sdxlSystemPrompt
	}

	payload, err := json.Marshal(chatRequest{
		Model: e.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("enhancer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("enhancer status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode enhancer response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("enhancer returned no choices")
	}
	out := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("enhancer returned empty text")
	}
	return out, nil
}
