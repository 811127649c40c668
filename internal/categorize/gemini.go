package categorize

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// DefaultModelName is the Gemini model used for Tier-3 classification.
const DefaultModelName = "gemini-2.0-flash"

// completeTimeout bounds a single classification call. A slow model answer
// is worth less than keeping batch jobs moving.
const completeTimeout = 30 * time.Second

//go:generate mockgen -source=gemini.go -destination=mock_completer.go -package=categorize

// Completer produces a short text completion for a prompt. Satisfied by
// GeminiCompleter in production and a mock in tests.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// GeminiCompleter implements Completer over the Gemini API.
type GeminiCompleter struct {
	client *genai.Client
	model  string
}

// NewGeminiCompleter creates a Gemini-backed completer. The API key comes
// from the environment (GEMINI_API_KEY) via the client config.
func NewGeminiCompleter(ctx context.Context, apiKey string) (*GeminiCompleter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiCompleter{client: client, model: DefaultModelName}, nil
}

// Complete sends the prompt and returns the model's raw text answer.
func (g *GeminiCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", &AIError{
			Code:      ErrAIUnavailable,
			Message:   "generate content",
			Retryable: true,
			Cause:     err,
		}
	}
	text := resp.Text()
	if text == "" {
		return "", &AIError{
			Code:      ErrAIBadResponse,
			Message:   "empty response from model",
			Retryable: false,
		}
	}
	return text, nil
}
