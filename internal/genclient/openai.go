package genclient

import (
	"context"
	"errors"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI implements Service against an OpenAI-compatible /completions endpoint
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates a client from settings. Retries are left to the unit
// state machine, so the SDK's own retry loop is disabled.
func NewOpenAI(settings Settings) (*OpenAI, error) {
	if settings.APIKey == "" {
		return nil, errors.New("generation api key missing; set generation.api_key or ZEROHR_API_KEY")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(settings.APIKey),
		option.WithMaxRetries(0),
	}
	if settings.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(settings.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...)}, nil
}

// Complete requests a single text completion
func (o *OpenAI) Complete(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	resp, err := o.client.Completions.New(ctx, openai.CompletionNewParams{
		Model:       openai.CompletionNewParamsModel(model),
		Prompt:      openai.CompletionNewParamsPromptUnion{OfString: openai.String(prompt)},
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Text == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Text, nil
}
