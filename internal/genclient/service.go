// Package genclient talks to the text-generation service used both to write
// document sections and to judge them.
package genclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go"
)

// ErrEmptyResponse is returned when the service answered without any text
var ErrEmptyResponse = errors.New("empty completion")

// Service produces a completion for a prompt
type Service interface {
	Complete(ctx context.Context, model, prompt string, temperature float64) (string, error)
}

// Func adapts a plain function to the Service interface
type Func func(ctx context.Context, model, prompt string, temperature float64) (string, error)

// Complete calls f
func (f Func) Complete(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	return f(ctx, model, prompt, temperature)
}

// Settings configures a Service implementation
type Settings struct {
	Provider string // "openai" or "mock"
	BaseURL  string
	APIKey   string
}

// New builds the Service named by settings.Provider
func New(settings Settings) (Service, error) {
	switch strings.ToLower(settings.Provider) {
	case "", "openai":
		return NewOpenAI(settings)
	case "mock":
		return Mock{}, nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", settings.Provider)
	}
}

// Retryable reports whether a Complete failure is transient: timeouts,
// transport errors, rate limiting and server-side faults. Cancellation of the
// caller's context is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyResponse) {
		return true
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unknown failures come from the transport layer more often than not.
	return true
}
