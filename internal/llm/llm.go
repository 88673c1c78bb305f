// Package llm holds the generative-model adapters. Replies are returned as
// raw text; callers own parsing and validation.
package llm

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnavailable = errors.New("model client is not configured")

// DecodingConfig is passed through to the provider unchanged.
type DecodingConfig struct {
	Temperature   float64
	TopP          float64
	MaxTokens     int
	StopSequences []string
}

type Request struct {
	Model    string
	Prompt   string
	Decoding DecodingConfig
}

// Generator performs exactly one model invocation per call.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// HTTPError is a non-2xx reply from a provider.
type HTTPError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}
