package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Client is the interface the conversation loop calls once per iteration.
type Client interface {
	// Chat sends one non-streaming request and returns the full response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("anthropic API error %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("anthropic API error %d: %s", e.StatusCode, e.Message)
}

// IsAuth reports whether err is, or wraps, a provider rejection of the
// configured credential.
func IsAuth(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}
