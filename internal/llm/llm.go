// Package llm wraps the external text-generation service behind a one-method
// contract: prompt in, generated text out.
package llm

import (
	"context"
	"fmt"
)

// Client is the generation-service contract the orchestrator depends on.
type Client interface {
	// Complete sends one prompt and returns the generated text. The context
	// is the only cancellation mechanism.
	Complete(ctx context.Context, prompt string) (string, error)
	// Name identifies the backing provider.
	Name() string
}

// Error categories for ServiceError.
const (
	CategoryAuth      = "auth"
	CategoryRateLimit = "rate_limit"
	CategoryServer    = "server"
	CategoryNetwork   = "network"
	CategoryDecode    = "decode"
)

// ServiceError describes a failed generation call.
type ServiceError struct {
	Status   int
	Category string
	Message  string
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("generation service: %s (%d): %s", e.Category, e.Status, e.Message)
	}
	return fmt.Sprintf("generation service: %s: %s", e.Category, e.Message)
}
