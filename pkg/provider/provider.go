// Package provider defines the capability every generative-text backend
// exposes to the multiplexer, and the adapters for concrete backends.
package provider

import (
	"context"

	"github.com/pario-ai/arena/pkg/models"
)

// Message is one chat message sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the prompt and parameters for one call.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// Adapter wraps one backend. StartCall must honor ctx: cancelling it
// releases the upstream connection and makes Next return promptly.
type Adapter interface {
	Name() string
	Model() string
	StartCall(ctx context.Context, req Request) (Call, error)
}

// Call is a lazy sequence of text increments. Next returns io.EOF once the
// upstream finished normally; any other error is terminal. Usage is valid
// after io.EOF. Close must be called even when iteration stops early.
type Call interface {
	Next() (string, error)
	Usage() models.Usage
	Close() error
}
