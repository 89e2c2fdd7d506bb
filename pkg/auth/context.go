package auth

import (
	"context"
	"errors"
)

type contextKey string

const callerKey contextKey = "caller"

// Caller identifies an authenticated request source.
type Caller struct {
	Subject string
	Source  string // remote address, used as the rate-limit key
}

// WithCaller attaches a Caller to the context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// GetCaller retrieves the Caller from the context.
func GetCaller(ctx context.Context) (*Caller, error) {
	c, ok := ctx.Value(callerKey).(*Caller)
	if !ok {
		return nil, errors.New("no caller in context")
	}
	return c, nil
}
