// Package auth implements LTMC's optional bearer-token gate: a single
// opaque token compared in constant time, never a user/session system.
package auth

import (
	"context"
	"crypto/subtle"
)

type contextKey string

const tokenContextKey contextKey = "ltmc:auth:token"

// WithToken returns a context carrying the bearer token a transport
// extracted from the request (an HTTP Authorization header, for instance).
// A transport that has no such concept, like stdio, never calls this, so
// TokenFrom reports "no token" for it.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// TokenFrom extracts the bearer token a transport attached to ctx, if any.
func TokenFrom(ctx context.Context) string {
	v, _ := ctx.Value(tokenContextKey).(string)
	return v
}

// Gate is the dispatcher's auth check: disabled, it authorizes everything; enabled, it
// requires ctx's token to constant-time-equal the configured one.
type Gate struct {
	Enabled bool
	Token   string
}

// New builds a Gate from the ENABLE_AUTH/API_TOKEN settings.
func New(enabled bool, token string) *Gate {
	return &Gate{Enabled: enabled, Token: token}
}

// Authorize reports whether ctx is allowed to perform a write-shaped tool
// action. Read-shaped actions are never gated.
func (g *Gate) Authorize(ctx context.Context) bool {
	if !g.Enabled {
		return true
	}
	presented := TokenFrom(ctx)
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(g.Token)) == 1
}
