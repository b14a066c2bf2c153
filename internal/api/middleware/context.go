package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/google/uuid"
)

type callerKey struct{}

// Caller identifies the API key behind an authenticated request.
type Caller struct {
	TenantID  uuid.UUID
	KeyPrefix string
	Scopes    []string
}

// Can reports whether the key was granted scope.
func (c Caller) Can(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// WithCaller attaches c to ctx. Auth does this after a key matches.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// GetTenantID returns the tenant that owns the request's API key.
func GetTenantID(r *http.Request) (uuid.UUID, bool) {
	c, ok := CallerFrom(r.Context())
	if !ok || c.TenantID == uuid.Nil {
		return uuid.Nil, false
	}
	return c.TenantID, true
}
