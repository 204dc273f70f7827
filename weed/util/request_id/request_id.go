// Package request_id carries a per-request id through contexts and HTTP
// headers so control plane log lines can be correlated.
package request_id

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey struct{}

const RequestIdHttpHeader = "X-Request-ID"

func Set(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func Get(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromRequest returns the id sent by the client, or a new one.
func FromRequest(r *http.Request) string {
	if id := r.Header.Get(RequestIdHttpHeader); id != "" {
		return id
	}
	return uuid.NewString()
}

func InjectToRequest(ctx context.Context, req *http.Request) {
	if req != nil {
		req.Header.Set(RequestIdHttpHeader, Get(ctx))
	}
}
