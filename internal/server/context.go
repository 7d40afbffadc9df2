package server

import "context"

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyPrincipal
)

// withPrincipal stores the authenticated principal ID in the context.
func withPrincipal(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, id)
}

// PrincipalFromContext returns the authenticated principal ID, or ""
// when the request carried no valid principal.
func PrincipalFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyPrincipal).(string)
	return id
}
