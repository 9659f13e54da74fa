package collab

import "context"

type connIDKey struct{}

// WithConnID tags ctx with the client connection a request arrived on.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey{}, connID)
}

// ConnIDFrom returns the connection id set by WithConnID, or "".
func ConnIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}
