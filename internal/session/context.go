package session

import "context"

type ifMatchKey struct{}

// WithIfMatch attaches the version the client last saw. Mutating operations
// fail with apperr.ErrVersionMismatch when the session has moved on.
// Without it the last write wins.
func WithIfMatch(ctx context.Context, version int64) context.Context {
	return context.WithValue(ctx, ifMatchKey{}, version)
}

func ifMatch(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(ifMatchKey{}).(int64)
	return v, ok
}
