package datp

import (
	"context"
	"errors"
)

type ownerContextKey struct{}

// ErrNoOwner indicates the owner (tenant) is missing from context.
var ErrNoOwner = errors.New("datp: owner not found in context")

// WithOwner returns a context carrying the owner (tenant) key.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerContextKey{}, owner)
}

// OwnerFromContext extracts the owner from the context.
func OwnerFromContext(ctx context.Context) (string, error) {
	owner, ok := ctx.Value(ownerContextKey{}).(string)
	if !ok || owner == "" {
		return "", ErrNoOwner
	}
	return owner, nil
}
