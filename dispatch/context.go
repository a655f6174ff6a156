package dispatch

import "context"

type storeIDKey struct{}

// WithStoreID tags ctx with the identifier of the store a message was
// claimed from. The dispatcher sets it before invoking a handler;
// handlers that serve several stores read it back with StoreID.
func WithStoreID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, storeIDKey{}, id)
}

// StoreID returns the claiming store's identifier, or "".
func StoreID(ctx context.Context) string {
	v, _ := ctx.Value(storeIDKey{}).(string)
	return v
}
