// Package router dispatches producer calls to store-bound outbox/inbox
// pairs by routing key. The key is whatever the host partitions tenants
// by: a tenant slug, a database name, a guid rendered as a string.
package router

import (
	"fmt"

	"github.com/meridianhq/relay/msg"
	"github.com/meridianhq/relay/postgres"
)

// Binding is one database's producer surface.
type Binding struct {
	Outbox *postgres.Outbox
	Inbox  *postgres.Inbox
}

// Router is built once at startup and read-only afterwards.
type Router struct {
	byKey map[string]Binding
}

func New() *Router {
	return &Router{byKey: make(map[string]Binding)}
}

// Register binds a routing key. Duplicate keys are a wiring bug.
func (r *Router) Register(key string, b Binding) error {
	if key == "" {
		return msg.Invalidf("routing key must not be empty")
	}
	if _, exists := r.byKey[key]; exists {
		return fmt.Errorf("routing key %q already registered", key)
	}
	r.byKey[key] = b
	return nil
}

// Get returns the binding for key. Unknown keys are ErrNotFound.
func (r *Router) Get(key string) (Binding, error) {
	b, ok := r.byKey[key]
	if !ok {
		return Binding{}, fmt.Errorf("routing key %q: %w", key, msg.ErrNotFound)
	}
	return b, nil
}

// Keys lists the registered routing keys, for diagnostics.
func (r *Router) Keys() []string {
	out := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	return out
}
