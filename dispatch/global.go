package dispatch

import (
	"time"

	"github.com/meridianhq/relay/msg"
)

// NewGlobalCoordinator services the single designated control-plane
// store: same dispatcher logic, but its own lease key so it never
// contends with per-store processing. factory may be nil to dispatch
// without a lease.
func NewGlobalCoordinator(store Store, dispatcher *Dispatcher, factory msg.LeaseFactory, leaseDuration time.Duration) *Coordinator {
	var router LeaseRouter
	if factory != nil {
		router = LeaseRouter{store.Identifier(): factory}
	}
	return NewCoordinator(
		StaticStores{store},
		NewRoundRobin(),
		dispatcher,
		CoordinatorConfig{
			Resource:      ResourceOutboxGlobal,
			LeaseDuration: leaseDuration,
			Leases:        router,
		},
	)
}
