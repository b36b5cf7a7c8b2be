package registry

import "context"

// Registry is the read contract the search core depends on.
//
// There is a single production implementation (Store); tests supply
// in-memory fakes.
type Registry interface {
	// DiscoverableServices returns every service that should appear in
	// search results: active and deprecated, but not inactive.
	DiscoverableServices(ctx context.Context) ([]*Service, error)

	// Get returns a service by id, or nil when absent.
	Get(ctx context.Context, id int64) (*Service, error)

	// BatchGet returns the subset of the requested services that exist,
	// in no particular order.
	BatchGet(ctx context.Context, ids []int64) ([]*Service, error)

	// VersionTag returns the current version tag for a service, or 0
	// when the service does not exist.
	VersionTag(ctx context.Context, id int64) (int64, error)

	// Events returns the change event stream. The channel is closed when
	// the registry shuts down.
	Events() <-chan ChangeEvent
}
