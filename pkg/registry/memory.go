package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemory is a map-backed Registry used by tests and ephemeral setups.
// It mirrors Store's event semantics without a database.
type InMemory struct {
	mu       sync.RWMutex
	services map[int64]*Service
	nextID   int64
	events   chan ChangeEvent
	closed   bool
}

// NewInMemory creates an empty in-memory registry.
func NewInMemory() *InMemory {
	return &InMemory{
		services: make(map[int64]*Service),
		nextID:   1,
		events:   make(chan ChangeEvent, 1024),
	}
}

// DiscoverableServices implements Registry.
func (m *InMemory) DiscoverableServices(ctx context.Context) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Service
	for _, svc := range m.services {
		if svc.Status.Discoverable() {
			out = append(out, cloneService(svc))
		}
	}
	return out, nil
}

// Get implements Registry.
func (m *InMemory) Get(ctx context.Context, id int64) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, nil
	}
	return cloneService(svc), nil
}

// BatchGet implements Registry.
func (m *InMemory) BatchGet(ctx context.Context, ids []int64) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Service
	for _, id := range ids {
		if svc, ok := m.services[id]; ok {
			out = append(out, cloneService(svc))
		}
	}
	return out, nil
}

// VersionTag implements Registry.
func (m *InMemory) VersionTag(ctx context.Context, id int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if svc, ok := m.services[id]; ok {
		return svc.VersionTag, nil
	}
	return 0, nil
}

// Events implements Registry.
func (m *InMemory) Events() <-chan ChangeEvent {
	return m.events
}

// Create registers a new service and emits a Created event.
func (m *InMemory) Create(ctx context.Context, svc *Service) error {
	m.mu.Lock()
	if svc.Status == "" {
		svc.Status = StatusActive
	}
	if svc.Visibility.Kind == "" {
		svc.Visibility.Kind = VisibilityOpen
	}
	svc.ID = m.nextID
	m.nextID++
	svc.VersionTag = 1
	svc.CreatedAt = time.Now().UTC()
	svc.UpdatedAt = svc.CreatedAt
	m.services[svc.ID] = cloneService(svc)
	m.mu.Unlock()

	m.emit(ChangeEvent{Kind: ChangeCreated, ServiceID: svc.ID, VersionTag: 1})
	return nil
}

// Update replaces a service and emits an Updated event.
func (m *InMemory) Update(ctx context.Context, svc *Service) error {
	m.mu.Lock()
	existing, ok := m.services[svc.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("service %d not found", svc.ID)
	}
	svc.VersionTag = existing.VersionTag + 1
	svc.UpdatedAt = time.Now().UTC()
	m.services[svc.ID] = cloneService(svc)
	tag := svc.VersionTag
	m.mu.Unlock()

	m.emit(ChangeEvent{Kind: ChangeUpdated, ServiceID: svc.ID, VersionTag: tag})
	return nil
}

// SetStatus transitions lifecycle state and emits StatusChanged.
func (m *InMemory) SetStatus(ctx context.Context, id int64, status Status) error {
	m.mu.Lock()
	svc, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("service %d not found", id)
	}
	svc.Status = status
	svc.VersionTag++
	svc.UpdatedAt = time.Now().UTC()
	tag := svc.VersionTag
	m.mu.Unlock()

	m.emit(ChangeEvent{Kind: ChangeStatusChanged, ServiceID: id, VersionTag: tag})
	return nil
}

// Delete removes a service and emits Deleted. IDs are never reused.
func (m *InMemory) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	if _, ok := m.services[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("service %d not found", id)
	}
	delete(m.services, id)
	m.mu.Unlock()

	m.emit(ChangeEvent{Kind: ChangeDeleted, ServiceID: id})
	return nil
}

// Close terminates the event stream.
func (m *InMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

func (m *InMemory) emit(ev ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

func cloneService(s *Service) *Service {
	out := *s
	out.Capabilities = append([]Capability(nil), s.Capabilities...)
	out.Domains = append([]string(nil), s.Domains...)
	out.Visibility.AllowedRoles = append([]string(nil), s.Visibility.AllowedRoles...)
	return &out
}

// Ensure both implementations satisfy Registry.
var (
	_ Registry = (*Store)(nil)
	_ Registry = (*InMemory)(nil)
)
