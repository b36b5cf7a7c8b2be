package feedback

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEvent struct {
	searchID  string
	queryHash string
	serviceID int64
	selected  bool
	createdAt time.Time
}

// InMemory is a slice-backed Store for tests and ephemeral setups.
type InMemory struct {
	mu         sync.RWMutex
	events     []memoryEvent
	windowDays int
}

// NewInMemory creates an empty in-memory feedback store.
func NewInMemory(windowDays int) *InMemory {
	if windowDays <= 0 {
		windowDays = 30
	}
	return &InMemory{windowDays: windowDays}
}

// RecordImpressions implements Store.
func (m *InMemory) RecordImpressions(ctx context.Context, ev SearchEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range ev.Results {
		m.events = append(m.events, memoryEvent{
			searchID:  ev.SearchID,
			queryHash: ev.QueryHash,
			serviceID: r.ServiceID,
			createdAt: ts,
		})
	}
	return nil
}

// RecordSelection implements Store.
func (m *InMemory) RecordSelection(ctx context.Context, searchID string, serviceID int64, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.searchID == searchID && ev.serviceID == serviceID && !ev.selected {
			m.events = append(m.events, memoryEvent{
				searchID:  searchID,
				queryHash: ev.queryHash,
				serviceID: serviceID,
				selected:  true,
				createdAt: time.Now().UTC(),
			})
			return nil
		}
	}
	return fmt.Errorf("no impression recorded for search %s service %d", searchID, serviceID)
}

// Prior implements Store.
func (m *InMemory) Prior(ctx context.Context, queryHash string, serviceID int64) (float64, error) {
	since := time.Now().UTC().AddDate(0, 0, -m.windowDays)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var impressions, clicks int64
	for _, ev := range m.events {
		if ev.queryHash != queryHash || ev.serviceID != serviceID || ev.createdAt.Before(since) {
			continue
		}
		if ev.selected {
			clicks++
		} else {
			impressions++
		}
	}
	if impressions == 0 && clicks == 0 {
		return 0, nil
	}
	return laplacePrior(clicks, impressions), nil
}

// Purge implements Store.
func (m *InMemory) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var removed int64
	for _, ev := range m.events {
		if ev.createdAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return removed, nil
}

var _ Store = (*InMemory)(nil)
