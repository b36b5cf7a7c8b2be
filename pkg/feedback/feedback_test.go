package feedback

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlStore, err := NewSQLStore(db, "sqlite", 30)
	require.NoError(t, err)

	return map[string]Store{
		"sql":    sqlStore,
		"memory": NewInMemory(30),
	}
}

func record(t *testing.T, s Store, searchID, queryHash string, serviceIDs ...int64) {
	t.Helper()
	ev := SearchEvent{SearchID: searchID, QueryHash: queryHash, Timestamp: time.Now().UTC()}
	for i, id := range serviceIDs {
		ev.Results = append(ev.Results, ImpressionEntry{ServiceID: id, Rank: i + 1})
	}
	require.NoError(t, s.RecordImpressions(context.Background(), ev))
}

func TestPriorDefaultsToZero(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			prior, err := store.Prior(context.Background(), "unseen", 1)
			require.NoError(t, err)
			assert.Zero(t, prior)
		})
	}
}

func TestPriorLaplaceSmoothing(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// Three impressions, one click: (1+1)/(3+2) = 0.4.
			record(t, store, "s1", "qh", 7)
			record(t, store, "s2", "qh", 7)
			record(t, store, "s3", "qh", 7)
			require.NoError(t, store.RecordSelection(ctx, "s2", 7, 1))

			prior, err := store.Prior(ctx, "qh", 7)
			require.NoError(t, err)
			assert.InDelta(t, 0.4, prior, 1e-9)
		})
	}
}

func TestPriorWithNoClicks(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// One impression, zero clicks: (0+1)/(1+2) = 1/3.
			record(t, store, "s1", "qh", 9)
			prior, err := store.Prior(ctx, "qh", 9)
			require.NoError(t, err)
			assert.InDelta(t, 1.0/3.0, prior, 1e-9)
		})
	}
}

func TestPriorStaysBounded(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// Repeated selections against one impression must not push
			// the estimate past 1: clicks cap at impressions, so
			// (1+1)/(1+2) = 2/3.
			record(t, store, "s1", "qh", 4)
			for i := 0; i < 3; i++ {
				require.NoError(t, store.RecordSelection(ctx, "s1", 4, 1))
			}

			prior, err := store.Prior(ctx, "qh", 4)
			require.NoError(t, err)
			assert.LessOrEqual(t, prior, 1.0)
			assert.InDelta(t, 2.0/3.0, prior, 1e-9)
		})
	}
}

func TestRecordSelectionRequiresImpression(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.RecordSelection(ctx, "never-seen", 1, 1)
			assert.Error(t, err)
		})
	}
}

func TestPriorIsScopedToQueryHash(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			record(t, store, "s1", "hash-a", 3)
			require.NoError(t, store.RecordSelection(ctx, "s1", 3, 1))

			prior, err := store.Prior(ctx, "hash-b", 3)
			require.NoError(t, err)
			assert.Zero(t, prior)
		})
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			old := SearchEvent{
				SearchID:  "old",
				QueryHash: "qh",
				Results:   []ImpressionEntry{{ServiceID: 1, Rank: 1}},
				Timestamp: time.Now().UTC().AddDate(0, 0, -400),
			}
			require.NoError(t, store.RecordImpressions(ctx, old))
			record(t, store, "fresh", "qh", 1)

			removed, err := store.Purge(ctx, time.Now().UTC().AddDate(0, 0, -180))
			require.NoError(t, err)
			assert.Equal(t, int64(1), removed)
		})
	}
}
