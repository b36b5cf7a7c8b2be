// Package feedback records search impressions and selections and serves
// the click-through priors used by the reranker.
package feedback

import (
	"context"
	"time"
)

// ImpressionEntry is one result shown to a caller.
type ImpressionEntry struct {
	ServiceID int64
	Rank      int
}

// SearchEvent captures one served search for telemetry.
type SearchEvent struct {
	SearchID  string
	QueryHash string
	Results   []ImpressionEntry
	Timestamp time.Time
}

// Store is the feedback contract the search pipeline depends on.
//
// Events are append-only. Priors aggregate the recent window with
// Laplace smoothing: (clicks+1)/(impressions+2), or 0 when the pair has
// never been seen.
type Store interface {
	// RecordImpressions appends one impression per shown result.
	RecordImpressions(ctx context.Context, ev SearchEvent) error

	// RecordSelection appends a click-through for a previously recorded
	// search.
	RecordSelection(ctx context.Context, searchID string, serviceID int64, position int) error

	// Prior returns the smoothed click-through probability in [0,1].
	Prior(ctx context.Context, queryHash string, serviceID int64) (float64, error)

	// Purge removes events older than the retention period and returns
	// how many were deleted.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// laplacePrior computes the smoothed click-through estimate. Clicks are
// bounded by impressions, so duplicate selections against a single
// impression cannot push the result past 1.
func laplacePrior(clicks, impressions int64) float64 {
	if clicks > impressions {
		clicks = impressions
	}
	return float64(clicks+1) / float64(impressions+2)
}
