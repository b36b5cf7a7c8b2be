package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const createFeedbackTableSQL = `
CREATE TABLE IF NOT EXISTS feedback_events (
    search_id VARCHAR(64) NOT NULL,
    query_hash CHAR(64) NOT NULL,
    service_id BIGINT NOT NULL,
    rank_position INTEGER NOT NULL,
    selected INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

const createFeedbackIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_feedback_pair ON feedback_events(query_hash, service_id, created_at);
`

const createFeedbackSearchIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_feedback_search ON feedback_events(search_id, service_id);
`

// SQLStore persists feedback events in the registry database.
type SQLStore struct {
	db         *sql.DB
	dialect    string
	windowDays int
}

// NewSQLStore wraps an open connection, typically shared with the
// registry store.
func NewSQLStore(db *sql.DB, dialect string, windowDays int) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if windowDays <= 0 {
		windowDays = 30
	}

	s := &SQLStore{db: db, dialect: dialect, windowDays: windowDays}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range []string{createFeedbackTableSQL, createFeedbackIndexSQL, createFeedbackSearchIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize feedback schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) placeholder(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RecordImpressions implements Store.
func (s *SQLStore) RecordImpressions(ctx context.Context, ev SearchEvent) error {
	if len(ev.Results) == 0 {
		return nil
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.placeholder(
		`INSERT INTO feedback_events (search_id, query_hash, service_id, rank_position, selected, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare impression insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range ev.Results {
		if _, err := stmt.ExecContext(ctx, ev.SearchID, ev.QueryHash, r.ServiceID, r.Rank, ts); err != nil {
			return fmt.Errorf("failed to insert impression: %w", err)
		}
	}
	return tx.Commit()
}

// RecordSelection implements Store. The query hash is recovered from the
// impression row of the same search.
func (s *SQLStore) RecordSelection(ctx context.Context, searchID string, serviceID int64, position int) error {
	var queryHash string
	err := s.db.QueryRowContext(ctx, s.placeholder(
		`SELECT query_hash FROM feedback_events
		 WHERE search_id = ? AND service_id = ? AND selected = 0 LIMIT 1`),
		searchID, serviceID).Scan(&queryHash)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no impression recorded for search %s service %d", searchID, serviceID)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve impression: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.placeholder(
		`INSERT INTO feedback_events (search_id, query_hash, service_id, rank_position, selected, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)`),
		searchID, queryHash, serviceID, position, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert selection: %w", err)
	}
	return nil
}

// Prior implements Store.
func (s *SQLStore) Prior(ctx context.Context, queryHash string, serviceID int64) (float64, error) {
	since := time.Now().UTC().AddDate(0, 0, -s.windowDays)

	var impressions, clicks int64
	err := s.db.QueryRowContext(ctx, s.placeholder(
		`SELECT
		    COUNT(CASE WHEN selected = 0 THEN 1 END),
		    COUNT(CASE WHEN selected = 1 THEN 1 END)
		 FROM feedback_events
		 WHERE query_hash = ? AND service_id = ? AND created_at >= ?`),
		queryHash, serviceID, since).Scan(&impressions, &clicks)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate feedback: %w", err)
	}

	if impressions == 0 && clicks == 0 {
		return 0, nil
	}
	return laplacePrior(clicks, impressions), nil
}

// Purge implements Store.
func (s *SQLStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.placeholder(
		`DELETE FROM feedback_events WHERE created_at < ?`), olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge feedback events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

var _ Store = (*SQLStore)(nil)
