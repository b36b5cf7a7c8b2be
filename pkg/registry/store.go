package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kpath-ai/kpath/pkg/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	createServicesTableSQL = `
CREATE TABLE IF NOT EXISTS services (
    id %s,
    name VARCHAR(255) NOT NULL UNIQUE,
    description TEXT NOT NULL,
    endpoint VARCHAR(1024),
    version VARCHAR(255),
    status VARCHAR(32) NOT NULL,
    version_tag BIGINT NOT NULL DEFAULT 1,
    visibility_kind VARCHAR(32) NOT NULL DEFAULT 'open',
    allowed_roles TEXT,
    attribute_predicate TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`

	createCapabilitiesTableSQL = `
CREATE TABLE IF NOT EXISTS capabilities (
    service_id BIGINT NOT NULL,
    position INTEGER NOT NULL,
    name VARCHAR(255),
    description TEXT NOT NULL,
    input_schema TEXT,
    output_schema TEXT,
    PRIMARY KEY (service_id, position)
);`

	createDomainsTableSQL = `
CREATE TABLE IF NOT EXISTS domains (
    service_id BIGINT NOT NULL,
    position INTEGER NOT NULL,
    domain VARCHAR(255) NOT NULL,
    PRIMARY KEY (service_id, position)
);`

	createAPIKeysTableSQL = `
CREATE TABLE IF NOT EXISTS api_keys (
    key_hash CHAR(64) PRIMARY KEY,
    principal_id VARCHAR(255) NOT NULL,
    roles TEXT,
    attributes TEXT,
    revoked INTEGER NOT NULL DEFAULT 0,
    expires_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);`

	createSnapshotMetaTableSQL = `
CREATE TABLE IF NOT EXISTS snapshot_meta (
    generation BIGINT PRIMARY KEY,
    model VARCHAR(255) NOT NULL,
    dimension INTEGER NOT NULL,
    vector_count INTEGER NOT NULL,
    content_hash CHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL
);`
)

// Store is the SQL-backed registry. It implements Registry and emits a
// ChangeEvent for every mutation.
type Store struct {
	db      *sql.DB
	dialect string

	mu     sync.Mutex
	events chan ChangeEvent
	closed bool
}

// NewStore wraps an open database connection.
func NewStore(db *sql.DB, dialect string, eventBuffer int) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}
	if eventBuffer <= 0 {
		eventBuffer = 1024
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		events:  make(chan ChangeEvent, eventBuffer),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewStoreFromConfig opens the configured database and wraps it.
func NewStoreFromConfig(cfg *config.DatabaseConfig, eventBuffer int) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := sql.Open(cfg.DriverName(), cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	return NewStore(db, cfg.Driver, eventBuffer)
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch s.dialect {
	case "postgres":
		idColumn = "BIGSERIAL PRIMARY KEY"
	case "mysql":
		idColumn = "BIGINT PRIMARY KEY AUTO_INCREMENT"
	}

	stmts := []string{
		fmt.Sprintf(createServicesTableSQL, idColumn),
		createCapabilitiesTableSQL,
		createDomainsTableSQL,
		createAPIKeysTableSQL,
		createSnapshotMetaTableSQL,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying connection for collaborators sharing the
// same database (feedback store).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the configured SQL dialect.
func (s *Store) Dialect() string {
	return s.dialect
}

// Events implements Registry.
func (s *Store) Events() <-chan ChangeEvent {
	return s.events
}

func (s *Store) emit(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		slog.Warn("Change event channel full, dropping event",
			"service_id", ev.ServiceID,
			"kind", ev.Kind)
	}
}

// Close stops the event stream and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// placeholder rewrites ? placeholders for postgres.
func (s *Store) placeholder(query string) string {
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

// DiscoverableServices implements Registry.
func (s *Store) DiscoverableServices(ctx context.Context) ([]*Service, error) {
	rows, err := s.db.QueryContext(ctx, s.placeholder(
		`SELECT id, name, description, endpoint, version, status, version_tag,
		        visibility_kind, allowed_roles, attribute_predicate, created_at, updated_at
		 FROM services WHERE status IN (?, ?)`), string(StatusActive), string(StatusDeprecated))
	if err != nil {
		return nil, fmt.Errorf("failed to query discoverable services: %w", err)
	}
	defer rows.Close()

	services, err := s.scanServices(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, services); err != nil {
		return nil, err
	}
	return services, nil
}

// Get implements Registry.
func (s *Store) Get(ctx context.Context, id int64) (*Service, error) {
	services, err := s.BatchGet(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, nil
	}
	return services[0], nil
}

// BatchGet implements Registry.
func (s *Store) BatchGet(ctx context.Context, ids []int64) ([]*Service, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(
		`SELECT id, name, description, endpoint, version, status, version_tag,
		        visibility_kind, allowed_roles, attribute_predicate, created_at, updated_at
		 FROM services WHERE id IN (%s)`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, s.placeholder(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch get services: %w", err)
	}
	defer rows.Close()

	services, err := s.scanServices(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, services); err != nil {
		return nil, err
	}
	return services, nil
}

// VersionTag implements Registry.
func (s *Store) VersionTag(ctx context.Context, id int64) (int64, error) {
	var tag int64
	err := s.db.QueryRowContext(ctx, s.placeholder(
		`SELECT version_tag FROM services WHERE id = ?`), id).Scan(&tag)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version tag: %w", err)
	}
	return tag, nil
}

func (s *Store) scanServices(rows *sql.Rows) ([]*Service, error) {
	var services []*Service
	for rows.Next() {
		svc := &Service{}
		var endpoint, version, allowedRoles, predicate sql.NullString
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Description, &endpoint, &version,
			&svc.Status, &svc.VersionTag, &svc.Visibility.Kind, &allowedRoles,
			&predicate, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan service row: %w", err)
		}
		svc.Endpoint = endpoint.String
		svc.Version = version.String
		svc.Visibility.AttributePredicate = predicate.String
		if allowedRoles.Valid && allowedRoles.String != "" {
			if err := json.Unmarshal([]byte(allowedRoles.String), &svc.Visibility.AllowedRoles); err != nil {
				return nil, fmt.Errorf("corrupt allowed_roles for service %d: %w", svc.ID, err)
			}
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

func (s *Store) loadChildren(ctx context.Context, services []*Service) error {
	byID := make(map[int64]*Service, len(services))
	for _, svc := range services {
		byID[svc.ID] = svc
	}

	for _, svc := range services {
		capRows, err := s.db.QueryContext(ctx, s.placeholder(
			`SELECT name, description, input_schema, output_schema
			 FROM capabilities WHERE service_id = ? ORDER BY position`), svc.ID)
		if err != nil {
			return fmt.Errorf("failed to query capabilities: %w", err)
		}
		for capRows.Next() {
			var c Capability
			var name, in, out sql.NullString
			if err := capRows.Scan(&name, &c.Description, &in, &out); err != nil {
				capRows.Close()
				return fmt.Errorf("failed to scan capability: %w", err)
			}
			c.Name = name.String
			c.InputSchema = in.String
			c.OutputSchema = out.String
			svc.Capabilities = append(svc.Capabilities, c)
		}
		if err := capRows.Err(); err != nil {
			capRows.Close()
			return err
		}
		capRows.Close()

		domRows, err := s.db.QueryContext(ctx, s.placeholder(
			`SELECT domain FROM domains WHERE service_id = ? ORDER BY position`), svc.ID)
		if err != nil {
			return fmt.Errorf("failed to query domains: %w", err)
		}
		for domRows.Next() {
			var d string
			if err := domRows.Scan(&d); err != nil {
				domRows.Close()
				return fmt.Errorf("failed to scan domain: %w", err)
			}
			svc.Domains = append(svc.Domains, d)
		}
		if err := domRows.Err(); err != nil {
			domRows.Close()
			return err
		}
		domRows.Close()
	}
	return nil
}
