package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// The write half of Store. The search core never calls these; they serve
// the administrative surface, seeding and tests, and are the sole source
// of change events.

// Create inserts a new service and emits a Created event.
// The record's ID and VersionTag are assigned by the store.
func (s *Store) Create(ctx context.Context, svc *Service) error {
	if svc.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if svc.Description == "" {
		return fmt.Errorf("service description is required")
	}
	if svc.Status == "" {
		svc.Status = StatusActive
	}
	if !svc.Status.Valid() {
		return fmt.Errorf("invalid status %q", svc.Status)
	}
	if svc.Visibility.Kind == "" {
		svc.Visibility.Kind = VisibilityOpen
	}

	now := time.Now().UTC()
	svc.CreatedAt = now
	svc.UpdatedAt = now
	svc.VersionTag = 1

	roles, err := marshalRoles(svc.Visibility.AllowedRoles)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.placeholder(
		`INSERT INTO services (name, description, endpoint, version, status, version_tag,
		                       visibility_kind, allowed_roles, attribute_predicate, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		svc.Name, svc.Description, svc.Endpoint, svc.Version, string(svc.Status),
		svc.VersionTag, string(svc.Visibility.Kind), roles,
		svc.Visibility.AttributePredicate, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert service: %w", err)
	}

	if s.dialect == "postgres" {
		// LastInsertId is unsupported by lib/pq; re-read by unique name.
		if err := tx.QueryRowContext(ctx, s.placeholder(
			`SELECT id FROM services WHERE name = ?`), svc.Name).Scan(&svc.ID); err != nil {
			return fmt.Errorf("failed to read inserted id: %w", err)
		}
	} else {
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read inserted id: %w", err)
		}
		svc.ID = id
	}

	if err := s.writeChildren(ctx, tx, svc); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.emit(ChangeEvent{Kind: ChangeCreated, ServiceID: svc.ID, VersionTag: svc.VersionTag})
	return nil
}

// Update replaces a service's mutable fields, bumps its version tag and
// emits an Updated event.
func (s *Store) Update(ctx context.Context, svc *Service) error {
	if svc.ID == 0 {
		return fmt.Errorf("service id is required")
	}
	if !svc.Status.Valid() {
		return fmt.Errorf("invalid status %q", svc.Status)
	}

	roles, err := marshalRoles(svc.Visibility.AllowedRoles)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.placeholder(
		`UPDATE services SET name = ?, description = ?, endpoint = ?, version = ?,
		        status = ?, version_tag = version_tag + 1, visibility_kind = ?,
		        allowed_roles = ?, attribute_predicate = ?, updated_at = ?
		 WHERE id = ?`),
		svc.Name, svc.Description, svc.Endpoint, svc.Version, string(svc.Status),
		string(svc.Visibility.Kind), roles, svc.Visibility.AttributePredicate, now, svc.ID)
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("service %d not found", svc.ID)
	}

	if err := tx.QueryRowContext(ctx, s.placeholder(
		`SELECT version_tag FROM services WHERE id = ?`), svc.ID).Scan(&svc.VersionTag); err != nil {
		return fmt.Errorf("failed to read version tag: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.placeholder(
		`DELETE FROM capabilities WHERE service_id = ?`), svc.ID); err != nil {
		return fmt.Errorf("failed to clear capabilities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.placeholder(
		`DELETE FROM domains WHERE service_id = ?`), svc.ID); err != nil {
		return fmt.Errorf("failed to clear domains: %w", err)
	}
	if err := s.writeChildren(ctx, tx, svc); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	svc.UpdatedAt = now
	s.emit(ChangeEvent{Kind: ChangeUpdated, ServiceID: svc.ID, VersionTag: svc.VersionTag})
	return nil
}

// SetStatus transitions a service's lifecycle state and emits a
// StatusChanged event.
func (s *Store) SetStatus(ctx context.Context, id int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	res, err := s.db.ExecContext(ctx, s.placeholder(
		`UPDATE services SET status = ?, version_tag = version_tag + 1, updated_at = ?
		 WHERE id = ?`), string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("service %d not found", id)
	}

	tag, err := s.VersionTag(context.Background(), id)
	if err != nil {
		return err
	}
	s.emit(ChangeEvent{Kind: ChangeStatusChanged, ServiceID: id, VersionTag: tag})
	return nil
}

// Delete removes a service and emits a Deleted event. Service ids are
// never reused; the autoincrement sequence is left untouched.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.placeholder(`DELETE FROM services WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("service %d not found", id)
	}
	if _, err := tx.ExecContext(ctx, s.placeholder(
		`DELETE FROM capabilities WHERE service_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete capabilities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.placeholder(
		`DELETE FROM domains WHERE service_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete domains: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.emit(ChangeEvent{Kind: ChangeDeleted, ServiceID: id})
	return nil
}

func (s *Store) writeChildren(ctx context.Context, tx *sql.Tx, svc *Service) error {
	for i, c := range svc.Capabilities {
		if c.Description == "" {
			return fmt.Errorf("capability %d: description is required", i)
		}
		if _, err := tx.ExecContext(ctx, s.placeholder(
			`INSERT INTO capabilities (service_id, position, name, description, input_schema, output_schema)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			svc.ID, i, c.Name, c.Description, c.InputSchema, c.OutputSchema); err != nil {
			return fmt.Errorf("failed to insert capability: %w", err)
		}
	}
	for i, d := range svc.Domains {
		if _, err := tx.ExecContext(ctx, s.placeholder(
			`INSERT INTO domains (service_id, position, domain) VALUES (?, ?, ?)`),
			svc.ID, i, d); err != nil {
			return fmt.Errorf("failed to insert domain: %w", err)
		}
	}
	return nil
}

func marshalRoles(roles []string) (string, error) {
	if len(roles) == 0 {
		return "", nil
	}
	b, err := json.Marshal(roles)
	if err != nil {
		return "", fmt.Errorf("failed to marshal roles: %w", err)
	}
	return string(b), nil
}
