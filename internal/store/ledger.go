package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Status values stored in deployments.status.
const (
	StatusProvisioning = "provisioning"
	StatusRunning      = "running"
	StatusTornDown     = "torn_down"
)

// Mode values stored in deployments.mode.
const (
	ModeNormal  = "normal"
	ModeCleanup = "cleanup"
)

var (
	// ErrNameInUse is returned by Reserve when a live deployment already has
	// the name.
	ErrNameInUse = errors.New("deployment name in use")

	// ErrIllegalTransition is returned by Transition when the deployment is
	// not in a state the target status can be reached from.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrNotFound is returned when no row matches (name, generation).
	ErrNotFound = errors.New("deployment not found")
)

// legalFrom lists the statuses each status may be entered from.
var legalFrom = map[string][]string{
	StatusRunning:  {StatusProvisioning},
	StatusTornDown: {StatusProvisioning, StatusRunning},
}

// DeploymentRecord is one deployment generation.
type DeploymentRecord struct {
	Name       string
	Generation int
	Mode       string
	Status     string
	// Error is the failure that ended the deployment, empty on success.
	Error string
}

// LifecycleEvent is one entry in the append-only event log.
type LifecycleEvent struct {
	Seq        int64
	Name       string
	Generation int
	Kind       string
	Detail     string
}

// Reserve claims name for a new deployment in mode and returns its
// generation. It fails with ErrNameInUse while an earlier generation of the
// same name is not torn down.
func (s *Store) Reserve(ctx context.Context, name, mode string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reserve %q: %w", name, err)
	}
	defer tx.Rollback()

	var gen int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(generation), 0) + 1 FROM deployments WHERE name = ?`,
		name,
	).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("reserve %q: %w", name, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployments (name, generation, mode, status)
		VALUES (?, ?, ?, ?)
	`, name, gen, mode, StatusProvisioning)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("reserve %q: %w", name, ErrNameInUse)
		}
		return 0, fmt.Errorf("reserve %q: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reserve %q: %w", name, err)
	}
	return gen, nil
}

// Transition moves a deployment to status, recording errMsg when the move
// ends it with a failure.
func (s *Store) Transition(ctx context.Context, name string, gen int, status, errMsg string) error {
	from, ok := legalFrom[status]
	if !ok {
		return fmt.Errorf("transition %q/%d to %s: %w", name, gen, status, ErrIllegalTransition)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?, error = ?
		WHERE name = ? AND generation = ? AND status IN (?, ?)
	`, status, errMsg, name, gen, from[0], from[len(from)-1])
	if err != nil {
		return fmt.Errorf("transition %q/%d to %s: %w", name, gen, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition %q/%d to %s: %w", name, gen, status, err)
	}
	if n == 1 {
		return nil
	}

	cur, err := s.Deployment(ctx, name, gen)
	if err != nil {
		return fmt.Errorf("transition %q/%d to %s: %w", name, gen, status, err)
	}
	return fmt.Errorf("transition %q/%d from %s to %s: %w", name, gen, cur.Status, status, ErrIllegalTransition)
}

// RecordEvent appends a lifecycle event and returns its sequence number.
func (s *Store) RecordEvent(ctx context.Context, name string, gen int, kind, detail string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events (name, generation, kind, detail)
		VALUES (?, ?, ?, ?)
	`, name, gen, kind, detail)
	if err != nil {
		return 0, fmt.Errorf("record event %s for %q/%d: %w", kind, name, gen, err)
	}
	return res.LastInsertId()
}

// Deployment returns one generation of a deployment.
func (s *Store) Deployment(ctx context.Context, name string, gen int) (DeploymentRecord, error) {
	var rec DeploymentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT name, generation, mode, status, error
		FROM deployments
		WHERE name = ? AND generation = ?
	`, name, gen).Scan(&rec.Name, &rec.Generation, &rec.Mode, &rec.Status, &rec.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return DeploymentRecord{}, fmt.Errorf("%q/%d: %w", name, gen, ErrNotFound)
	}
	if err != nil {
		return DeploymentRecord{}, fmt.Errorf("read deployment %q/%d: %w", name, gen, err)
	}
	return rec, nil
}

// Deployments returns every deployment in reservation order.
// Returns an empty slice (not nil) when the ledger is empty.
func (s *Store) Deployments(ctx context.Context) ([]DeploymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, generation, mode, status, error
		FROM deployments
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	recs := []DeploymentRecord{}
	for rows.Next() {
		var rec DeploymentRecord
		if err := rows.Scan(&rec.Name, &rec.Generation, &rec.Mode, &rec.Status, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return recs, nil
}

// Live returns the names of deployments that are not torn down, sorted.
func (s *Store) Live(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM deployments
		WHERE status != ?
		ORDER BY name COLLATE BINARY ASC
	`, StatusTornDown)
	if err != nil {
		return nil, fmt.Errorf("query live deployments: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan live deployment: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate live deployments: %w", err)
	}
	return names, nil
}

// Events returns every event for name across all generations, ordered by seq.
func (s *Store) Events(ctx context.Context, name string) ([]LifecycleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, name, generation, kind, detail
		FROM lifecycle_events
		WHERE name = ?
		ORDER BY seq ASC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []LifecycleEvent{}
	for rows.Next() {
		var ev LifecycleEvent
		if err := rows.Scan(&ev.Seq, &ev.Name, &ev.Generation, &ev.Kind, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
