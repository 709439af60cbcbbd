package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/stepengine/scope"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite.sql
var sqliteMigration string

// sqliteTimeLayout is fixed-width so lexical order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store and Pruner on an SQLite database. It is
// suitable for single-node deployments and local development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dsn. Use ":memory:"
// for a throwaway database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	params, caps, err := encodeInputs(snap.Inputs)
	if err != nil {
		return err
	}
	existing := 0
	if snap.ExistingResource {
		existing = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provisioner_snapshots (account, org, project, entity, execution_id, stack_name, region, template_ref, parameters, capabilities, existing_resource, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, org, project, entity, execution_id) DO NOTHING
	`, snap.Scope.Account, snap.Scope.Org, snap.Scope.Project, snap.Entity, snap.ExecutionID,
		snap.Inputs.StackName, snap.Inputs.Region, snap.Inputs.TemplateRef,
		params, caps, existing, snap.CreatedAt.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("save snapshot %s/%s: %w", snap.Entity, snap.ExecutionID, err)
	}
	return nil
}

// FindLatest implements Store.
func (s *SQLiteStore) FindLatest(ctx context.Context, sc scope.Scope, entity string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account, org, project, entity, execution_id, stack_name, region, template_ref, parameters, capabilities, existing_resource, created_at
		FROM provisioner_snapshots
		WHERE account = ? AND org = ? AND project = ? AND entity = ?
		ORDER BY created_at DESC, execution_id DESC
		LIMIT 1
	`, sc.Account, sc.Org, sc.Project, entity)

	snap, err := scanSQLiteSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest snapshot for %s: %w", entity, err)
	}
	return snap, nil
}

// Prune implements Pruner.
func (s *SQLiteStore) Prune(ctx context.Context, sc scope.Scope, entity string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM provisioner_snapshots
		WHERE account = ? AND org = ? AND project = ? AND entity = ?
		AND execution_id NOT IN (
			SELECT execution_id FROM provisioner_snapshots
			WHERE account = ? AND org = ? AND project = ? AND entity = ?
			ORDER BY created_at DESC, execution_id DESC
			LIMIT ?
		)
	`, sc.Account, sc.Org, sc.Project, entity, sc.Account, sc.Org, sc.Project, entity, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots for %s: %w", entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSnapshot(row scanner) (*Snapshot, error) {
	var (
		snap         Snapshot
		params, caps string
		existing     int
		createdAtStr string
	)
	err := row.Scan(&snap.Scope.Account, &snap.Scope.Org, &snap.Scope.Project, &snap.Entity, &snap.ExecutionID,
		&snap.Inputs.StackName, &snap.Inputs.Region, &snap.Inputs.TemplateRef,
		&params, &caps, &existing, &createdAtStr)
	if err != nil {
		return nil, err
	}
	if err := decodeInputs(&snap.Inputs, []byte(params), []byte(caps)); err != nil {
		return nil, err
	}
	snap.ExistingResource = existing != 0
	t, err := time.Parse(sqliteTimeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAtStr, err)
	}
	snap.CreatedAt = t
	return &snap, nil
}

func encodeInputs(in Inputs) (string, string, error) {
	params := in.Parameters
	if params == nil {
		params = map[string]string{}
	}
	p, err := json.Marshal(params)
	if err != nil {
		return "", "", fmt.Errorf("marshal parameters: %w", err)
	}
	caps := in.Capabilities
	if caps == nil {
		caps = []string{}
	}
	c, err := json.Marshal(caps)
	if err != nil {
		return "", "", fmt.Errorf("marshal capabilities: %w", err)
	}
	return string(p), string(c), nil
}

func decodeInputs(in *Inputs, params, caps []byte) error {
	if err := json.Unmarshal(params, &in.Parameters); err != nil {
		return fmt.Errorf("unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal(caps, &in.Capabilities); err != nil {
		return fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if len(in.Parameters) == 0 {
		in.Parameters = nil
	}
	if len(in.Capabilities) == 0 {
		in.Capabilities = nil
	}
	return nil
}
