package snapshot

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/stepengine/scope"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/postgres.sql
var postgresMigration string

// PostgresStore implements Store and Pruner on PostgreSQL. It is the store
// for multi-node deployments where the resuming process may differ from the
// dispatching one.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL, verifies the connection and
// applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigration); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	params, caps, err := encodeInputs(snap.Inputs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO provisioner_snapshots (account, org, project, entity, execution_id, stack_name, region, template_ref, parameters, capabilities, existing_resource, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11, $12)
		ON CONFLICT (account, org, project, entity, execution_id) DO NOTHING`,
		snap.Scope.Account, snap.Scope.Org, snap.Scope.Project, snap.Entity, snap.ExecutionID,
		snap.Inputs.StackName, snap.Inputs.Region, snap.Inputs.TemplateRef,
		params, caps, snap.ExistingResource, snap.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save snapshot %s/%s: %w", snap.Entity, snap.ExecutionID, err)
	}
	return nil
}

// FindLatest implements Store.
func (s *PostgresStore) FindLatest(ctx context.Context, sc scope.Scope, entity string) (*Snapshot, error) {
	var (
		snap         Snapshot
		params, caps []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT account, org, project, entity, execution_id, stack_name, region, template_ref, parameters, capabilities, existing_resource, created_at
		FROM provisioner_snapshots
		WHERE account = $1 AND org = $2 AND project = $3 AND entity = $4
		ORDER BY created_at DESC, execution_id DESC
		LIMIT 1`,
		sc.Account, sc.Org, sc.Project, entity,
	).Scan(&snap.Scope.Account, &snap.Scope.Org, &snap.Scope.Project, &snap.Entity, &snap.ExecutionID,
		&snap.Inputs.StackName, &snap.Inputs.Region, &snap.Inputs.TemplateRef,
		&params, &caps, &snap.ExistingResource, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest snapshot for %s: %w", entity, err)
	}
	if err := decodeInputs(&snap.Inputs, params, caps); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Prune implements Pruner.
func (s *PostgresStore) Prune(ctx context.Context, sc scope.Scope, entity string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM provisioner_snapshots
		WHERE account = $1 AND org = $2 AND project = $3 AND entity = $4
		AND execution_id NOT IN (
			SELECT execution_id FROM provisioner_snapshots
			WHERE account = $1 AND org = $2 AND project = $3 AND entity = $4
			ORDER BY created_at DESC, execution_id DESC
			LIMIT $5
		)`,
		sc.Account, sc.Org, sc.Project, entity, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots for %s: %w", entity, err)
	}
	return int(tag.RowsAffected()), nil
}
