package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for
// mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Archive provides a PostgreSQL history of engine snapshots. Each Save
// appends a row; Latest returns the most recent one for restart recovery
// when the snapshot file is missing.
type Archive struct {
	pool DBPool
	log  *zap.Logger
}

// NewArchive creates an archive and verifies the connection.
func NewArchive(ctx context.Context, pool DBPool, logger *zap.Logger) (*Archive, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Archive{
		pool: pool,
		log:  logger.Named("archive"),
	}, nil
}

// Save appends the snapshot as a jsonb payload.
func (a *Archive) Save(ctx context.Context, snap schemas.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	sql := `INSERT INTO snapshots (id, taken_at, payload) VALUES ($1, $2, $3);`
	if _, err := a.pool.Exec(ctx, sql, snap.ID, snap.TakenAt, payload); err != nil {
		return fmt.Errorf("failed to insert snapshot %s: %w", snap.ID, err)
	}

	a.log.Debug("Snapshot archived", zap.String("snapshot_id", snap.ID))
	return nil
}

// Latest returns the most recently archived snapshot.
func (a *Archive) Latest(ctx context.Context) (schemas.Snapshot, error) {
	sql := `SELECT payload FROM snapshots ORDER BY taken_at DESC LIMIT 1;`
	rows, err := a.pool.Query(ctx, sql)
	if err != nil {
		return schemas.Snapshot{}, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return schemas.Snapshot{}, fmt.Errorf("error during row iteration: %w", err)
		}
		return schemas.Snapshot{}, fmt.Errorf("no archived snapshots")
	}

	var payload []byte
	if err := rows.Scan(&payload); err != nil {
		return schemas.Snapshot{}, fmt.Errorf("failed to scan snapshot row: %w", err)
	}

	var snap schemas.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return schemas.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot payload: %w", err)
	}
	return snap, nil
}
