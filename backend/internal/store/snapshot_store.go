package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

const createSnapshotsTable = `CREATE TABLE IF NOT EXISTS flow_snapshots (
	flow_id    VARCHAR(64) NOT NULL,
	sequence   BIGINT UNSIGNED NOT NULL,
	content    JSON NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (flow_id, sequence)
)`

// SnapshotStore archives serialized flows keyed by (flow, sequence).
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createSnapshotsTable)
	return err
}

// SaveFlowSnapshot is idempotent per sequence: a duplicate key is not an
// error.
func (s *SnapshotStore) SaveFlowSnapshot(ctx context.Context, flowID string, seq uint64, content []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flow_snapshots (flow_id, sequence, content)
		VALUES (?, ?, ?)`,
		flowID,
		seq,
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// LatestFlowSnapshot returns the newest archived copy of a flow, or
// sql.ErrNoRows.
func (s *SnapshotStore) LatestFlowSnapshot(ctx context.Context, flowID string) (uint64, []byte, error) {
	var (
		seq     uint64
		content []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, content FROM flow_snapshots WHERE flow_id = ? ORDER BY sequence DESC LIMIT 1`,
		flowID,
	).Scan(&seq, &content)
	return seq, content, err
}
