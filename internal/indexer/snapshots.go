package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coldbell/agentarena/backend/internal/performance"
)

var _ performance.SnapshotSink = (*Store)(nil)

// SaveSnapshots persists a batch of snapshots in one transaction.
func (s *Store) SaveSnapshots(ctx context.Context, snapshots []performance.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, snapshot := range snapshots {
			payload, err := json.Marshal(snapshot)
			if err != nil {
				return fmt.Errorf("encode snapshot %s: %w", snapshot.ID, err)
			}
			_, err = tx.ExecContext(
				ctx,
				`INSERT INTO performance_snapshots (
					id, agent_id, agent_name, agent_rank, computed_at, window_start, window_end, account_value, payload_json
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				snapshot.ID,
				snapshot.AgentID,
				snapshot.AgentName,
				snapshot.Rank,
				snapshot.ComputedAt.UnixMilli(),
				snapshot.WindowStart.UnixMilli(),
				snapshot.WindowEnd.UnixMilli(),
				snapshot.Metrics.AccountValue,
				string(payload),
			)
			if err != nil {
				return fmt.Errorf("insert snapshot for agent %s: %w", snapshot.AgentID, err)
			}
		}
		return nil
	})
}

func (s *Store) GetLatestSnapshot(ctx context.Context, agentID string) (performance.Snapshot, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT payload_json
		 FROM performance_snapshots
		 WHERE agent_id = ?
		 ORDER BY computed_at DESC, id DESC
		 LIMIT 1`,
		agentID,
	)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return performance.Snapshot{}, ErrNotFound
		}
		return performance.Snapshot{}, err
	}
	return decodeSnapshot(payload)
}

// ListLatestSnapshots returns the newest snapshot of every agent ordered by
// the rank it was stored with.
func (s *Store) ListLatestSnapshots(ctx context.Context) ([]performance.Snapshot, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT s.payload_json
		 FROM performance_snapshots s
		 WHERE s.computed_at = (
			SELECT MAX(l.computed_at) FROM performance_snapshots l WHERE l.agent_id = s.agent_id
		 )
		 ORDER BY s.agent_rank ASC, s.agent_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]performance.Snapshot, 0, 32)
	seen := make(map[string]struct{})
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		snapshot, err := decodeSnapshot(payload)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[snapshot.AgentID]; dup {
			continue
		}
		seen[snapshot.AgentID] = struct{}{}
		out = append(out, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PreviousRanks maps agent id to the rank of its newest snapshot.
func (s *Store) PreviousRanks(ctx context.Context) (map[string]int, error) {
	snapshots, err := s.ListLatestSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(snapshots))
	for _, snapshot := range snapshots {
		out[snapshot.AgentID] = snapshot.Rank
	}
	return out, nil
}

// PruneSnapshots keeps the newest keep snapshots per agent and deletes the
// rest.
func (s *Store) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("%w: keep must be > 0", ErrInvalidInput)
	}
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM performance_snapshots
		 WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY agent_id
					ORDER BY computed_at DESC, id DESC
				) AS rn
				FROM performance_snapshots
			) ranked
			WHERE ranked.rn > ?
		 )`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

// CountSnapshots returns how many snapshots are stored for agentID.
func (s *Store) CountSnapshots(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM performance_snapshots WHERE agent_id = ?`, agentID).Scan(&count)
	return count, err
}

func decodeSnapshot(payload string) (performance.Snapshot, error) {
	var snapshot performance.Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return performance.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	snapshot.ComputedAt = snapshot.ComputedAt.UTC()
	snapshot.WindowStart = snapshot.WindowStart.UTC()
	snapshot.WindowEnd = snapshot.WindowEnd.UTC()
	return snapshot, nil
}
