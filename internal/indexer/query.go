package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coldbell/agentarena/backend/internal/performance"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	maxFillBatch     = 1000
)

type FillFilter struct {
	AgentID string
	Asset   string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

type FillRecord struct {
	ID           int64  `json:"id"`
	AgentID      string `json:"agent_id"`
	FillID       string `json:"fill_id"`
	Asset        string `json:"asset"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	RawTimestamp string `json:"timestamp"`
	ExecutedAt   int64  `json:"executed_at"`
	ReceivedAt   int64  `json:"received_at"`
}

// InsertFills stores raw fills for an agent exactly as reported. Records are
// kept even when they would not survive sanitizing; the engine filters them
// on read. Re-sending a fill id is a no-op. Returns the number of new rows.
func (s *Store) InsertFills(ctx context.Context, agentID string, fills []performance.RawFill) (int, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return 0, fmt.Errorf("%w: agent id is required", ErrInvalidInput)
	}
	if len(fills) == 0 {
		return 0, nil
	}
	if len(fills) > maxFillBatch {
		return 0, fmt.Errorf("%w: at most %d fills per batch", ErrInvalidInput, maxFillBatch)
	}
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return 0, err
	}

	receivedAt := time.Now().UnixMilli()
	inserted := 0
	err := s.WithTx(ctx, func(tx *Tx) error {
		for _, fill := range fills {
			fillID := strings.TrimSpace(fill.ID)
			if fillID == "" {
				fillID = uuid.NewString()
			}
			var executedAt int64
			if ts, ok := performance.ParseTimestamp(fill.Timestamp); ok {
				executedAt = ts.UnixMilli()
			}

			result, err := tx.ExecContext(
				ctx,
				`INSERT INTO fills (
					agent_id, fill_id, asset, side, price, quantity, raw_timestamp, executed_at, received_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (agent_id, fill_id) DO NOTHING`,
				agentID,
				fillID,
				strings.TrimSpace(fill.Asset),
				strings.TrimSpace(fill.Side),
				strings.TrimSpace(fill.Price),
				strings.TrimSpace(fill.Quantity),
				strings.TrimSpace(fill.Timestamp),
				executedAt,
				receivedAt,
			)
			if err != nil {
				return fmt.Errorf("insert fill %s: %w", fillID, err)
			}
			if affected, err := result.RowsAffected(); err == nil {
				inserted += int(affected)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListFills pages through stored fills, newest first.
func (s *Store) ListFills(ctx context.Context, filter FillFilter) ([]FillRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 6)

	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Asset != "" {
		clauses = append(clauses, "asset = ?")
		args = append(args, filter.Asset)
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "executed_at >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "executed_at <= ?")
		args = append(args, filter.To.UnixMilli())
	}

	query := fmt.Sprintf(`
		SELECT
			id,
			agent_id,
			fill_id,
			asset,
			side,
			price,
			quantity,
			raw_timestamp,
			executed_at,
			received_at
		FROM fills
		WHERE %s
		ORDER BY executed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]FillRecord, 0, limit)
	for rows.Next() {
		var item FillRecord
		if err := rows.Scan(
			&item.ID,
			&item.AgentID,
			&item.FillID,
			&item.Asset,
			&item.Side,
			&item.Price,
			&item.Quantity,
			&item.RawTimestamp,
			&item.ExecutedAt,
			&item.ReceivedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

// LoadAgentFills returns every stored fill of an agent executed at or before
// until, in insertion order. Fills with an unparseable timestamp are always
// included. A zero until means no bound.
func (s *Store) LoadAgentFills(ctx context.Context, agentID string, until time.Time) ([]performance.RawFill, error) {
	query := `
		SELECT fill_id, asset, side, price, quantity, raw_timestamp
		FROM fills
		WHERE agent_id = ?`
	args := []any{agentID}
	if !until.IsZero() {
		query += ` AND (executed_at <= ? OR executed_at = 0)`
		args = append(args, until.UnixMilli())
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load fills for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	out := make([]performance.RawFill, 0, 64)
	for rows.Next() {
		var fill performance.RawFill
		if err := rows.Scan(
			&fill.ID,
			&fill.Asset,
			&fill.Side,
			&fill.Price,
			&fill.Quantity,
			&fill.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
