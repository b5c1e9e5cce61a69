package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

const (
	agentStatusActive = "active"
	unboundOwner      = "unbound"
	maxAgentNameLen   = 64
)

type AgentRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerPubkey string `json:"owner_pubkey"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

type CreateAgentInput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerPubkey string `json:"owner_pubkey"`
}

// CreateAgent registers an agent. The owner, when given, must be a base58
// Solana public key; agents without one are stored as unbound.
func (s *Store) CreateAgent(ctx context.Context, input CreateAgentInput) (AgentRecord, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return AgentRecord{}, fmt.Errorf("%w: agent name is required", ErrInvalidInput)
	}
	if len(name) > maxAgentNameLen {
		return AgentRecord{}, fmt.Errorf("%w: agent name exceeds %d characters", ErrInvalidInput, maxAgentNameLen)
	}

	owner := strings.TrimSpace(input.OwnerPubkey)
	if owner == "" {
		owner = unboundOwner
	} else {
		pubkey, err := solana.PublicKeyFromBase58(owner)
		if err != nil {
			return AgentRecord{}, fmt.Errorf("%w: owner_pubkey: %v", ErrInvalidInput, err)
		}
		owner = pubkey.String()
	}

	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UnixMilli()
	record := AgentRecord{
		ID:          id,
		Name:        name,
		OwnerPubkey: owner,
		Status:      agentStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	result, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agents (id, name, owner_pubkey, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		record.ID,
		record.Name,
		record.OwnerPubkey,
		record.Status,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return AgentRecord{}, fmt.Errorf("insert agent: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return AgentRecord{}, fmt.Errorf("%w: agent %q already exists", ErrInvalidInput, record.ID)
	}
	return record, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, owner_pubkey, status, created_at, updated_at
		 FROM agents
		 ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]AgentRecord, 0, 32)
	for rows.Next() {
		var item AgentRecord
		if err := rows.Scan(
			&item.ID,
			&item.Name,
			&item.OwnerPubkey,
			&item.Status,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (AgentRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, owner_pubkey, status, created_at, updated_at
		 FROM agents
		 WHERE id = ?`,
		strings.TrimSpace(agentID),
	)
	var out AgentRecord
	if err := row.Scan(
		&out.ID,
		&out.Name,
		&out.OwnerPubkey,
		&out.Status,
		&out.CreatedAt,
		&out.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentRecord{}, ErrNotFound
		}
		return AgentRecord{}, err
	}
	return out, nil
}
