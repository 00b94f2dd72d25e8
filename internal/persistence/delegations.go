package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Delegation records one hop of an agent-relay chain: a response delivered on a public channel by
// parent_dispatch_id's agent produced relay_work_item_id, which may in turn
// be picked up by another dispatch (child_dispatch_id, filled in once that
// dispatch is created) — the chain this table records is what
// maxRelayDepth is measured against.
type Delegation struct {
	ID              string
	ParentDispatchID string
	ChildDispatchID string
	RelayWorkItemID string
	Depth           int
	CreatedAt       time.Time
}

// CreateDelegation records a relay hop, called by CreateAgentRelay in the
// same transaction as the relay Work Item insert.
func (s *Store) createDelegationTx(ctx context.Context, tx *sql.Tx, parentDispatchID, relayWorkItemID string, depth int) (string, error) {
	id := uuid.NewString()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO delegations (id, parent_dispatch_id, relay_work_item_id, depth, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, id, parentDispatchID, relayWorkItemID, depth)
	if err != nil {
		return "", fmt.Errorf("create delegation: %w", err)
	}
	return id, nil
}

// AttachChildDispatch links a delegation to the dispatch that eventually
// claims its relay Work Item, completing the lineage record.
func (s *Store) AttachChildDispatch(ctx context.Context, relayWorkItemID, childDispatchID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delegations SET child_dispatch_id = ? WHERE relay_work_item_id = ?;
	`, childDispatchID, relayWorkItemID)
	if err != nil {
		return fmt.Errorf("attach child dispatch: %w", err)
	}
	return nil
}

// GetDelegation retrieves a delegation by id.
func (s *Store) GetDelegation(ctx context.Context, id string) (*Delegation, error) {
	var d Delegation
	var childDispatchID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, parent_dispatch_id, child_dispatch_id, relay_work_item_id, depth, created_at
		FROM delegations WHERE id = ?;
	`, id).Scan(&d.ID, &d.ParentDispatchID, &childDispatchID, &d.RelayWorkItemID, &d.Depth, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delegation: %w", err)
	}
	d.ChildDispatchID = childDispatchID.String
	return &d, nil
}

// DelegationChainForDispatch returns every delegation hop rooted at a
// dispatch, ordered oldest first, used to reconstruct a relay chain for
// observability or to audit maxRelayDepth enforcement.
func (s *Store) DelegationChainForDispatch(ctx context.Context, parentDispatchID string) ([]Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_dispatch_id, child_dispatch_id, relay_work_item_id, depth, created_at
		FROM delegations WHERE parent_dispatch_id = ? ORDER BY created_at ASC;
	`, parentDispatchID)
	if err != nil {
		return nil, fmt.Errorf("delegation chain for dispatch: %w", err)
	}
	defer rows.Close()

	var out []Delegation
	for rows.Next() {
		var d Delegation
		var childDispatchID sql.NullString
		if err := rows.Scan(&d.ID, &d.ParentDispatchID, &childDispatchID, &d.RelayWorkItemID, &d.Depth, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		d.ChildDispatchID = childDispatchID.String
		out = append(out, d)
	}
	return out, rows.Err()
}
