package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LaneMode selects steer-vs-coalesce policy for a Lane.
type LaneMode string

const (
	LaneModeSteer    LaneMode = "steer"
	LaneModeCoalesce LaneMode = "coalesce"
)

// Lane is the per-(session,agent) serialization primitive.
type Lane struct {
	QueueKey         string
	State            string
	DebounceUntil    int64
	ActiveDispatchID string
	Mode             LaneMode
	MaxQueued        int
	DebounceMS       int
}

// QueueMessage is a single inbound message awaiting coalescing or steering.
type QueueMessage struct {
	ID           string
	QueueKey     string
	WorkItemID   string
	Text         string
	SenderName   string
	ArrivedAt    time.Time
	Status       string
	DroppedReason string
	DispatchID   string
}

// EnqueueMessage inserts a Queue Message and upserts the target Lane's
// debounce_until. debounceMS composes as
// per_agent ?? per_plugin_instance ?? default by the caller before this call;
// staggerMS is added on top for fair-share across multiple target agents.
func (s *Store) EnqueueMessage(ctx context.Context, queueKey, workItemID, text, senderName string, debounceMS, staggerMS, maxQueued int) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	candidateUntil := now.Add(time.Duration(debounceMS+staggerMS) * time.Millisecond).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_messages (id, queue_key, work_item_id, text, sender_name, arrived_at, status)
		VALUES (?, ?, ?, ?, ?, ?, 'pending');
	`, id, queueKey, workItemID, text, senderName, now); err != nil {
		return "", fmt.Errorf("insert queue message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_lanes (queue_key, state, debounce_until, mode, max_queued, debounce_ms, updated_at)
		VALUES (?, 'queued', ?, 'coalesce', ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(queue_key) DO UPDATE SET
			debounce_until = MAX(queue_lanes.debounce_until, excluded.debounce_until),
			max_queued = excluded.max_queued,
			debounce_ms = excluded.debounce_ms,
			updated_at = CURRENT_TIMESTAMP;
	`, queueKey, candidateUntil, maxQueued, debounceMS); err != nil {
		return "", fmt.Errorf("upsert lane debounce: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue tx: %w", err)
	}
	return id, nil
}

// DueLanes returns queue_keys that are queued, past their debounce deadline,
// and have at least one pending message — the Run-Dispatch Worker's claim
// routine consults this before creating a Dispatch.
func (s *Store) DueLanes(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.queue_key FROM queue_lanes l
		WHERE l.state = 'queued' AND l.debounce_until <= ?
		  AND EXISTS (SELECT 1 FROM queue_messages m WHERE m.queue_key = l.queue_key AND m.status = 'pending');
	`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query due lanes: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan due lane: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CoalesceLane creates a Dispatch row for a due lane out of its pending
// messages, in arrival order, and enforces max_queued by dropping the oldest
// surplus. Returns the new dispatch id.
func (s *Store) CoalesceLane(ctx context.Context, queueKey, workItemID, agentID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin coalesce tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxQueued int
	if err := tx.QueryRowContext(ctx, `SELECT max_queued FROM queue_lanes WHERE queue_key = ?;`, queueKey).Scan(&maxQueued); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("coalesce lane: no lane row for %s", queueKey)
		}
		return "", fmt.Errorf("read lane max_queued: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, text FROM queue_messages
		WHERE queue_key = ? AND status = 'pending'
		ORDER BY arrived_at ASC, id ASC;
	`, queueKey)
	if err != nil {
		return "", fmt.Errorf("query pending messages: %w", err)
	}
	var ids []string
	var texts []string
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			rows.Close()
			return "", fmt.Errorf("scan pending message: %w", err)
		}
		ids = append(ids, id)
		texts = append(texts, text)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate pending messages: %w", err)
	}
	if len(ids) == 0 {
		return "", nil
	}

	surplus := len(ids) - maxQueued
	included := ids
	includedTexts := texts
	if maxQueued > 0 && surplus > 0 {
		dropIDs := ids[:surplus]
		included = ids[surplus:]
		includedTexts = texts[surplus:]
		for _, dropID := range dropIDs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE queue_messages SET status = 'dropped', dropped_reason = 'max_queued_exceeded' WHERE id = ?;
			`, dropID); err != nil {
				return "", fmt.Errorf("drop surplus message %s: %w", dropID, err)
			}
		}
	}

	dispatchID := uuid.NewString()
	runKey := dispatchID
	coalescedText := strings.Join(includedTexts, "\n")
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_dispatches (id, run_key, queue_key, work_item_id, agent_id, status, coalesced_text, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, dispatchID, runKey, queueKey, workItemID, agentID, coalescedText); err != nil {
		return "", fmt.Errorf("insert coalesced dispatch: %w", err)
	}

	for _, id := range included {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages SET status = 'included', dispatch_id = ? WHERE id = ?;
		`, dispatchID, id); err != nil {
			return "", fmt.Errorf("mark message included %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit coalesce tx: %w", err)
	}
	return dispatchID, nil
}

// PendingMessagesForLane returns messages still awaiting coalescing or
// steering on a lane, used both by CoalesceLane's caller (to check
// eligibility) and by the steer-candidate poll in executeDispatch.
func (s *Store) PendingMessagesForLane(ctx context.Context, queueKey string) ([]QueueMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue_key, work_item_id, text, COALESCE(sender_name,''), arrived_at, status,
		       COALESCE(dropped_reason,''), COALESCE(dispatch_id,'')
		FROM queue_messages WHERE queue_key = ? AND status = 'pending'
		ORDER BY arrived_at ASC, id ASC;
	`, queueKey)
	if err != nil {
		return nil, fmt.Errorf("query pending messages for lane: %w", err)
	}
	defer rows.Close()
	var out []QueueMessage
	for rows.Next() {
		var m QueueMessage
		if err := rows.Scan(&m.ID, &m.QueueKey, &m.WorkItemID, &m.Text, &m.SenderName, &m.ArrivedAt, &m.Status, &m.DroppedReason, &m.DispatchID); err != nil {
			return nil, fmt.Errorf("scan pending message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// IncludeMessagesInDispatch flips steered-in messages to included, stamping
// the dispatch they were folded into (spec S3 steer scenario).
func (s *Store) IncludeMessagesInDispatch(ctx context.Context, dispatchID string, messageIDs []string) error {
	for _, id := range messageIDs {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE queue_messages SET status = 'included', dispatch_id = ? WHERE id = ? AND status = 'pending';
		`, dispatchID, id); err != nil {
			return fmt.Errorf("include steered message %s: %w", id, err)
		}
	}
	return nil
}

// DropMessages marks messages dropped with a reason, used when the Steering
// Arbiter returns `ignore`.
func (s *Store) DropMessages(ctx context.Context, messageIDs []string, reason string) error {
	for _, id := range messageIDs {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE queue_messages SET status = 'dropped', dropped_reason = ? WHERE id = ? AND status = 'pending';
		`, reason, id); err != nil {
			return fmt.Errorf("drop message %s: %w", id, err)
		}
	}
	return nil
}
