package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EffectStatus is the Effect Outbox tri-state-plus-pending lifecycle.
type EffectStatus string

const (
	EffectStatusPending EffectStatus = "pending"
	EffectStatusSending EffectStatus = "sending"
	EffectStatusSent    EffectStatus = "sent"
	EffectStatusFailed  EffectStatus = "failed"
	EffectStatusUnknown EffectStatus = "unknown"
)

// EffectOutboxEntry is a deferred side effect awaiting delivery.
type EffectOutboxEntry struct {
	ID             string
	EffectKey      string
	DispatchID     string
	PluginInstance string
	WorkItemID     string
	JobID          string
	Channel        string
	Kind           string
	Payload        string
	Status         EffectStatus
	AttemptCount   int
	NextAttemptAt  time.Time
	ClaimedEpoch   int64
	ProviderRef    string
	LastError      string
}

// ClaimedEffect carries the epoch the caller must present on resolution.
type ClaimedEffect struct {
	EffectOutboxEntry
	ExpectedEpoch int64
}

// EnqueueEffect inserts an Effect Outbox row. Re-insertion with the same
// effect_key is a no-op because effect_key is unique.
func (s *Store) EnqueueEffect(ctx context.Context, effectKey, dispatchID, pluginInstance, workItemID, jobID, channel, kind, payload string) (string, error) {
	id := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO effect_outbox (id, effect_key, dispatch_id, plugin_instance, work_item_id, job_id, channel, kind, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(effect_key) DO NOTHING;
	`, id, effectKey, dispatchID, nullableString(pluginInstance), workItemID, nullableString(jobID), channel, kind, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue effect: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Existing row wins; return its id for the caller's observability.
		var existingID string
		if err := s.db.QueryRowContext(ctx, `SELECT id FROM effect_outbox WHERE effect_key = ?;`, effectKey).Scan(&existingID); err != nil {
			return "", fmt.Errorf("read existing effect id: %w", err)
		}
		return existingID, nil
	}
	return id, nil
}

// ClaimNextEffectOutbox claims the oldest pending, due effect FIFO by
// created_at.
func (s *Store) ClaimNextEffectOutbox(ctx context.Context, workerID string) (*ClaimedEffect, error) {
	var result *ClaimedEffect
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim effect tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var e EffectOutboxEntry
		var pluginInstance, jobID, providerRef, lastError sql.NullString
		row := tx.QueryRowContext(ctx, `
			SELECT id, effect_key, dispatch_id, plugin_instance, work_item_id, job_id, channel, kind, payload,
			       status, attempt_count, next_attempt_at, claimed_epoch, provider_ref, last_error
			FROM effect_outbox
			WHERE status IN (?, ?) AND next_attempt_at IS NOT NULL AND next_attempt_at <= CURRENT_TIMESTAMP
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, EffectStatusPending, EffectStatusFailed)
		if scanErr := row.Scan(&e.ID, &e.EffectKey, &e.DispatchID, &pluginInstance, &e.WorkItemID, &jobID,
			&e.Channel, &e.Kind, &e.Payload, &e.Status, &e.AttemptCount, &e.NextAttemptAt, &e.ClaimedEpoch,
			&providerRef, &lastError); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select next effect: %w", scanErr)
		}
		e.PluginInstance = pluginInstance.String
		e.JobID = jobID.String
		e.ProviderRef = providerRef.String
		e.LastError = lastError.String

		newEpoch := e.ClaimedEpoch + 1
		res, err := tx.ExecContext(ctx, `
			UPDATE effect_outbox
			SET status = ?, claimed_epoch = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND claimed_epoch = ?;
		`, EffectStatusSending, newEpoch, e.ID, e.Status, e.ClaimedEpoch)
		if err != nil {
			return fmt.Errorf("claim effect update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim effect tx: %w", err)
		}
		e.Status = EffectStatusSending
		e.ClaimedEpoch = newEpoch
		result = &ClaimedEffect{EffectOutboxEntry: e, ExpectedEpoch: newEpoch}
		return nil
	})
	return result, err
}

// MarkEffectSent finalizes a successful delivery. Epoch mismatch is a
// silent no-op.
func (s *Store) MarkEffectSent(ctx context.Context, id, providerRef string, expectedEpoch int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE effect_outbox
		SET status = ?, provider_ref = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND claimed_epoch = ? AND status = ?;
	`, EffectStatusSent, providerRef, id, expectedEpoch, EffectStatusSending)
	if err != nil {
		return false, fmt.Errorf("mark effect sent: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkEffectFailed records a retryable or terminal failure. A retryable
// failure stays claimable: ClaimNextEffectOutbox accepts status=failed rows
// once next_attempt_at is due, per backoff(n) = clamp(n*10, 5, 300) seconds.
// A non-retryable failure is terminal and never reconsidered.
func (s *Store) MarkEffectFailed(ctx context.Context, id, lastErr string, retryable bool, expectedEpoch int64) (bool, error) {
	if retryable {
		var attemptCount int
		if err := s.db.QueryRowContext(ctx, `SELECT attempt_count FROM effect_outbox WHERE id = ?;`, id).Scan(&attemptCount); err != nil {
			return false, fmt.Errorf("read effect attempt_count: %w", err)
		}
		nextAttempt := time.Now().UTC().Add(effectBackoff(attemptCount + 1))
		res, err := s.db.ExecContext(ctx, `
			UPDATE effect_outbox
			SET status = ?, attempt_count = attempt_count + 1, last_error = ?,
			    next_attempt_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND claimed_epoch = ? AND status = ?;
		`, EffectStatusFailed, lastErr, nextAttempt, id, expectedEpoch, EffectStatusSending)
		if err != nil {
			return false, fmt.Errorf("mark effect failed retryable: %w", err)
		}
		n, err := res.RowsAffected()
		return n == 1, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE effect_outbox
		SET status = ?, last_error = ?, next_attempt_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND claimed_epoch = ? AND status = ?;
	`, EffectStatusFailed, lastErr, id, expectedEpoch, EffectStatusSending)
	if err != nil {
		return false, fmt.Errorf("mark effect failed terminal: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkEffectUnknown records ambiguous delivery — the system never auto-retries
// unknown outcomes.
func (s *Store) MarkEffectUnknown(ctx context.Context, id, reason string, expectedEpoch int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE effect_outbox
		SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND claimed_epoch = ? AND status = ?;
	`, EffectStatusUnknown, reason, id, expectedEpoch, EffectStatusSending)
	if err != nil {
		return false, fmt.Errorf("mark effect unknown: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// effectBackoff computes backoff(n) = clamp(n*10, 5, 300) seconds.
func effectBackoff(attemptNumber int) time.Duration {
	secs := attemptNumber * 10
	if secs < 5 {
		secs = 5
	}
	if secs > 300 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// --- Agent-relay enqueueing ---

const maxRelayDepth = 12

// RelayResult reports what CreateAgentRelay decided.
type RelayResult struct {
	Enqueued   bool
	Depth      int
	WorkItemID string
}

// CreateAgentRelay enqueues a relay Work Item for an agent's public response
// so other agents on the same channel can see and respond, guarded by
// dedupe (source_ref = agent_relay:{effect_id}), depth (<12), and origin
// exclusion enforced by the caller (targetAgentIDs must already exclude the
// originating agent). parentDispatchID, when non-empty, is recorded as a
// Delegation lineage hop so the chain can be audited later.
func (s *Store) CreateAgentRelay(ctx context.Context, effectID, pluginInstance, sessionKey, originatingAgentID string, parentRelayDepth int, content string) (*RelayResult, error) {
	return s.createAgentRelay(ctx, effectID, pluginInstance, sessionKey, originatingAgentID, "", parentRelayDepth, content)
}

// CreateAgentRelayWithLineage is CreateAgentRelay plus a parent dispatch id,
// letting the caller record the Delegation lineage hop used to audit
// maxRelayDepth enforcement.
func (s *Store) CreateAgentRelayWithLineage(ctx context.Context, effectID, pluginInstance, sessionKey, originatingAgentID, parentDispatchID string, parentRelayDepth int, content string) (*RelayResult, error) {
	return s.createAgentRelay(ctx, effectID, pluginInstance, sessionKey, originatingAgentID, parentDispatchID, parentRelayDepth, content)
}

func (s *Store) createAgentRelay(ctx context.Context, effectID, pluginInstance, sessionKey, originatingAgentID, parentDispatchID string, parentRelayDepth int, content string) (*RelayResult, error) {
	depth := parentRelayDepth + 1
	if depth > maxRelayDepth {
		return &RelayResult{Enqueued: false, Depth: depth}, nil
	}
	sourceRef := "agent_relay:" + effectID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin relay tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM work_items WHERE source_ref = ?;`, sourceRef).Scan(&existing)
	if err == nil {
		return &RelayResult{Enqueued: false, Depth: depth, WorkItemID: existing}, nil // dedupe: no-op
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check relay dedupe: %w", err)
	}

	workItemID := uuid.NewString()
	payload := fmt.Sprintf(`{"text":%q,"relayDepth":%d,"actor":{"kind":"agent","agentId":%q}}`, content, depth, originatingAgentID)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO work_items (id, plugin_instance, session_key, source, source_ref, title, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, 'agent_relay', ?, 'agent relay', ?, 'NEW', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, workItemID, nullableString(pluginInstance), sessionKey, sourceRef, payload); err != nil {
		return nil, fmt.Errorf("insert relay work item: %w", err)
	}
	if parentDispatchID != "" {
		if _, err := s.createDelegationTx(ctx, tx, parentDispatchID, workItemID, depth); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit relay tx: %w", err)
	}
	return &RelayResult{Enqueued: true, Depth: depth, WorkItemID: workItemID}, nil
}
