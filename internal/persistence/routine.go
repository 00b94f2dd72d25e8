package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RoutineKind is the trigger kind of a user-defined Routine.
type RoutineKind string

const (
	RoutineKindCron      RoutineKind = "cron"
	RoutineKindCondition RoutineKind = "condition"
	RoutineKindOneshot   RoutineKind = "oneshot"
	RoutineKindEvent     RoutineKind = "event"
)

// Routine is a user-defined trigger that generates Routine Runs.
type Routine struct {
	ID              string
	Name            string
	TriggerKind     RoutineKind
	CronExpr        string
	Timezone        string
	ConditionProbe  string
	ConditionConfig string
	RuleJSON        string
	SessionKey      string
	AgentID         string
	NextRunAt       *time.Time
	LastEvaluatedAt *time.Time
	LastStatus      string
	Enabled         bool
}

// RoutineRunDecision is the outcome of a single routine evaluation.
type RoutineRunDecision string

const (
	RoutineRunEnqueued RoutineRunDecision = "enqueued"
	RoutineRunSkipped  RoutineRunDecision = "skipped"
	RoutineRunError    RoutineRunDecision = "error"
)

func scanRoutine(scanFn func(dest ...any) error, r *Routine) error {
	var cronExpr, probe, condConfig, ruleJSON, lastStatus sql.NullString
	var nextRunAt, lastEvaluatedAt sql.NullTime
	if err := scanFn(
		&r.ID, &r.Name, &r.TriggerKind, &cronExpr, &r.Timezone, &probe, &condConfig, &ruleJSON,
		&r.SessionKey, &r.AgentID, &nextRunAt, &lastEvaluatedAt, &lastStatus, &r.Enabled,
	); err != nil {
		return err
	}
	r.CronExpr = cronExpr.String
	r.ConditionProbe = probe.String
	r.ConditionConfig = condConfig.String
	r.RuleJSON = ruleJSON.String
	r.LastStatus = lastStatus.String
	if nextRunAt.Valid {
		t := nextRunAt.Time
		r.NextRunAt = &t
	}
	if lastEvaluatedAt.Valid {
		t := lastEvaluatedAt.Time
		r.LastEvaluatedAt = &t
	}
	return nil
}

const routineColumns = `
	id, name, trigger_kind, cron_expr, timezone, condition_probe, condition_config, rule_json,
	session_key, agent_id, next_run_at, last_evaluated_at, last_status, enabled`

// CreateRoutine inserts a new Routine definition.
func (s *Store) CreateRoutine(ctx context.Context, r Routine) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routines (id, name, trigger_kind, cron_expr, timezone, condition_probe, condition_config,
			rule_json, session_key, agent_id, next_run_at, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, r.Name, r.TriggerKind, nullableString(r.CronExpr), r.Timezone, nullableString(r.ConditionProbe),
		nullableString(r.ConditionConfig), nullableString(r.RuleJSON), r.SessionKey, r.AgentID, r.NextRunAt, r.Enabled)
	if err != nil {
		return "", fmt.Errorf("create routine: %w", err)
	}
	return id, nil
}

// DueRoutines returns enabled routines whose next_run_at has arrived,
// bounded per tick.
func (s *Store) DueRoutines(ctx context.Context, now time.Time, limit int) ([]Routine, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+routineColumns+`
		FROM routines
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?;
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due routines: %w", err)
	}
	defer rows.Close()
	var out []Routine
	for rows.Next() {
		var r Routine
		if err := scanRoutine(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan due routine: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRoutineRun stamps a routine's evaluation bookkeeping after a tick.
func (s *Store) UpdateRoutineRun(ctx context.Context, routineID string, now time.Time, nextRunAt *time.Time, lastStatus string, disable bool) error {
	if disable {
		_, err := s.db.ExecContext(ctx, `
			UPDATE routines SET last_evaluated_at = ?, last_status = ?, next_run_at = NULL, enabled = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, now, lastStatus, routineID)
		if err != nil {
			return fmt.Errorf("update routine run (disable): %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE routines SET last_evaluated_at = ?, last_status = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, now, lastStatus, nextRunAt, routineID)
	if err != nil {
		return fmt.Errorf("update routine run: %w", err)
	}
	return nil
}

// RecordRoutineRun inserts a Routine Run receipt. The (routine_id, trigger_ref)
// uniqueness makes this idempotent — a duplicate
// insert attempt is treated by the caller as "already recorded" via the
// returned error wrapping a unique-constraint violation.
func (s *Store) RecordRoutineRun(ctx context.Context, routineID, triggerOrigin, triggerRef, envelopeJSON string, decision RoutineRunDecision, reason, scheduledItemID string) (string, bool, error) {
	id := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO routine_runs (id, routine_id, trigger_origin, trigger_ref, envelope_json, decision, reason, scheduled_item_id, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(routine_id, trigger_ref) DO NOTHING;
	`, id, routineID, triggerOrigin, triggerRef, nullableString(envelopeJSON), decision, nullableString(reason), nullableString(scheduledItemID))
	if err != nil {
		return "", false, fmt.Errorf("record routine run: %w", err)
	}
	n, _ := res.RowsAffected()
	return id, n == 1, nil
}

// RoutineRunExists checks the dedupe index directly, used by the event
// worker to skip a routine that already evaluated a given event.
func (s *Store) RoutineRunExists(ctx context.Context, routineID, triggerRef string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM routine_runs WHERE routine_id = ? AND trigger_ref = ? LIMIT 1;
	`, routineID, triggerRef).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check routine run exists: %w", err)
	}
	return true, nil
}

// EnabledEventRoutines lists enabled routines with trigger_kind='event' for
// the event worker's per-envelope fan-out.
func (s *Store) EnabledEventRoutines(ctx context.Context) ([]Routine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+routineColumns+` FROM routines WHERE enabled = 1 AND trigger_kind = 'event';
	`)
	if err != nil {
		return nil, fmt.Errorf("query enabled event routines: %w", err)
	}
	defer rows.Close()
	var out []Routine
	for rows.Next() {
		var r Routine
		if err := scanRoutine(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan enabled event routine: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Event Envelope queue ---

// EnqueueRoutineEvent inserts an inbound Event Envelope for event-triggered
// routines to evaluate. Re-insertion with the same event_id is a no-op.
func (s *Store) EnqueueRoutineEvent(ctx context.Context, eventID, source, envelopeJSON string) (string, error) {
	id := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO routine_events (id, event_id, source, envelope_json, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', CURRENT_TIMESTAMP)
		ON CONFLICT(event_id) DO NOTHING;
	`, id, eventID, source, envelopeJSON)
	if err != nil {
		return "", fmt.Errorf("enqueue routine event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existingID string
		if err := s.db.QueryRowContext(ctx, `SELECT id FROM routine_events WHERE event_id = ?;`, eventID).Scan(&existingID); err != nil {
			return "", fmt.Errorf("read existing routine event id: %w", err)
		}
		return existingID, nil
	}
	return id, nil
}

// ClaimNextRoutineEvent claims the oldest pending Event Envelope for the
// event worker's ~1s tick.
func (s *Store) ClaimNextRoutineEvent(ctx context.Context, workerID string) (eventID, source, envelopeJSON string, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", "", false, fmt.Errorf("begin claim routine event tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	row := tx.QueryRowContext(ctx, `
		SELECT id, event_id, source, envelope_json FROM routine_events
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1;
	`)
	if scanErr := row.Scan(&id, &eventID, &source, &envelopeJSON); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return "", "", "", false, nil
		}
		return "", "", "", false, fmt.Errorf("select next routine event: %w", scanErr)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE routine_events SET status = 'claimed', claimed_by = ? WHERE id = ? AND status = 'pending';
	`, workerID, id)
	if err != nil {
		return "", "", "", false, fmt.Errorf("claim routine event update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", "", "", false, nil
	}
	if err := tx.Commit(); err != nil {
		return "", "", "", false, fmt.Errorf("commit claim routine event tx: %w", err)
	}
	return eventID, source, envelopeJSON, true, nil
}

// MarkRoutineEventProcessed finalizes an event envelope after all
// event-routines have evaluated it.
func (s *Store) MarkRoutineEventProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE routine_events SET status = 'processed' WHERE event_id = ?;`, eventID)
	if err != nil {
		return fmt.Errorf("mark routine event processed: %w", err)
	}
	return nil
}
