package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentrun/internal/bus"
	"github.com/google/uuid"
)

// DispatchStatus is the lifecycle state of a run dispatch.
type DispatchStatus string

const (
	DispatchStatusQueued    DispatchStatus = "queued"
	DispatchStatusRunning   DispatchStatus = "running"
	DispatchStatusPaused    DispatchStatus = "paused"
	DispatchStatusCompleted DispatchStatus = "completed"
	DispatchStatusFailed    DispatchStatus = "failed"
	DispatchStatusCancelled DispatchStatus = "cancelled"
	DispatchStatusAbandoned DispatchStatus = "abandoned"
	DispatchStatusMerged    DispatchStatus = "merged"
)

func (s DispatchStatus) terminal() bool {
	switch s {
	case DispatchStatusCompleted, DispatchStatusFailed, DispatchStatusCancelled, DispatchStatusAbandoned, DispatchStatusMerged:
		return true
	}
	return false
}

// ControlState is the pending control directive on a dispatch.
type ControlState string

const (
	ControlStateNormal          ControlState = "normal"
	ControlStatePauseRequested  ControlState = "pause_requested"
	ControlStateResumeRequested ControlState = "resume_requested"
	ControlStateCancelRequested ControlState = "cancel_requested"
)

const defaultDispatchLeaseDuration = 30 * time.Second

// RunDispatch is one intended run of an agent against a work item.
type RunDispatch struct {
	ID                 string
	RunKey             string
	QueueKey           string
	WorkItemID         string
	AgentID            string
	Status             DispatchStatus
	ClaimedBy          string
	LeaseExpiresAt     *time.Time
	ClaimedEpoch       int64
	ControlState       ControlState
	ControlReason      string
	ReplayOfDispatchID string
	InputText          string
	CoalescedText      string
	JobID              string
	ErrorText          string
	ScheduledAt        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ClaimedRunDispatch is the result of a successful claim, carrying the
// epoch the caller must present on finalize.
type ClaimedRunDispatch struct {
	RunDispatch
	ExpectedEpoch int64
}

func scanRunDispatch(scanFn func(dest ...any) error, d *RunDispatch) error {
	var claimedBy, controlReason, replayOf, jobID, errText sql.NullString
	var leaseExpiresAt sql.NullTime
	if err := scanFn(
		&d.ID, &d.RunKey, &d.QueueKey, &d.WorkItemID, &d.AgentID, &d.Status,
		&claimedBy, &leaseExpiresAt, &d.ClaimedEpoch, &d.ControlState, &controlReason,
		&replayOf, &d.InputText, &d.CoalescedText, &jobID, &errText,
		&d.ScheduledAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return err
	}
	d.ClaimedBy = claimedBy.String
	d.ControlReason = controlReason.String
	d.ReplayOfDispatchID = replayOf.String
	d.JobID = jobID.String
	d.ErrorText = errText.String
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		d.LeaseExpiresAt = &t
	}
	return nil
}

const runDispatchColumns = `
	id, run_key, queue_key, work_item_id, agent_id, status,
	claimed_by, lease_expires_at, claimed_epoch, control_state, control_reason,
	replay_of_dispatch_id, COALESCE(input_text,''), COALESCE(coalesced_text,''),
	job_id, error_text, scheduled_at, created_at, updated_at`

// ClaimNextRunDispatch atomically claims the oldest eligible queued dispatch
// whose lane is not already running, flips the lane to running, and stamps
// a fresh lease/epoch. Tie-break: oldest scheduled_at, then created_at, then id.
// Returns (nil, nil) when nothing is claimable.
func (s *Store) ClaimNextRunDispatch(ctx context.Context, workerID string, leaseSeconds int) (*ClaimedRunDispatch, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = int(defaultDispatchLeaseDuration / time.Second)
	}
	var result *ClaimedRunDispatch
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim dispatch tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var d RunDispatch
		row := tx.QueryRowContext(ctx, `
			SELECT `+runDispatchColumns+`
			FROM run_dispatches
			WHERE status = ?
			  AND queue_key NOT IN (SELECT queue_key FROM queue_lanes WHERE state = 'running')
			ORDER BY scheduled_at ASC, created_at ASC, id ASC
			LIMIT 1;
		`, DispatchStatusQueued)
		if scanErr := scanRunDispatch(row.Scan, &d); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select next dispatch: %w", scanErr)
		}

		newEpoch := d.ClaimedEpoch + 1
		leaseExpiresAt := time.Now().UTC().Add(time.Duration(leaseSeconds) * time.Second)
		res, err := tx.ExecContext(ctx, `
			UPDATE run_dispatches
			SET status = ?, claimed_by = ?, lease_expires_at = ?, claimed_epoch = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND claimed_epoch = ?;
		`, DispatchStatusRunning, workerID, leaseExpiresAt, newEpoch, d.ID, DispatchStatusQueued, d.ClaimedEpoch)
		if err != nil {
			return fmt.Errorf("claim dispatch update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim dispatch rows affected: %w", err)
		}
		if n == 0 {
			// Someone else won the race. Not an error — caller tries the next tick.
			result = nil
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_lanes
			SET state = 'running', active_dispatch_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE queue_key = ?;
		`, d.ID, d.QueueKey); err != nil {
			return fmt.Errorf("flip lane running: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim dispatch tx: %w", err)
		}

		d.Status = DispatchStatusRunning
		d.ClaimedBy = workerID
		d.LeaseExpiresAt = &leaseExpiresAt
		d.ClaimedEpoch = newEpoch
		result = &ClaimedRunDispatch{RunDispatch: d, ExpectedEpoch: newEpoch}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil && s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: result.ID, OldStatus: string(DispatchStatusQueued), NewStatus: string(DispatchStatusRunning),
		})
	}
	return result, nil
}

// HeartbeatRunDispatch renews the lease for a worker that still holds it.
// Returns false (no error) if the lease was already lost to preemption.
func (s *Store) HeartbeatRunDispatch(ctx context.Context, dispatchID, workerID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = int(defaultDispatchLeaseDuration / time.Second)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_dispatches
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND claimed_by = ? AND status IN (?, ?);
	`, time.Now().UTC().Add(time.Duration(leaseSeconds)*time.Second), dispatchID, workerID,
		DispatchStatusRunning, DispatchStatusPaused)
	if err != nil {
		return false, fmt.Errorf("heartbeat dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat dispatch rows affected: %w", err)
	}
	return n == 1, nil
}

// AttachJobIDToRunDispatch records the agent runner's job id once the run starts.
func (s *Store) AttachJobIDToRunDispatch(ctx context.Context, dispatchID, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_dispatches SET job_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, jobID, dispatchID)
	if err != nil {
		return fmt.Errorf("attach job id: %w", err)
	}
	return nil
}

// FinalizeRunDispatch writes a terminal status only if claimed_epoch still
// matches expectedEpoch. A mismatch or an
// already-terminal row is a silent no-op — the caller was preempted.
func (s *Store) FinalizeRunDispatch(ctx context.Context, dispatchID string, status DispatchStatus, errText string, expectedEpoch int64) (bool, error) {
	if !status.terminal() {
		return false, fmt.Errorf("finalize dispatch: %q is not a terminal status", status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin finalize dispatch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var queueKey string
	var currentStatus DispatchStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT queue_key, status FROM run_dispatches WHERE id = ? AND claimed_epoch = ?;
	`, dispatchID, expectedEpoch).Scan(&queueKey, &currentStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil // epoch mismatch: preempted, silent no-op
		}
		return false, fmt.Errorf("read dispatch for finalize: %w", err)
	}
	if currentStatus.terminal() {
		return false, nil // already finalized, idempotent no-op
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE run_dispatches
		SET status = ?, error_text = ?, claimed_by = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND claimed_epoch = ?;
	`, status, errText, dispatchID, expectedEpoch); err != nil {
		return false, fmt.Errorf("finalize dispatch update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_lanes
		SET state = 'queued', active_dispatch_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE queue_key = ? AND active_dispatch_id = ?;
	`, queueKey, dispatchID); err != nil {
		return false, fmt.Errorf("release lane: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit finalize dispatch tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: dispatchID, NewStatus: string(status),
		})
	}
	return true, nil
}

// SetDispatchControlState records an operator- or steering-originated control
// directive. It does not itself pause the lane; the worker's next
// getRunControlDirective poll observes it.
func (s *Store) SetDispatchControlState(ctx context.Context, dispatchID string, state ControlState, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_dispatches
		SET control_state = ?, control_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?);
	`, state, reason, dispatchID, DispatchStatusRunning, DispatchStatusPaused)
	if err != nil {
		return fmt.Errorf("set dispatch control state: %w", err)
	}
	return nil
}

// GetRunControlDirective reads the dispatch's current control_state for the
// runner's getRunControlDirective poll.
func (s *Store) GetRunControlDirective(ctx context.Context, dispatchID string) (ControlState, string, error) {
	var state ControlState
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT control_state, control_reason FROM run_dispatches WHERE id = ?;
	`, dispatchID).Scan(&state, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ControlStateNormal, "", nil
		}
		return "", "", fmt.Errorf("read control directive: %w", err)
	}
	return state, reason.String, nil
}

// ReapExpiredLeases transitions any running/paused dispatch whose lease has
// expired to abandoned, increments its epoch, and releases its lane
//. Returns the count reaped.
func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reap tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, queue_key, claimed_epoch FROM run_dispatches
		WHERE status IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?;
	`, DispatchStatusRunning, DispatchStatusPaused, now)
	if err != nil {
		return 0, fmt.Errorf("query expired dispatch leases: %w", err)
	}
	type expired struct {
		id       string
		queueKey string
		epoch    int64
	}
	var list []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.queueKey, &e.epoch); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired dispatch: %w", err)
		}
		list = append(list, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired dispatches: %w", err)
	}

	var reaped int
	for _, e := range list {
		res, err := tx.ExecContext(ctx, `
			UPDATE run_dispatches
			SET status = ?, claimed_epoch = claimed_epoch + 1, claimed_by = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND claimed_epoch = ?;
		`, DispatchStatusAbandoned, e.id, e.epoch)
		if err != nil {
			return 0, fmt.Errorf("reap dispatch %s: %w", e.id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reaped++
			if _, err := tx.ExecContext(ctx, `
				UPDATE queue_lanes SET state = 'queued', active_dispatch_id = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE queue_key = ? AND active_dispatch_id = ?;
			`, e.queueKey, e.id); err != nil {
				return 0, fmt.Errorf("release lane for reaped dispatch %s: %w", e.id, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reap tx: %w", err)
	}
	return reaped, nil
}

// CreateWorkItem inserts a new Work Item.
func (s *Store) CreateWorkItem(ctx context.Context, pluginInstance, sessionKey, source, sourceRef, title, payload string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, plugin_instance, session_key, source, source_ref, title, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'NEW', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, nullableString(pluginInstance), sessionKey, source, nullableString(sourceRef), title, payload)
	if err != nil {
		return "", fmt.Errorf("create work item: %w", err)
	}
	return id, nil
}

// SetWorkItemStatus transitions a Work Item toward a terminal state.
func (s *Store) SetWorkItemStatus(ctx context.Context, workItemID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, workItemID)
	if err != nil {
		return fmt.Errorf("set work item status: %w", err)
	}
	return nil
}

// WorkItemSummary is the slice of Work Item columns the Run-Dispatch Worker
// needs to resolve a channel handler and build the actor envelope for the
// final-response effect.
type WorkItemSummary struct {
	ID             string
	PluginInstance string
	SessionKey     string
	Source         string
	Payload        string
}

// GetWorkItem loads the Work Item summary fields.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*WorkItemSummary, error) {
	var w WorkItemSummary
	var pluginInstance sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, plugin_instance, session_key, source, payload FROM work_items WHERE id = ?;
	`, id).Scan(&w.ID, &pluginInstance, &w.SessionKey, &w.Source, &w.Payload)
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	w.PluginInstance = pluginInstance.String
	return &w, nil
}

// CountAssignedAgents reports how many distinct agents have ever been
// dispatched against Work Items in the same session, used to decide
// whether a final response should be prefixed with the agent's display
// label.
func (s *Store) CountAssignedAgents(ctx context.Context, sessionKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT rd.agent_id)
		FROM run_dispatches rd
		JOIN work_items wi ON wi.id = rd.work_item_id
		WHERE wi.session_key = ?;
	`, sessionKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count assigned agents: %w", err)
	}
	return n, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
