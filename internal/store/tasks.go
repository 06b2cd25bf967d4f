package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Failure reasons written by the store itself.
const (
	FailureCancelled     = "cancelled"
	FailureServerRestart = "server_restart"
)

// taskRetention is how long terminal tasks stay queryable.
const taskRetention = time.Hour

// TaskRequest captures the run options of a background task.
type TaskRequest struct {
	Prompt           string   `json:"prompt"`
	Model            string   `json:"model,omitempty"`
	AllowedTools     []string `json:"allowed_tools,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
	SessionID        string   `json:"session_id,omitempty"`
	MaxTurns         int      `json:"max_turns,omitempty"`
}

// Task is a persisted background execution.
type Task struct {
	ID                string      `json:"task_id"`
	Status            TaskStatus  `json:"status"`
	OwnerFingerprint  string      `json:"-"`
	Request           TaskRequest `json:"request"`
	Result            string      `json:"result,omitempty"`
	FailureReason     string      `json:"failure_reason,omitempty"`
	UpstreamSessionID string      `json:"-"`
	CreatedAt         time.Time   `json:"created_at"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	DurationMillis    *int64      `json:"duration_ms,omitempty"`
}

// TaskStore persists background tasks and holds their cancel handles. Handles
// live only in process memory; rows that survive a restart are orphans.
type TaskStore struct {
	db *sql.DB

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewTaskStore returns a task store on the shared database.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db.db, cancels: make(map[string]context.CancelFunc)}
}

// Create inserts a running task for the credential and returns it together
// with the context its executor must run under. The context is detached from
// the submitting request; Cancel fires it.
func (t *TaskStore) Create(ctx context.Context, credential string, req TaskRequest) (*Task, context.Context, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:               uuid.NewString(),
		Status:           TaskRunning,
		OwnerFingerprint: Fingerprint(credential),
		Request:          req,
		CreatedAt:        now,
	}

	var tools any
	if len(req.AllowedTools) > 0 {
		encoded, err := json.Marshal(req.AllowedTools)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode allowed tools: %w", err)
		}
		tools = string(encoded)
	}

	stmt := `INSERT INTO tasks (id, status, owner_fingerprint, prompt, model, allowed_tools, working_directory, session_id, max_turns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.db.ExecContext(ctx, stmt,
		task.ID, string(task.Status), task.OwnerFingerprint, req.Prompt,
		nullable(req.Model), tools, nullable(req.WorkingDirectory), nullable(req.SessionID),
		nullableInt(req.MaxTurns), formatTime(now))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert task: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancels[task.ID] = cancel
	t.mu.Unlock()
	return task, runCtx, nil
}

// Get returns the task with the given ID if it belongs to the credential.
func (t *TaskStore) Get(ctx context.Context, id, credential string) (*Task, error) {
	task, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.OwnerFingerprint != Fingerprint(credential) {
		return nil, apierr.TaskNotFound(id)
	}
	return task, nil
}

// MarkStarted stamps the moment a worker picked the task up.
func (t *TaskStore) MarkStarted(ctx context.Context, id string) error {
	stmt := `UPDATE tasks SET started_at = ? WHERE id = ? AND status = 'running'`
	if _, err := t.db.ExecContext(ctx, stmt, formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("failed to mark task started: %w", err)
	}
	return nil
}

// BindSession records the gateway session a task execution ended up using,
// so owners polling the task can pick the conversation up afterwards.
func (t *TaskStore) BindSession(ctx context.Context, id, sessionID string) error {
	stmt := `UPDATE tasks SET session_id = ? WHERE id = ? AND status = 'running'`
	if _, err := t.db.ExecContext(ctx, stmt, sessionID, id); err != nil {
		return fmt.Errorf("failed to bind task session: %w", err)
	}
	return nil
}

// SetCompleted finishes a running task with its result text. Terminal rows
// are never rewritten.
func (t *TaskStore) SetCompleted(ctx context.Context, id, result, upstreamSessionID string) error {
	return t.finish(ctx, id, TaskCompleted, func(stmtArgs *terminalUpdate) {
		stmtArgs.result = nullable(result)
		stmtArgs.upstreamSessionID = nullable(upstreamSessionID)
	})
}

// SetFailed finishes a running task with a failure reason.
func (t *TaskStore) SetFailed(ctx context.Context, id, reason string) error {
	return t.finish(ctx, id, TaskFailed, func(stmtArgs *terminalUpdate) {
		stmtArgs.failureReason = nullable(reason)
	})
}

// Cancel fires the task's cancel handle and marks it failed. It reports false
// when the task is absent, owned by someone else, or already terminal.
func (t *TaskStore) Cancel(ctx context.Context, id, credential string) (bool, error) {
	task, err := t.get(ctx, id)
	if apierr.KindOf(err) == apierr.KindTaskNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if task.OwnerFingerprint != Fingerprint(credential) || task.Status != TaskRunning {
		return false, nil
	}

	t.fireHandle(id)
	if err = t.SetFailed(ctx, id, FailureCancelled); err != nil {
		return false, err
	}
	return true, nil
}

// MarkOrphanedFailed rewrites every running row as failed/server_restart.
// Called once on startup, before any work is admitted.
func (t *TaskStore) MarkOrphanedFailed(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	stmt := `UPDATE tasks SET status = 'failed', failure_reason = ?, completed_at = ? WHERE status = 'running'`
	res, err := t.db.ExecContext(ctx, stmt, FailureServerRestart, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphaned tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read orphan update result: %w", err)
	}
	return int(affected), nil
}

// SweepTerminal deletes terminal tasks completed before cutoff.
func (t *TaskStore) SweepTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	stmt := `DELETE FROM tasks WHERE status != 'running' AND completed_at IS NOT NULL AND completed_at < ?`
	res, err := t.db.ExecContext(ctx, stmt, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep terminal tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read sweep result: %w", err)
	}
	return int(affected), nil
}

// StartSweeper prunes terminal tasks every interval until ctx is done.
func (t *TaskStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := t.SweepTerminal(ctx, time.Now().Add(-taskRetention))
				if err != nil {
					if ctx.Err() == nil {
						log.Errorf("task sweep failed: %v", err)
					}
					continue
				}
				if n > 0 {
					log.Debugf("task sweep removed %d terminal task(s)", n)
				}
			}
		}
	}()
}

type terminalUpdate struct {
	result            any
	failureReason     any
	upstreamSessionID any
}

// finish applies a terminal transition. The status guard makes double
// completion (worker result racing a cancel) a silent no-op.
func (t *TaskStore) finish(ctx context.Context, id string, status TaskStatus, fill func(*terminalUpdate)) error {
	task, err := t.get(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	from := task.CreatedAt
	if task.StartedAt != nil {
		from = *task.StartedAt
	}
	duration := now.Sub(from).Milliseconds()

	var upd terminalUpdate
	fill(&upd)

	stmt := `UPDATE tasks SET status = ?, result = ?, failure_reason = ?, upstream_session_id = ?, completed_at = ?, duration_ms = ? WHERE id = ? AND status = 'running'`
	if _, err = t.db.ExecContext(ctx, stmt, string(status), upd.result, upd.failureReason, upd.upstreamSessionID, formatTime(now), duration, id); err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	t.releaseHandle(id)
	return nil
}

// fireHandle cancels the executor context and drops the handle.
func (t *TaskStore) fireHandle(id string) {
	t.mu.Lock()
	cancel, ok := t.cancels[id]
	delete(t.cancels, id)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// releaseHandle drops the handle once the task is terminal. The deferred
// cancel only releases the context's resources.
func (t *TaskStore) releaseHandle(id string) {
	t.fireHandle(id)
}

func (t *TaskStore) get(ctx context.Context, id string) (*Task, error) {
	stmt := `SELECT id, status, owner_fingerprint, prompt, model, allowed_tools, working_directory, session_id, max_turns,
		result, failure_reason, upstream_session_id, created_at, started_at, completed_at, duration_ms
		FROM tasks WHERE id = ?`
	task, err := scanTask(t.db.QueryRowContext(ctx, stmt, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.TaskNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                             Task
		model, tools, workdir, sessionID sql.NullString
		result, reason, upstream         sql.NullString
		createdAt                        string
		startedAt, completedAt           sql.NullString
		maxTurns, durationMillis         sql.NullInt64
	)
	err := row.Scan(&task.ID, &task.Status, &task.OwnerFingerprint, &task.Request.Prompt,
		&model, &tools, &workdir, &sessionID, &maxTurns,
		&result, &reason, &upstream, &createdAt, &startedAt, &completedAt, &durationMillis)
	if err != nil {
		return nil, err
	}

	task.Request.Model = model.String
	task.Request.WorkingDirectory = workdir.String
	task.Request.SessionID = sessionID.String
	task.Request.MaxTurns = int(maxTurns.Int64)
	if tools.Valid && tools.String != "" {
		if err = json.Unmarshal([]byte(tools.String), &task.Request.AllowedTools); err != nil {
			return nil, fmt.Errorf("invalid allowed_tools %q: %w", tools.String, err)
		}
	}
	task.Result = result.String
	task.FailureReason = reason.String
	task.UpstreamSessionID = upstream.String

	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if task.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("invalid started_at: %w", err)
	}
	if task.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("invalid completed_at: %w", err)
	}
	if durationMillis.Valid {
		task.DurationMillis = &durationMillis.Int64
	}
	return &task, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	parsed, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// nullable maps the zero string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt maps non-positive values to SQL NULL.
func nullableInt(n int) any {
	if n <= 0 {
		return nil
	}
	return int64(n)
}
