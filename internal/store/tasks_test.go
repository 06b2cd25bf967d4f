package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
)

func testTaskRequest() TaskRequest {
	return TaskRequest{
		Prompt:           "summarize the repo",
		Model:            "claude-sonnet-4-20250514",
		AllowedTools:     []string{"Read", "Grep"},
		WorkingDirectory: "/tmp/work",
		SessionID:        "sess-1",
		MaxTurns:         4,
	}
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	store := NewTaskStore(setupDB(t))
	ctx := context.Background()

	task, runCtx, err := store.Create(ctx, "sk-test", testTaskRequest())
	require.NoError(t, err, "Create should succeed")
	require.NotEmpty(t, task.ID, "Task should have an ID assigned")
	require.Equal(t, TaskRunning, task.Status)
	require.NoError(t, runCtx.Err(), "Executor context should start live")

	found, err := store.Get(ctx, task.ID, "sk-test")
	require.NoError(t, err, "Get should succeed for the owner")
	require.Equal(t, testTaskRequest(), found.Request, "Captured request should round-trip")
	require.Equal(t, TaskRunning, found.Status)
	require.Nil(t, found.StartedAt, "StartedAt should be unset until a worker picks it up")
	require.Nil(t, found.CompletedAt)
	require.Nil(t, found.DurationMillis)
}

func TestTaskStore_Get_OwnerScoped(t *testing.T) {
	store := NewTaskStore(setupDB(t))
	ctx := context.Background()

	task, _, err := store.Create(ctx, "sk-owner", testTaskRequest())
	require.NoError(t, err)

	_, err = store.Get(ctx, task.ID, "sk-intruder")
	require.Error(t, err, "Get should not find a task owned by another credential")
	require.Equal(t, apierr.KindTaskNotFound, apierr.KindOf(err))

	_, err = store.Get(ctx, "nonexistent-id", "sk-owner")
	require.Equal(t, apierr.KindTaskNotFound, apierr.KindOf(err))
}

func TestTaskStore_CompleteLifecycle(t *testing.T) {
	store := NewTaskStore(setupDB(t))
	ctx := context.Background()

	task, _, err := store.Create(ctx, "sk-test", testTaskRequest())
	require.NoError(t, err)

	require.NoError(t, store.MarkStarted(ctx, task.ID))
	require.NoError(t, store.SetCompleted(ctx, task.ID, "the answer", "upstream-xyz"))

	found, err := store.Get(ctx, task.ID, "sk-test")
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, found.Status)
	require.Equal(t, "the answer", found.Result)
	require.Equal(t, "upstream-xyz", found.UpstreamSessionID)
	require.NotNil(t, found.StartedAt, "StartedAt should be recorded")
	require.NotNil(t, found.CompletedAt, "CompletedAt should be recorded")
	require.NotNil(t, found.DurationMillis, "Duration should be computed")
	require.GreaterOrEqual(t, *found.DurationMillis, int64(0))

	// Terminal rows are never rewritten.
	require.NoError(t, store.SetFailed(ctx, task.ID, "too late"))
	found, err = store.Get(ctx, task.ID, "sk-test")
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, found.Status, "Terminal transition should not be overwritten")
	require.Equal(t, "the answer", found.Result)
}

func TestTaskStore_Cancel(t *testing.T) {
	store := NewTaskStore(setupDB(t))
	ctx := context.Background()

	task, runCtx, err := store.Create(ctx, "sk-test", testTaskRequest())
	require.NoError(t, err)

	cancelled, err := store.Cancel(ctx, task.ID, "sk-intruder")
	require.NoError(t, err)
	require.False(t, cancelled, "Cancel should refuse a non-owner")
	require.NoError(t, runCtx.Err(), "A refused cancel should not fire the handle")

	cancelled, err = store.Cancel(ctx, task.ID, "sk-test")
	require.NoError(t, err, "Cancel should succeed for the owner")
	require.True(t, cancelled)
	require.ErrorIs(t, runCtx.Err(), context.Canceled, "Cancel should fire the executor context")

	found, err := store.Get(ctx, task.ID, "sk-test")
	require.NoError(t, err)
	require.Equal(t, TaskFailed, found.Status)
	require.Equal(t, FailureCancelled, found.FailureReason)
	require.NotNil(t, found.CompletedAt)

	cancelled, err = store.Cancel(ctx, task.ID, "sk-test")
	require.NoError(t, err)
	require.False(t, cancelled, "Cancelling a terminal task should report false")

	cancelled, err = store.Cancel(ctx, "nonexistent-id", "sk-test")
	require.NoError(t, err)
	require.False(t, cancelled, "Cancelling an unknown task should report false")
}

func TestTaskStore_MarkOrphanedFailed(t *testing.T) {
	store := NewTaskStore(setupDB(t))
	ctx := context.Background()

	orphan1, _, err := store.Create(ctx, "sk-test", testTaskRequest())
	require.NoError(t, err)
	orphan2, _, err := store.Create(ctx, "sk-test", testTaskRequest())
	require.NoError(t, err)
	done, _, err := store.Create(ctx, "sk-test", testTaskRequest())
	require.NoError(t, err)
	require.NoError(t, store.SetCompleted(ctx, done.ID, "finished", ""))

	n, err := store.MarkOrphanedFailed(ctx)
	require.NoError(t, err, "MarkOrphanedFailed should succeed")
	require.Equal(t, 2, n, "Only running rows should be rewritten")

	for _, id := range []string{orphan1.ID, orphan2.ID} {
		found, err := store.Get(ctx, id, "sk-test")
		require.NoError(t, err)
		require.Equal(t, TaskFailed, found.Status)
		require.Equal(t, FailureServerRestart, found.FailureReason)
		require.NotNil(t, found.CompletedAt)
	}

	found, err := store.Get(ctx, done.ID, "sk-test")
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, found.Status, "Completed tasks should be untouched")
}

func TestTaskStore_SweepTerminal(t *testing.T) {
	db := setupDB(t)
	store := NewTaskStore(db)
	ctx := context.Background()

	old, _, err := store.Create(ctx, "sk-test", testTaskRequest())
	require.NoError(t, err)
	require.NoError(t, store.SetCompleted(ctx, old.ID, "done", ""))
	recent, _, err := store.Create(ctx, "sk-test", testTaskRequest())
	require.NoError(t, err)
	require.NoError(t, store.SetCompleted(ctx, recent.ID, "done", ""))
	running, _, err := store.Create(ctx, "sk-test", testTaskRequest())
	require.NoError(t, err)

	_, err = db.db.Exec(`UPDATE tasks SET completed_at = ? WHERE id = ?`,
		formatTime(time.Now().Add(-2*time.Hour)), old.ID)
	require.NoError(t, err, "Failed to backdate task")

	n, err := store.SweepTerminal(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err, "SweepTerminal should succeed")
	require.Equal(t, 1, n, "Only the old terminal task should be swept")

	_, err = store.Get(ctx, old.ID, "sk-test")
	require.Equal(t, apierr.KindTaskNotFound, apierr.KindOf(err), "Swept task should be gone")
	_, err = store.Get(ctx, recent.ID, "sk-test")
	require.NoError(t, err, "Recent terminal task should survive")
	_, err = store.Get(ctx, running.ID, "sk-test")
	require.NoError(t, err, "Running task should never be swept")
}
