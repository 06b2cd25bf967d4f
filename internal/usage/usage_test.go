package usage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usage.bolt")
	store, err := Open(path)
	require.NoError(t, err, "Failed to open usage store")
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestStore_RecordAndSnapshot(t *testing.T) {
	store, _ := setupStore(t)

	require.NoError(t, store.Record("openai", "claude-sonnet-4-20250514", OutcomeSuccess))
	require.NoError(t, store.Record("openai", "claude-sonnet-4-20250514", OutcomeSuccess))
	require.NoError(t, store.Record("direct", "", OutcomeError))

	snapshot, err := store.Snapshot()
	require.NoError(t, err, "Snapshot should succeed")

	day := time.Now().UTC().Format(dayLayout)
	require.Contains(t, snapshot, day, "Snapshot should contain today's bucket")
	require.Contains(t, snapshot, totalsBucket)

	key := Key("openai", "claude-sonnet-4-20250514", OutcomeSuccess)
	require.Equal(t, uint64(2), snapshot[day][key])
	require.Equal(t, uint64(2), snapshot[totalsBucket][key], "Totals should mirror the day bucket")

	// Empty model falls back to the default label.
	require.Equal(t, uint64(1), snapshot[totalsBucket]["direct|default|error"])
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.bolt")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Record("claude", "claude-3-5-haiku-20241022", OutcomeSuccess))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err, "Reopen should succeed")
	defer func() { _ = reopened.Close() }()

	snapshot, err := reopened.Snapshot()
	require.NoError(t, err)
	key := Key("claude", "claude-3-5-haiku-20241022", OutcomeSuccess)
	require.Equal(t, uint64(1), snapshot[totalsBucket][key], "Counters should survive reopen")
}
