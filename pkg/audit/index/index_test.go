package index

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskpersist/pkg/types"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func entry(id, taskID string, ts time.Time) *types.AuditEntry {
	return &types.AuditEntry{ID: id, TaskID: taskID, EventType: "task_updated", Timestamp: ts}
}

func TestRecordAndEntriesForTask(t *testing.T) {
	idx := newTestIndex(t)
	base := time.Now()

	require.NoError(t, idx.Record(entry("e1", "task-1", base)))
	require.NoError(t, idx.Record(entry("e2", "task-2", base.Add(time.Millisecond))))
	require.NoError(t, idx.Record(entry("e3", "task-1", base.Add(2*time.Millisecond))))

	results, err := idx.EntriesForTask("task-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "e1", results[0].ID)
	assert.Equal(t, "e3", results[1].ID)
}

func TestRecent(t *testing.T) {
	idx := newTestIndex(t)
	base := time.Now()
	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, idx.Record(entry(id, "task-1", base.Add(time.Duration(i)*time.Millisecond))))
	}

	recent, err := idx.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "e3", recent[0].ID)
	assert.Equal(t, "e2", recent[1].ID)
}

func TestReset(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Record(entry("e1", "task-1", time.Now())))

	require.NoError(t, idx.Reset())

	results, err := idx.EntriesForTask("task-1")
	require.NoError(t, err)
	assert.Empty(t, results)
}
