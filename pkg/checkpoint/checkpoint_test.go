package checkpoint

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskpersist/pkg/atomicstore"
	"github.com/cuemby/taskpersist/pkg/types"
)

type fakeProvider struct {
	sessionID string
	tasks     map[string]*types.Task
}

func (p *fakeProvider) SessionID() string { return p.sessionID }

func (p *fakeProvider) Snapshot() map[string]*types.Task {
	out := make(map[string]*types.Task, len(p.tasks))
	for k, v := range p.tasks {
		out[k] = v.Clone()
	}
	return out
}

func (p *fakeProvider) ApplyCheckpointSnapshot(tasks map[string]*types.Task) {
	p.tasks = tasks
}

type fakeCache struct{ cleared bool }

func (c *fakeCache) Clear() { c.cleared = true }

func newManager(t *testing.T, provider *fakeProvider, cache CacheClearer, maxCheckpoints int) *Manager {
	t.Helper()
	dir := t.TempDir()
	store := atomicstore.New(atomicstore.DefaultOptions())
	return New(dir, store, provider, cache, nil, maxCheckpoints, 0, 0)
}

func TestCreateAndRestore(t *testing.T) {
	provider := &fakeProvider{sessionID: "session-1", tasks: map[string]*types.Task{
		"t1": {ID: "t1", Name: "a", Version: 1},
	}}
	cache := &fakeCache{}
	m := newManager(t, provider, cache, 10)

	id, err := m.Create(types.CheckpointManual)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	provider.tasks = map[string]*types.Task{} // simulate mutation after checkpoint
	require.NoError(t, m.Restore(id))

	assert.Len(t, provider.tasks, 1)
	assert.Equal(t, "a", provider.tasks["t1"].Name)
	assert.True(t, cache.cleared)
}

func TestRestore_DetectsTamperedHash(t *testing.T) {
	provider := &fakeProvider{sessionID: "session-1", tasks: map[string]*types.Task{
		"t1": {ID: "t1", Name: "a", Version: 1},
	}}
	m := newManager(t, provider, nil, 10)

	id, err := m.Create(types.CheckpointManual)
	require.NoError(t, err)

	path := m.pathFor(id)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cp types.Checkpoint
	require.NoError(t, json.Unmarshal(data, &cp))
	cp.IntegrityHash = "tampered"
	tampered, err := json.Marshal(&cp)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	err = m.Restore(id)
	assert.Error(t, err)
}

func TestPrune_KeepsOnlyMostRecent(t *testing.T) {
	provider := &fakeProvider{sessionID: "session-1", tasks: map[string]*types.Task{}}
	m := newManager(t, provider, nil, 2)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.Create(types.CheckpointManual)
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, m.Prune())
	descriptors, err := m.List()
	require.NoError(t, err)
	assert.Len(t, descriptors, 2)
	assert.Equal(t, ids[3], descriptors[0].ID)
	assert.Equal(t, ids[2], descriptors[1].ID)
}

func TestList_OrderedNewestFirst(t *testing.T) {
	provider := &fakeProvider{sessionID: "session-1", tasks: map[string]*types.Task{}}
	m := newManager(t, provider, nil, 10)

	_, err := m.Create(types.CheckpointManual)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	last, err := m.Create(types.CheckpointManual)
	require.NoError(t, err)

	descriptors, err := m.List()
	require.NoError(t, err)
	require.Len(t, descriptors, 2)
	assert.Equal(t, last, descriptors[0].ID)
}

func TestRecordOperation_TriggersAtThreshold(t *testing.T) {
	provider := &fakeProvider{sessionID: "session-1", tasks: map[string]*types.Task{}}
	dir := t.TempDir()
	store := atomicstore.New(atomicstore.DefaultOptions())
	m := New(dir, store, provider, nil, nil, 10, 0, 3)

	m.RecordOperation()
	m.RecordOperation()
	descriptors, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, descriptors)

	m.RecordOperation()
	descriptors, err = m.List()
	require.NoError(t, err)
	assert.Len(t, descriptors, 1)
}

func TestLatestTaskVersion(t *testing.T) {
	provider := &fakeProvider{sessionID: "session-1", tasks: map[string]*types.Task{
		"t1": {ID: "t1", Name: "first", Version: 1},
	}}
	m := newManager(t, provider, nil, 10)
	_, err := m.Create(types.CheckpointManual)
	require.NoError(t, err)

	task, ok := m.LatestTaskVersion("t1")
	require.True(t, ok)
	assert.Equal(t, "first", task.Name)

	_, ok = m.LatestTaskVersion("missing")
	assert.False(t, ok)
}
