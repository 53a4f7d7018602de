package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskpersist/pkg/audit"
	"github.com/cuemby/taskpersist/pkg/config"
	"github.com/cuemby/taskpersist/pkg/taskerrors"
	"github.com/cuemby/taskpersist/pkg/types"
)

func newTestStore(t *testing.T) *TaskStore {
	t.Helper()
	cfg := config.Default()
	cfg.PersistenceDirectory = t.TempDir()
	cfg.HeartbeatIntervalMS = 0
	cfg.CheckpointIntervalMS = 0
	cfg.CheckpointOperationThreshold = 0
	cfg.SessionTimeoutMS = int64((60 * 1000))
	ts, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Shutdown(false) })
	return ts
}

func TestCreate_AssignsIDAndVersion(t *testing.T) {
	ts := newTestStore(t)
	task, err := ts.Create(types.TaskDraft{Name: "first task"})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, 1, task.Version)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.NotEmpty(t, task.Checksum)
}

func TestCreate_RejectsMissingName(t *testing.T) {
	ts := newTestStore(t)
	_, err := ts.Create(types.TaskDraft{})
	assert.Error(t, err)
}

func TestUpdate_RejectsSelfDependency(t *testing.T) {
	ts := newTestStore(t)
	created, err := ts.Create(types.TaskDraft{Name: "a"})
	require.NoError(t, err)

	status := types.TaskStatusRunning
	_, err = ts.Update(created.ID, types.TaskPatch{Status: &status, Dependencies: []string{created.ID}})
	assert.Error(t, err)
}

func TestGet_ReturnsCreatedTask(t *testing.T) {
	ts := newTestStore(t)
	created, err := ts.Create(types.TaskDraft{Name: "gettable"})
	require.NoError(t, err)

	got, err := ts.Get(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "gettable", got.Name)
}

func TestGet_MissingReturnsNil(t *testing.T) {
	ts := newTestStore(t)
	got, err := ts.Get("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdate_BumpsVersionAndHistory(t *testing.T) {
	ts := newTestStore(t)
	created, err := ts.Create(types.TaskDraft{Name: "original"})
	require.NoError(t, err)

	newName := "renamed"
	updated, err := ts.Update(created.ID, types.TaskPatch{Name: &newName})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 2, updated.Version)
	require.Len(t, updated.HistoryTail, 1)
	assert.Contains(t, updated.HistoryTail[0].ChangedFields, "name")
}

func TestUpdate_MissingTaskIsNotFound(t *testing.T) {
	ts := newTestStore(t)
	newName := "x"
	_, err := ts.Update("missing-id", types.TaskPatch{Name: &newName})
	assert.Error(t, err)
}

func TestUpdate_VersionConflict(t *testing.T) {
	ts := newTestStore(t)
	created, err := ts.Create(types.TaskDraft{Name: "a"})
	require.NoError(t, err)

	stale := 99
	newName := "b"
	_, err = ts.Update(created.ID, types.TaskPatch{Name: &newName, ExpectedVersion: &stale})
	assert.Error(t, err)
}

func TestDelete_IsLogicalTombstone(t *testing.T) {
	ts := newTestStore(t)
	created, err := ts.Create(types.TaskDraft{Name: "to delete"})
	require.NoError(t, err)

	require.NoError(t, ts.Delete(created.ID))

	ts.mu.Lock()
	stored, ok := ts.tasks[created.ID]
	ts.mu.Unlock()
	require.True(t, ok)
	assert.True(t, stored.Deleted)
}

func TestDelete_ExcludedFromList(t *testing.T) {
	ts := newTestStore(t)
	created, err := ts.Create(types.TaskDraft{Name: "listed then deleted"})
	require.NoError(t, err)
	require.NoError(t, ts.Delete(created.ID))

	result, err := ts.List(types.Filter{}, types.Sort{}, types.Page{Page: 1, Limit: 10})
	require.NoError(t, err)
	for _, item := range result.Items {
		assert.NotEqual(t, created.ID, item.ID)
	}
}

func TestList_FiltersByStatus(t *testing.T) {
	ts := newTestStore(t)
	_, err := ts.Create(types.TaskDraft{Name: "pending one"})
	require.NoError(t, err)
	running := types.TaskStatusRunning
	_, err = ts.Create(types.TaskDraft{Name: "running one", Status: running})
	require.NoError(t, err)

	result, err := ts.List(types.Filter{Status: []types.TaskStatus{types.TaskStatusRunning}}, types.Sort{}, types.Page{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "running one", result.Items[0].Name)
}

func TestList_Paginates(t *testing.T) {
	ts := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := ts.Create(types.TaskDraft{Name: "task"})
		require.NoError(t, err)
	}

	result, err := ts.List(types.Filter{}, types.Sort{Field: "created_at"}, types.Page{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, result.Items, 2)
	assert.Equal(t, 5, result.Filtered)
	assert.Equal(t, 3, result.PageCount)
}

func TestBackupAndRestore_RoundTrips(t *testing.T) {
	ts := newTestStore(t)
	created, err := ts.Create(types.TaskDraft{Name: "backed up"})
	require.NoError(t, err)

	manifest, err := ts.Backup("snapshot")
	require.NoError(t, err)
	assert.NotEmpty(t, manifest.Files)

	newName := "mutated after backup"
	_, err = ts.Update(created.ID, types.TaskPatch{Name: &newName})
	require.NoError(t, err)

	report, err := ts.Restore(manifest.ID)
	require.NoError(t, err)
	assert.Equal(t, manifest.ID, report.BackupID)
	assert.NotEmpty(t, report.PreRestoreID)

	restored, err := ts.Get(created.ID)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, "backed up", restored.Name)
}

func TestRestore_UnknownBackupIsNotFound(t *testing.T) {
	ts := newTestStore(t)
	_, err := ts.Restore("does-not-exist")
	assert.Error(t, err)
}

func TestStats_ReportsCounts(t *testing.T) {
	ts := newTestStore(t)
	_, err := ts.Create(types.TaskDraft{Name: "counted"})
	require.NoError(t, err)

	stats, err := ts.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TasksByStatus[string(types.TaskStatusPending)])
	assert.NotEmpty(t, stats.CurrentSessionID)
	assert.GreaterOrEqual(t, stats.Integrity.RecordsValidated, int64(1))
}

func TestPerTaskLayout_CreateAndList(t *testing.T) {
	cfg := config.Default()
	cfg.PersistenceDirectory = t.TempDir()
	cfg.TaskFileMode = config.TaskFileModePerTask
	cfg.HeartbeatIntervalMS = 0
	cfg.CheckpointIntervalMS = 0
	cfg.CheckpointOperationThreshold = 0
	ts, err := New(cfg, nil)
	require.NoError(t, err)
	defer ts.Shutdown(false)

	_, err = ts.Create(types.TaskDraft{Name: "per task stored"})
	require.NoError(t, err)

	result, err := ts.List(types.Filter{}, types.Sort{}, types.Page{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "per task stored", result.Items[0].Name)
}

func TestCreate_StrictValidationRejectsDanglingDependency(t *testing.T) {
	cfg := config.Default()
	cfg.PersistenceDirectory = t.TempDir()
	cfg.HeartbeatIntervalMS = 0
	cfg.CheckpointIntervalMS = 0
	cfg.CheckpointOperationThreshold = 0
	cfg.ValidationLevel = config.ValidationStrict
	ts, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Shutdown(false) })

	_, err = ts.Create(types.TaskDraft{Name: "dangling dep", Dependencies: []string{"does-not-exist"}})
	require.Error(t, err)
	var verr *taskerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestGet_UnrepairedCorruptionIsSurfaced(t *testing.T) {
	cfg := config.Default()
	cfg.PersistenceDirectory = t.TempDir()
	cfg.HeartbeatIntervalMS = 0
	cfg.CheckpointIntervalMS = 0
	cfg.CheckpointOperationThreshold = 0
	cfg.AutoRepair = false
	ts, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Shutdown(false) })

	created, err := ts.Create(types.TaskDraft{Name: "will be corrupted"})
	require.NoError(t, err)
	ts.cacheLayer.Invalidate(created.ID)

	ts.mu.Lock()
	ts.tasks[created.ID].Checksum = "not-the-real-checksum"
	ts.mu.Unlock()

	_, err = ts.Get(created.ID)
	require.Error(t, err)
	var corrupt *taskerrors.CorruptionDetected
	require.ErrorAs(t, err, &corrupt)
	assert.False(t, corrupt.Repaired)

	entries, qerr := ts.auditLog.Query(audit.Filter{TaskID: created.ID, EventTypes: map[string]bool{"integrity_violation": true}})
	require.NoError(t, qerr)
	assert.Len(t, entries, 1)
}

func TestGet_RepairedCorruptionAuditsAndReturnsCleanRecord(t *testing.T) {
	ts := newTestStore(t)

	created, err := ts.Create(types.TaskDraft{Name: "will be repaired"})
	require.NoError(t, err)
	ts.cacheLayer.Invalidate(created.ID)

	ts.mu.Lock()
	ts.tasks[created.ID].Checksum = "stale-checksum"
	ts.mu.Unlock()

	repaired, err := ts.Get(created.ID)
	require.NoError(t, err)
	require.NotNil(t, repaired)
	assert.NotEqual(t, "stale-checksum", repaired.Checksum)

	entries, qerr := ts.auditLog.Query(audit.Filter{TaskID: created.ID, EventTypes: map[string]bool{
		"integrity_violation": true, "repair_applied": true,
	}})
	require.NoError(t, qerr)
	require.Len(t, entries, 2)
}

func TestCrashRecovery_RestoresLatestCheckpointAndAudits(t *testing.T) {
	dir := t.TempDir()

	cfgA := config.Default()
	cfgA.PersistenceDirectory = dir
	cfgA.HeartbeatIntervalMS = 0
	cfgA.CheckpointIntervalMS = 0
	cfgA.CheckpointOperationThreshold = 0
	cfgA.SessionTimeoutMS = 0
	tsA, err := New(cfgA, nil)
	require.NoError(t, err)

	created, err := tsA.Create(types.TaskDraft{Name: "before crash"})
	require.NoError(t, err)

	checkpointID, err := tsA.checkpoints.Create(types.CheckpointManual)
	require.NoError(t, err)

	sessionAID := tsA.SessionID()
	require.NoError(t, tsA.auditIndex.Close())

	// Simulate a crash: rewrite session A's record with an unreachable PID,
	// without a graceful Shutdown (which would mark it terminated instead).
	sessionPath := filepath.Join(dir, "sessions", fmt.Sprintf("session-%s.json", sessionAID))
	data, err := os.ReadFile(sessionPath)
	require.NoError(t, err)
	var sess types.Session
	require.NoError(t, json.Unmarshal(data, &sess))
	sess.ProcessInfo.PID = 999999999
	data, err = json.Marshal(&sess)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sessionPath, data, 0o644))

	cfgB := config.Default()
	cfgB.PersistenceDirectory = dir
	cfgB.HeartbeatIntervalMS = 0
	cfgB.CheckpointIntervalMS = 0
	cfgB.CheckpointOperationThreshold = 0
	cfgB.SessionTimeoutMS = 0
	cfgB.CrashRecoveryEnabled = true
	tsB, err := New(cfgB, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tsB.Shutdown(false) })

	tsB.mu.Lock()
	_, ok := tsB.tasks[created.ID]
	tsB.mu.Unlock()
	assert.True(t, ok)

	entries, qerr := tsB.auditLog.Query(audit.Filter{EventTypes: map[string]bool{"crash-recovery-completed": true}})
	require.NoError(t, qerr)
	require.Len(t, entries, 1)
	assert.Equal(t, checkpointID, entries[0].Payload["checkpoint_id"])
}

func TestEmergencyCheckpoint_CreatesCheckpointAndAuditEntry(t *testing.T) {
	ts := newTestStore(t)
	_, err := ts.Create(types.TaskDraft{Name: "before emergency checkpoint"})
	require.NoError(t, err)

	before := ts.CheckpointCount()
	ts.EmergencyCheckpoint()
	assert.Equal(t, before+1, ts.CheckpointCount())

	entries, qerr := ts.auditLog.Query(audit.Filter{EventTypes: map[string]bool{"emergency-checkpoint": true}})
	require.NoError(t, qerr)
	assert.Len(t, entries, 1)
}
