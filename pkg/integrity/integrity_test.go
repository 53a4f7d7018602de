package integrity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/taskpersist/pkg/types"
)

func validTask() *types.Task {
	now := time.Now()
	t := &types.Task{
		ID:        "task-1",
		Name:      "do the thing",
		Status:    types.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	sum, _ := Checksum(t)
	t.Checksum = sum
	return t
}

func TestValidate_CleanRecordHasNoFailures(t *testing.T) {
	e := New(nil, true)
	task := validTask()
	failures := e.Validate(task, Context{})
	assert.Empty(t, failures)
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	e := New(nil, true)
	task := validTask()
	task.ID = ""
	task.Name = ""

	failures := e.Validate(task, Context{})
	assert.NotEmpty(t, failures)
	assert.True(t, HasCritical(failures))
}

func TestValidate_UnknownStatus(t *testing.T) {
	e := New(nil, true)
	task := validTask()
	task.Status = types.TaskStatus("bogus")

	failures := e.Validate(task, Context{})
	found := false
	for _, f := range failures {
		if f.Rule == "status_enum" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_DependencyClosure(t *testing.T) {
	e := New(nil, true)
	task := validTask()
	task.Dependencies = []string{"missing-task"}

	ctx := Context{KnownTaskIDs: map[string]bool{"task-1": true}}
	failures := e.Validate(task, ctx)
	assert.Len(t, failures, 1)
	assert.Equal(t, "dependency_closure", failures[0].Rule)
	assert.False(t, HasCritical(failures))
}

func TestValidate_DependencyClosureStrictIsCritical(t *testing.T) {
	e := New(nil, true)
	task := validTask()
	task.Dependencies = []string{"missing-task"}

	ctx := Context{KnownTaskIDs: map[string]bool{"task-1": true}, Strict: true}
	failures := e.Validate(task, ctx)
	assert.Len(t, failures, 1)
	assert.Equal(t, "dependency_closure", failures[0].Rule)
	assert.True(t, HasCritical(failures))
}

func TestValidate_SelfDependencyIsCritical(t *testing.T) {
	e := New(nil, true)
	task := validTask()
	task.Dependencies = []string{"task-1"}

	ctx := Context{KnownTaskIDs: map[string]bool{"task-1": true}}
	failures := e.Validate(task, ctx)
	assert.True(t, HasCritical(failures))
}

func TestDetect_ParseFailure(t *testing.T) {
	e := New(nil, true)
	report, found := e.Detect([]byte("garbage"), nil, errors.New("unexpected end of JSON input"))
	assert.True(t, found)
	assert.Equal(t, "parse_failure", report.Type)
	assert.Equal(t, 1.0, report.Confidence)
}

func TestDetect_ChecksumMismatch(t *testing.T) {
	e := New(nil, true)
	task := validTask()
	task.Checksum = "not-the-real-checksum"

	report, found := e.Detect(nil, task, nil)
	assert.True(t, found)
	assert.Equal(t, "checksum_mismatch", report.Type)
}

func TestDetect_NoCorruption(t *testing.T) {
	e := New(nil, true)
	task := validTask()

	_, found := e.Detect(nil, task, nil)
	assert.False(t, found)
}

func TestRepair_StructuralFixesChecksum(t *testing.T) {
	e := New(nil, true)
	task := validTask()
	task.Checksum = "stale"
	report := DetectionReport{Corrupted: true, Type: "checksum_mismatch", Confidence: 0.95}

	result := e.Repair(nil, task, report, Context{})
	assert.True(t, result.Recovered)
	assert.NotEmpty(t, result.Record.Checksum)
	assert.NotEqual(t, "stale", result.Record.Checksum)
}

func TestRepair_Disabled(t *testing.T) {
	e := New(nil, false)
	task := validTask()
	report := DetectionReport{Corrupted: true, Type: "checksum_mismatch"}

	result := e.Repair(nil, task, report, Context{})
	assert.False(t, result.Recovered)
}

type stubCheckpointSource struct {
	tasks map[string]*types.Task
}

func (s stubCheckpointSource) LatestTaskVersion(id string) (*types.Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

func TestRepair_BackupRestoreBeforePartialRecovery(t *testing.T) {
	good := validTask()
	good.Name = "restored from checkpoint"
	e := New(stubCheckpointSource{tasks: map[string]*types.Task{"task-1": good}}, true)

	corrupted := validTask()
	corrupted.Name = ""
	corrupted.ID = "task-1"
	// Not a checksum_mismatch or history overflow, so structural_repair
	// has nothing it knows how to fix and defers to backup_restore.
	report := DetectionReport{Corrupted: true, Type: "structural_invariant"}

	result := e.Repair(nil, corrupted, report, Context{})
	assert.True(t, result.Recovered)
	assert.Equal(t, "restored from checkpoint", result.Record.Name)
	assert.Equal(t, 0.9, result.Confidence)
}

func TestRepair_PartialRecoveryIsLastResort(t *testing.T) {
	e := New(nil, true) // no checkpoint source, structural repair won't fire on a nil task
	report := DetectionReport{Corrupted: true, Type: "parse_failure"}

	result := e.Repair([]byte("not json"), nil, report, Context{})
	assert.True(t, result.Recovered)
	assert.True(t, result.Record.NeedsReview)
	assert.Equal(t, []byte("not json"), result.Record.Quarantine)
	assert.Less(t, result.Confidence, 0.5)
}

func TestChecksum_Stable(t *testing.T) {
	task := validTask()
	a, err := Checksum(task)
	assert.NoError(t, err)
	b, err := Checksum(task)
	assert.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestChecksum_IgnoresExistingChecksumField(t *testing.T) {
	task := validTask()
	want, err := Checksum(task)
	assert.NoError(t, err)
	task.Checksum = "whatever-was-there-before"
	sum, err := Checksum(task)
	assert.NoError(t, err)
	assert.NotEqual(t, "whatever-was-there-before", sum)
	assert.Equal(t, want, sum)
}
