// Package types defines the data model shared by every layer of the
// persistence core: tasks, sessions, checkpoints, and audit entries.
package types

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status a task cannot leave.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ExecutionMetadata records the run-time outcome of a task. ResultBlob is
// opaque to the core; ContentType lets validation rules and callers
// interpret it without the core needing a dynamically-typed payload.
type ExecutionMetadata struct {
	StartTime    time.Time `json:"start_time,omitempty"`
	EndTime      time.Time `json:"end_time,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	ResultBlob   []byte    `json:"result_blob,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// HistoryEntry is one bounded entry in a Task's history_tail.
type HistoryEntry struct {
	Version       int       `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	ChangedFields []string  `json:"changed_fields"`
	SessionID     string    `json:"session_id"`
}

// MaxHistoryTail is the bound on Task.HistoryTail per spec.md §3.
const MaxHistoryTail = 20

// Task is a unit of work tracked by the store.
type Task struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description"`
	Type              string             `json:"type"`
	Priority          int                `json:"priority"`
	Status            TaskStatus         `json:"status"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	Tags              []string           `json:"tags"`
	Dependencies      []string           `json:"dependencies"`
	ExecutionMetadata *ExecutionMetadata `json:"execution_metadata,omitempty"`
	Version           int                `json:"version"`
	Checksum          string             `json:"checksum"`
	SessionID         string             `json:"session_id"`
	HistoryTail       []HistoryEntry     `json:"history_tail"`

	// Quarantine preserves a corrupted record verbatim when IntegrityEngine's
	// partial_recovery strategy synthesizes a minimum-viable replacement.
	Quarantine  []byte `json:"quarantine,omitempty"`
	NeedsReview bool   `json:"needs_review,omitempty"`

	// Deleted marks a logical tombstone. Deleted tasks are always excluded
	// from List results; dependency checks still count their ids as known.
	Deleted bool `json:"deleted,omitempty"`
}

// Clone returns a deep copy of t so callers (cache, checkpoints) never
// observe mutation through a shared pointer.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.HistoryTail = append([]HistoryEntry(nil), t.HistoryTail...)
	if t.ExecutionMetadata != nil {
		em := *t.ExecutionMetadata
		em.ResultBlob = append([]byte(nil), t.ExecutionMetadata.ResultBlob...)
		c.ExecutionMetadata = &em
	}
	c.Quarantine = append([]byte(nil), t.Quarantine...)
	return &c
}

// AppendHistory pushes a new entry onto HistoryTail, trimming to MaxHistoryTail.
func (t *Task) AppendHistory(entry HistoryEntry) {
	t.HistoryTail = append(t.HistoryTail, entry)
	if len(t.HistoryTail) > MaxHistoryTail {
		t.HistoryTail = t.HistoryTail[len(t.HistoryTail)-MaxHistoryTail:]
	}
}

// TaskDraft is the input to TaskStore.Create: a Task without an assigned
// identity or version.
type TaskDraft struct {
	Name         string
	Description  string
	Type         string
	Priority     int
	Status       TaskStatus
	Tags         []string
	Dependencies []string
}

// TaskPatch is a partial update applied by TaskStore.Update. Nil fields are
// left unchanged.
type TaskPatch struct {
	Name              *string
	Description       *string
	Type              *string
	Priority          *int
	Status            *TaskStatus
	Tags              []string
	Dependencies      []string
	ExecutionMetadata *ExecutionMetadata

	// ExpectedVersion, if set, must match the stored task's Version or the
	// update is rejected with VersionConflict (optimistic concurrency).
	ExpectedVersion *int
}

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionInactive   SessionState = "inactive"
	SessionCrashed    SessionState = "crashed"
	SessionTerminated SessionState = "terminated"
)

// ProcessInfo identifies the OS process backing a Session.
type ProcessInfo struct {
	PID              int    `json:"pid"`
	Platform         string `json:"platform"`
	WorkingDirectory string `json:"working_directory"`
}

// SessionStatistics accumulates counters over a Session's lifetime.
type SessionStatistics struct {
	TasksProcessed      int64   `json:"tasks_processed"`
	OperationsExecuted  int64   `json:"operations_executed"`
	Errors              int64   `json:"errors"`
	AverageOpDurationMS float64 `json:"average_op_duration_ms"`

	totalOpDurationMS int64
}

// RecordOperation folds one operation's duration into the running average.
func (s *SessionStatistics) RecordOperation(d time.Duration, err error) {
	s.OperationsExecuted++
	s.totalOpDurationMS += d.Milliseconds()
	if s.OperationsExecuted > 0 {
		s.AverageOpDurationMS = float64(s.totalOpDurationMS) / float64(s.OperationsExecuted)
	}
	if err != nil {
		s.Errors++
	}
}

// Session is a single process-run instance of the store.
type Session struct {
	SessionID     string            `json:"session_id"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	State         SessionState      `json:"state"`
	ProcessInfo   ProcessInfo       `json:"process_info"`
	Statistics    SessionStatistics `json:"statistics"`
}

// CheckpointType distinguishes why a Checkpoint was created.
type CheckpointType string

const (
	CheckpointAutomatic    CheckpointType = "automatic"
	CheckpointManual       CheckpointType = "manual"
	CheckpointCrashRecover CheckpointType = "crash_recovery"
)

// Checkpoint is a consistent point-in-time snapshot of the full task map.
type Checkpoint struct {
	ID            string           `json:"id"`
	Timestamp     time.Time        `json:"timestamp"`
	SessionID     string           `json:"session_id"`
	TaskSnapshot  map[string]*Task `json:"task_states"`
	IntegrityHash string           `json:"integrity_hash"`
	SizeBytes     int64            `json:"size_bytes"`
	Type          CheckpointType   `json:"type"`
}

// AuditEntry is one hash-chained event in the append-only audit log.
type AuditEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    string         `json:"event_type"`
	TaskID       string         `json:"task_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	ThisHash     string         `json:"this_hash"`
}

// Filter selects tasks for TaskStore.List.
type Filter struct {
	Status        []TaskStatus
	Tag           string
	IDSubstring   string
	SessionID     string
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
}

// SortOrder is the direction requested for List.
type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// Sort describes the requested ordering for TaskStore.List.
type Sort struct {
	Field string
	Order SortOrder
}

// Page requests one page of results; Page is 1-indexed.
type Page struct {
	Page  int
	Limit int
}

// Offset computes the zero-based record offset for p.
func (p Page) Offset() int {
	page := p.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * p.Limit
}

// ListResult is the return value of TaskStore.List.
type ListResult struct {
	Items     []*Task
	Total     int
	Filtered  int
	PageCount int
}
