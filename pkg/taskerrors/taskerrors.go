// Package taskerrors defines the error taxonomy for the persistence core
// (spec.md §7): one concrete type per kind, each carrying enough context
// (operation, task id, file path) for a caller to act.
package taskerrors

import "fmt"

// ValidationError reports that a record violates a critical validation rule.
// Rejected at the boundary; the op has no on-disk effect.
type ValidationError struct {
	Op      string
	TaskID  string
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: op=%s task=%s rule=%s: %s", e.Op, e.TaskID, e.Rule, e.Message)
}

// IntegrityError reports a checksum or hash-chain mismatch.
type IntegrityError struct {
	Op      string
	Path    string
	Message string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error: op=%s path=%s: %s", e.Op, e.Path, e.Message)
}

// NotFound reports that a referenced id is absent.
type NotFound struct {
	Op     string
	Kind   string
	ID     string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: op=%s id=%s", e.Kind, e.Op, e.ID)
}

// VersionConflict reports that an update's baseline version is stale.
type VersionConflict struct {
	Op             string
	TaskID         string
	ExpectedVersion int
	ActualVersion   int
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict: op=%s task=%s expected=%d actual=%d",
		e.Op, e.TaskID, e.ExpectedVersion, e.ActualVersion)
}

// LockTimeout reports that an exclusive lock could not be acquired within budget.
type LockTimeout struct {
	Op   string
	Path string
}

func (e *LockTimeout) Error() string {
	return fmt.Sprintf("lock timeout: op=%s path=%s", e.Op, e.Path)
}

// PersistError reports an underlying I/O failure. The operation is rolled back.
type PersistError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist error: op=%s path=%s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// RollbackFailed is fatal: a rollback could not restore the original file
// after a failed write. The process should refuse further writes and attempt
// an emergency checkpoint.
type RollbackFailed struct {
	Op   string
	Path string
	Err  error
}

func (e *RollbackFailed) Error() string {
	return fmt.Sprintf("rollback failed (fatal): op=%s path=%s: %v", e.Op, e.Path, e.Err)
}

func (e *RollbackFailed) Unwrap() error { return e.Err }

// CorruptionDetected reports corruption found during a read. If auto_repair
// is enabled a repair was attempted; Repaired and RepairConfidence reflect
// the outcome.
type CorruptionDetected struct {
	Op               string
	Path             string
	DetectorType     string
	Confidence       float64
	Repaired         bool
	RepairConfidence float64
}

func (e *CorruptionDetected) Error() string {
	if e.Repaired {
		return fmt.Sprintf("corruption detected and repaired: op=%s path=%s detector=%s confidence=%.2f repair_confidence=%.2f",
			e.Op, e.Path, e.DetectorType, e.Confidence, e.RepairConfidence)
	}
	return fmt.Sprintf("corruption detected: op=%s path=%s detector=%s confidence=%.2f",
		e.Op, e.Path, e.DetectorType, e.Confidence)
}
