// Package integrity implements the validation, corruption-detection, and
// repair registries used by the task store (spec.md §4.2). Each capability
// is a flat registry of named, independently pluggable procedures rather
// than a class hierarchy — new rules, detectors, or repair strategies are
// added by registering a function, not by subclassing.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cuemby/taskpersist/pkg/log"
	"github.com/cuemby/taskpersist/pkg/metrics"
	"github.com/cuemby/taskpersist/pkg/types"
)

// Severity classifies how serious a validation failure is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ValidationResult is the outcome of one rule applied to one record.
type ValidationResult struct {
	Valid    bool
	Severity Severity
	Rule     string
	Message  string
	Details  map[string]any
}

// Context carries information a rule needs beyond the record itself, such
// as the set of known task ids for dependency-closure checks.
type Context struct {
	KnownTaskIDs map[string]bool

	// Strict escalates otherwise-warning-level failures (currently just a
	// dangling dependency reference) to critical, per the caller's
	// validation_level configuration.
	Strict bool
}

// Rule is a named validation procedure.
type Rule struct {
	Name  string
	Apply func(task *types.Task, ctx Context) ValidationResult
}

// DetectionReport is the outcome of one corruption detector.
type DetectionReport struct {
	Corrupted  bool
	Type       string
	Confidence float64
	Evidence   string
}

// Detector is a named corruption-detection procedure.
type Detector struct {
	Name  string
	Apply func(raw []byte, task *types.Task, parseErr error) DetectionReport
}

// RepairResult is the outcome of one repair strategy attempt.
type RepairResult struct {
	Recovered  bool
	Record     *types.Task
	Confidence float64
	Warnings   []string
}

// RepairStrategy is a named repair procedure, given the raw bytes that
// failed to parse cleanly (if any), the best-effort parsed record, and the
// detection report that triggered repair.
type RepairStrategy struct {
	Name  string
	Apply func(raw []byte, task *types.Task, report DetectionReport) RepairResult
}

// CheckpointSource supplies the latest known-good task record for
// backup_restore repair. TaskStore's checkpoint manager implements it.
type CheckpointSource interface {
	LatestTaskVersion(taskID string) (*types.Task, bool)
}

// Engine bundles the three registries and runs them in the priority order
// spec.md §4.2 describes.
type Engine struct {
	rules      []Rule
	detectors  []Detector
	strategies []RepairStrategy
	checkpoint CheckpointSource
	autoRepair bool

	stats engineStats
}

// engineStats accumulates point-in-time counters for Report, for the
// current process's lifetime only.
type engineStats struct {
	recordsValidated  int64
	criticalFailures  int64
	corruptionsFound  int64
	repairsAttempted  int64
	repairsSucceeded  int64
}

// Report is a structural health summary of everything this Engine has seen
// since process start, surfaced through TaskStore.Stats.
type Report struct {
	RecordsValidated int64 `json:"records_validated"`
	CriticalFailures int64 `json:"critical_failures"`
	CorruptionsFound int64 `json:"corruptions_found"`
	RepairsAttempted int64 `json:"repairs_attempted"`
	RepairsSucceeded int64 `json:"repairs_succeeded"`
}

// Report returns a snapshot of the engine's lifetime counters.
func (e *Engine) Report() Report {
	return Report{
		RecordsValidated: atomic.LoadInt64(&e.stats.recordsValidated),
		CriticalFailures: atomic.LoadInt64(&e.stats.criticalFailures),
		CorruptionsFound: atomic.LoadInt64(&e.stats.corruptionsFound),
		RepairsAttempted: atomic.LoadInt64(&e.stats.repairsAttempted),
		RepairsSucceeded: atomic.LoadInt64(&e.stats.repairsSucceeded),
	}
}

// New constructs an Engine with the built-in rules, detectors, and repair
// strategies registered. checkpoint may be nil, in which case backup_restore
// never recovers anything and falls through to the next strategy.
func New(checkpoint CheckpointSource, autoRepair bool) *Engine {
	e := &Engine{checkpoint: checkpoint, autoRepair: autoRepair}
	e.registerBuiltinRules()
	e.registerBuiltinDetectors()
	e.registerBuiltinRepairStrategies()
	return e
}

// RegisterRule adds a validation rule. Rules registered later run after
// earlier ones but all results are collected regardless of ordering.
func (e *Engine) RegisterRule(r Rule) { e.rules = append(e.rules, r) }

// RegisterDetector adds a corruption detector.
func (e *Engine) RegisterDetector(d Detector) { e.detectors = append(e.detectors, d) }

// RegisterRepairStrategy appends a repair strategy to the priority chain.
func (e *Engine) RegisterRepairStrategy(s RepairStrategy) { e.strategies = append(e.strategies, s) }

// Validate runs every registered rule against task and returns every
// non-valid result. An empty slice means the record is clean.
func (e *Engine) Validate(task *types.Task, ctx Context) []ValidationResult {
	atomic.AddInt64(&e.stats.recordsValidated, 1)
	var failures []ValidationResult
	for _, r := range e.rules {
		res := r.Apply(task, ctx)
		if !res.Valid {
			failures = append(failures, res)
		}
	}
	if HasCritical(failures) {
		atomic.AddInt64(&e.stats.criticalFailures, 1)
	}
	return failures
}

// HasCritical reports whether any result in results is critical severity.
func HasCritical(results []ValidationResult) bool {
	for _, r := range results {
		if r.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Detect runs every registered detector over raw (the on-disk bytes) and
// the best-effort parsed task, returning the first positive detection in
// registration order. parseErr is the error, if any, from unmarshaling raw.
func (e *Engine) Detect(raw []byte, task *types.Task, parseErr error) (DetectionReport, bool) {
	for _, d := range e.detectors {
		report := d.Apply(raw, task, parseErr)
		if report.Corrupted {
			metrics.CorruptionDetectedTotal.WithLabelValues(report.Type).Inc()
			atomic.AddInt64(&e.stats.corruptionsFound, 1)
			return report, true
		}
	}
	return DetectionReport{}, false
}

// Repair runs the registered strategies in priority order against the
// corrupted input, stopping at the first that recovers and whose result
// re-validates cleanly (or with only non-critical warnings). If
// auto-repair is disabled, Repair returns immediately with Recovered=false.
func (e *Engine) Repair(raw []byte, task *types.Task, report DetectionReport, ctx Context) RepairResult {
	if !e.autoRepair {
		return RepairResult{Recovered: false}
	}
	for _, s := range e.strategies {
		atomic.AddInt64(&e.stats.repairsAttempted, 1)
		result := s.Apply(raw, task, report)
		outcome := "failed"
		if result.Recovered {
			outcome = "succeeded"
		}
		metrics.RepairsAttemptedTotal.WithLabelValues(s.Name, outcome).Inc()

		if !result.Recovered {
			continue
		}
		if result.Record == nil {
			continue
		}
		if HasCritical(e.Validate(result.Record, ctx)) {
			log.Warn(fmt.Sprintf("repair strategy %s produced a record that still fails critical validation", s.Name))
			continue
		}
		atomic.AddInt64(&e.stats.repairsSucceeded, 1)
		return result
	}
	return RepairResult{Recovered: false}
}

// Checksum computes the canonical checksum used for Task.Checksum and for
// detecting on-disk tampering: SHA-256 over the task's JSON encoding with
// the checksum field itself held empty.
func Checksum(task *types.Task) (string, error) {
	clone := task.Clone()
	clone.Checksum = ""
	data, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (e *Engine) registerBuiltinRules() {
	e.RegisterRule(Rule{Name: "structural_wellformedness", Apply: ruleStructural})
	e.RegisterRule(Rule{Name: "required_fields", Apply: ruleRequiredFields})
	e.RegisterRule(Rule{Name: "status_enum", Apply: ruleStatusEnum})
	e.RegisterRule(Rule{Name: "timestamp_monotonic", Apply: ruleTimestampMonotonic})
	e.RegisterRule(Rule{Name: "dependency_closure", Apply: ruleDependencyClosure})
	e.RegisterRule(Rule{Name: "schema_version_tolerance", Apply: ruleSchemaVersion})
}

func ruleStructural(task *types.Task, _ Context) ValidationResult {
	if task == nil {
		return ValidationResult{Valid: false, Severity: SeverityCritical, Rule: "structural_wellformedness", Message: "record is nil"}
	}
	return ValidationResult{Valid: true, Rule: "structural_wellformedness"}
}

func ruleRequiredFields(task *types.Task, _ Context) ValidationResult {
	if task.ID == "" {
		return ValidationResult{Valid: false, Severity: SeverityCritical, Rule: "required_fields", Message: "id is required"}
	}
	if task.Name == "" {
		return ValidationResult{Valid: false, Severity: SeverityCritical, Rule: "required_fields", Message: "name is required"}
	}
	return ValidationResult{Valid: true, Rule: "required_fields"}
}

func ruleStatusEnum(task *types.Task, _ Context) ValidationResult {
	if !task.Status.Valid() {
		return ValidationResult{
			Valid: false, Severity: SeverityError, Rule: "status_enum",
			Message: fmt.Sprintf("unknown status %q", task.Status),
			Details: map[string]any{"status": string(task.Status)},
		}
	}
	return ValidationResult{Valid: true, Rule: "status_enum"}
}

func ruleTimestampMonotonic(task *types.Task, _ Context) ValidationResult {
	if task.CreatedAt.IsZero() {
		return ValidationResult{Valid: false, Severity: SeverityWarning, Rule: "timestamp_monotonic", Message: "created_at is zero"}
	}
	if task.UpdatedAt.Before(task.CreatedAt) {
		return ValidationResult{
			Valid: false, Severity: SeverityError, Rule: "timestamp_monotonic",
			Message: "updated_at precedes created_at",
		}
	}
	return ValidationResult{Valid: true, Rule: "timestamp_monotonic"}
}

func ruleDependencyClosure(task *types.Task, ctx Context) ValidationResult {
	if ctx.KnownTaskIDs == nil {
		return ValidationResult{Valid: true, Rule: "dependency_closure"}
	}
	for _, dep := range task.Dependencies {
		if dep == task.ID {
			return ValidationResult{Valid: false, Severity: SeverityCritical, Rule: "dependency_closure", Message: "task depends on itself"}
		}
		if !ctx.KnownTaskIDs[dep] {
			severity := SeverityWarning
			if ctx.Strict {
				severity = SeverityCritical
			}
			return ValidationResult{
				Valid: false, Severity: severity, Rule: "dependency_closure",
				Message: fmt.Sprintf("dependency %q does not reference a known task", dep),
				Details: map[string]any{"dependency": dep},
			}
		}
	}
	return ValidationResult{Valid: true, Rule: "dependency_closure"}
}

func ruleSchemaVersion(task *types.Task, _ Context) ValidationResult {
	if task.Version < 0 {
		return ValidationResult{Valid: false, Severity: SeverityError, Rule: "schema_version_tolerance", Message: "negative version"}
	}
	return ValidationResult{Valid: true, Rule: "schema_version_tolerance"}
}

func (e *Engine) registerBuiltinDetectors() {
	e.RegisterDetector(Detector{Name: "parse_failure", Apply: detectParseFailure})
	e.RegisterDetector(Detector{Name: "checksum_mismatch", Apply: detectChecksumMismatch})
	e.RegisterDetector(Detector{Name: "structural_invariant", Apply: detectStructuralInvariant})
}

func detectParseFailure(raw []byte, _ *types.Task, parseErr error) DetectionReport {
	if parseErr != nil {
		return DetectionReport{Corrupted: true, Type: "parse_failure", Confidence: 1.0, Evidence: parseErr.Error()}
	}
	return DetectionReport{}
}

func detectChecksumMismatch(_ []byte, task *types.Task, parseErr error) DetectionReport {
	if parseErr != nil || task == nil || task.Checksum == "" {
		return DetectionReport{}
	}
	want, err := Checksum(task)
	if err != nil {
		return DetectionReport{}
	}
	if want != task.Checksum {
		return DetectionReport{
			Corrupted: true, Type: "checksum_mismatch", Confidence: 0.95,
			Evidence: fmt.Sprintf("expected %s got %s", want, task.Checksum),
		}
	}
	return DetectionReport{}
}

func detectStructuralInvariant(_ []byte, task *types.Task, parseErr error) DetectionReport {
	if parseErr != nil || task == nil {
		return DetectionReport{}
	}
	if task.Version > 0 && task.ID == "" {
		return DetectionReport{Corrupted: true, Type: "structural_invariant", Confidence: 0.8, Evidence: "versioned record missing id"}
	}
	if len(task.HistoryTail) > types.MaxHistoryTail {
		return DetectionReport{
			Corrupted: true, Type: "structural_invariant", Confidence: 0.5,
			Evidence: fmt.Sprintf("history_tail exceeds bound: %d entries", len(task.HistoryTail)),
		}
	}
	return DetectionReport{}
}

func (e *Engine) registerBuiltinRepairStrategies() {
	e.RegisterRepairStrategy(RepairStrategy{Name: "structural_repair", Apply: e.repairStructural})
	e.RegisterRepairStrategy(RepairStrategy{Name: "backup_restore", Apply: e.repairFromCheckpoint})
	e.RegisterRepairStrategy(RepairStrategy{Name: "partial_recovery", Apply: e.repairPartial})
}

// repairStructural fixes known-safe structural deviations: a history_tail
// grown past its bound, or a checksum that's merely stale.
func (e *Engine) repairStructural(raw []byte, task *types.Task, report DetectionReport) RepairResult {
	if task == nil {
		return RepairResult{Recovered: false}
	}
	fixed := task.Clone()
	var warnings []string

	if len(fixed.HistoryTail) > types.MaxHistoryTail {
		fixed.HistoryTail = fixed.HistoryTail[len(fixed.HistoryTail)-types.MaxHistoryTail:]
		warnings = append(warnings, "trimmed history_tail to bound")
	}
	if report.Type == "checksum_mismatch" {
		sum, err := Checksum(fixed)
		if err == nil {
			fixed.Checksum = sum
			warnings = append(warnings, "recomputed checksum")
		}
	}
	if len(warnings) == 0 {
		return RepairResult{Recovered: false}
	}
	return RepairResult{Recovered: true, Record: fixed, Confidence: 0.7, Warnings: warnings}
}

// repairFromCheckpoint fetches the most recent known-good version of the
// task from the checkpoint source, if one was configured and has a copy.
func (e *Engine) repairFromCheckpoint(raw []byte, task *types.Task, report DetectionReport) RepairResult {
	if e.checkpoint == nil || task == nil || task.ID == "" {
		return RepairResult{Recovered: false}
	}
	restored, ok := e.checkpoint.LatestTaskVersion(task.ID)
	if !ok {
		return RepairResult{Recovered: false}
	}
	return RepairResult{
		Recovered:  true,
		Record:     restored.Clone(),
		Confidence: 0.9,
		Warnings:   []string{"restored from last checkpoint, any writes after that checkpoint are lost"},
	}
}

// repairPartial synthesizes a minimum-viable record from whatever survived
// parsing, flags it for human review, and preserves the corrupted input
// verbatim in the quarantine field. This is the strategy of last resort and
// always recovers something, at the cost of data fidelity.
func (e *Engine) repairPartial(raw []byte, task *types.Task, report DetectionReport) RepairResult {
	now := time.Now()
	synth := &types.Task{
		ID:          recoverID(task),
		Name:        "recovered task",
		Status:      types.TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
		Quarantine:  append([]byte(nil), raw...),
		NeedsReview: true,
	}
	if task != nil {
		if task.ID != "" {
			synth.ID = task.ID
		}
		if task.Name != "" {
			synth.Name = task.Name
		}
		if !task.CreatedAt.IsZero() {
			synth.CreatedAt = task.CreatedAt
		}
		if task.Status.Valid() {
			synth.Status = task.Status
		}
	}
	sum, err := Checksum(synth)
	if err == nil {
		synth.Checksum = sum
	}
	return RepairResult{
		Recovered:  true,
		Record:     synth,
		Confidence: 0.2,
		Warnings:   []string{"synthesized minimum-viable record, original preserved in quarantine, needs_review set"},
	}
}

func recoverID(task *types.Task) string {
	if task != nil && task.ID != "" {
		return task.ID
	}
	return "unknown"
}
