package core

import (
	"context"
	"time"
)

// NewAttribute is the mapping target that asks the schema evolution step to
// create (or reuse) an extensible attribute named after the header.
const NewAttribute = "__new__"

// Confidence is the advisor's self-reported certainty in a suggestion.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// Valid reports whether c is one of the known confidence labels.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow, ConfidenceNone:
		return true
	}
	return false
}

// SessionState is the lifecycle state of an import session.
type SessionState string

const (
	StateUploaded  SessionState = "uploaded"
	StateExecuting SessionState = "executing"
	StateCompleted SessionState = "completed"
	StateCancelled SessionState = "cancelled"
)

// Mapping associates source headers with catalog field names or NewAttribute.
// Headers absent from the mapping, or mapped to "", are ignored on execute.
type Mapping map[string]string

// Clone returns an independent copy of m.
func (m Mapping) Clone() Mapping {
	if m == nil {
		return nil
	}
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ImportOptions controls duplicate handling during execute.
type ImportOptions struct {
	SkipDuplicates bool `json:"skipDuplicates" yaml:"skip_duplicates"`
}

// Table is a parsed file: a header row plus data rows padded to header width.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Session is a point-in-time view of an import session.
type Session struct {
	Handle            string              `json:"handle"`
	FileName          string              `json:"fileName"`
	Format            string              `json:"format"`
	Headers           []string            `json:"headers"`
	PreviewRows       []map[string]string `json:"previewRows"`
	TotalRows         int                 `json:"totalRows"`
	SuggestedMapping  Mapping             `json:"suggestedMapping"`
	AdvisorConfidence Confidence          `json:"advisorConfidence"`
	AdvisorNotes      string              `json:"advisorNotes"`
	Warnings          []string            `json:"warnings,omitempty"` // parse findings the operator should see
	Mapping           Mapping             `json:"mapping,omitempty"` // operator draft
	Options           ImportOptions       `json:"options"`
	State             SessionState        `json:"state"`
	CreatedAt         time.Time           `json:"createdAt"`
	LastTouched       time.Time           `json:"lastTouched"`
}

// RowError records why a single data row was not imported.
// Row is 1-based, counting from the first data row.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// ImportResult is the outcome of a completed execute.
type ImportResult struct {
	RunID             string        `json:"runId"`
	TotalRows         int           `json:"totalRows"`
	Imported          int           `json:"imported"`
	Skipped           int           `json:"skipped"`
	Errors            []RowError    `json:"errors"`
	AttributesCreated []string      `json:"attributesCreated"`
	Duration          time.Duration `json:"-"`
	DurationMS        int64         `json:"durationMs"`
}

// AttributeID identifies a registered extensible attribute.
type AttributeID int64

// RunStatus is the journal state of an import run.
type RunStatus string

const (
	RunExecuting   RunStatus = "executing"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// Run is the journal record written for every execute.
type Run struct {
	ID        string
	Handle    string
	FileName  string
	TotalRows int
}

// RunOutcome is what FinishRun persists.
type RunOutcome struct {
	Status   RunStatus
	Imported int
	Skipped  int
	Failed   int
	Error    string
}

// Repository is the target store the executor writes to.
// Satisfied by the Postgres and SQLite stores.
type Repository interface {
	// WithTx runs fn inside one transaction, committing if fn returns nil.
	WithTx(ctx context.Context, fn func(Tx) error) error

	BeginRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, runID string, outcome RunOutcome) error

	// MarkInterruptedRuns flags runs left in executing by a crash.
	MarkInterruptedRuns(ctx context.Context) (int64, error)
}

// Tx is the set of writes available inside Repository.WithTx.
type Tx interface {
	// RegisterIfAbsent returns the attribute with the given normalized key,
	// creating it with label if it does not exist. created reports whether
	// this call inserted it.
	RegisterIfAbsent(ctx context.Context, key, label string) (id AttributeID, created bool, err error)

	SerialExists(ctx context.Context, serial string) (bool, error)

	// InsertEquipment returns ErrDuplicateSerial on a natural key conflict.
	InsertEquipment(ctx context.Context, e Equipment, runID string) (int64, error)

	SetValue(ctx context.Context, entityID int64, attr AttributeID, value string) error
}

// ArtifactStore keeps the parsed table of each session on scratch storage.
type ArtifactStore interface {
	Put(ctx context.Context, key string, t *Table) error
	// Get returns ErrArtifactNotFound when key does not exist.
	Get(ctx context.Context, key string) (*Table, error)
	// Delete returns ErrArtifactNotFound when key does not exist.
	Delete(ctx context.Context, key string) error
}

// ArtifactInfo describes a stored artifact.
type ArtifactInfo struct {
	Key     string
	ModTime time.Time
}

// ArtifactLister is implemented by artifact stores that can enumerate their
// contents, which lets the sweep reclaim artifacts no session refers to.
type ArtifactLister interface {
	List(ctx context.Context) ([]ArtifactInfo, error)
}
