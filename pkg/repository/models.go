package repository

import (
	"time"
)

// Test result statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusTodo    = "todo"
	StatusDeleted = "deleted"
)

// History change types.
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
)

// TestSuite groups test identities and runs under one suite name.
type TestSuite struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Description string    `json:"description,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// TestRun records one execution of a suite. Rows are never mutated after
// creation except the deleted-identity annotation written within the same
// report operation.
type TestRun struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	SuiteID     uint   `gorm:"index;not null" json:"suite_id"`
	Environment string `json:"environment"`
	Branch      string `json:"branch,omitempty"`
	Commit      string `json:"commit,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
	RunURL      string `json:"run_url,omitempty"`

	TotalTests int `json:"total_tests"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`

	DurationMs int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// DeletedIdentityIDs is a JSON-encoded list of identity ids marked
	// deleted during this run.
	DeletedIdentityIDs string `json:"deleted_identity_ids,omitempty"`
}

// TestIdentity is the enduring identity of one logical test across renames.
// Exactly one row exists per slug; content changes update the row and append
// history, they never create a second identity.
type TestIdentity struct {
	ID                 uint   `gorm:"primaryKey" json:"id"`
	Slug               string `gorm:"uniqueIndex;not null" json:"slug"`
	ContentHash        string `gorm:"not null" json:"content_hash"`
	CurrentName        string `json:"current_name"`
	CurrentDescription string `json:"current_description,omitempty"`

	// Latest-seen metadata, refreshed on every observation.
	SuiteName  string `gorm:"index" json:"suite_name,omitempty"`
	FileHint   string `json:"file_hint,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	HTTPMethod string `json:"http_method,omitempty"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	TotalRuns   int64     `json:"total_runs"`
	LastStatus  string    `json:"last_status,omitempty"`

	// DeletedAt is set by deletion detection when the test stops appearing
	// in its suite's runs, and cleared again on any later observation. Plain
	// pointer on purpose: gorm soft-delete semantics would hide deleted
	// identities from the queries that resurrect them.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// TestHistory is an append-only record of one content change for a test
// identity. The active entry has ValidTo = nil; closed entries are never
// updated or deleted.
type TestHistory struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	IdentityID  uint       `gorm:"index;not null" json:"identity_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ContentHash string     `gorm:"not null" json:"content_hash"`
	ChangeType  string     `gorm:"not null" json:"change_type"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to,omitempty"`
}

// TestResult is one immutable observation of an identity within a run.
// Insert-only; the repository exposes no update path for results.
type TestResult struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	RunID      uint `gorm:"index;not null" json:"run_id"`
	IdentityID uint `gorm:"index;not null" json:"identity_id"`

	// Denormalized snapshot at observation time.
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ContentHash string `json:"content_hash"`
	FileHint    string `json:"file_hint,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	HTTPMethod  string `json:"http_method,omitempty"`

	Status     string `gorm:"index;not null" json:"status"`
	DurationMs int64  `json:"duration_ms"`

	ResponseTimeMs *int64 `json:"response_time_ms,omitempty"`
	ResponseStatus *int   `json:"response_status,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`

	AssertionsPassed int `json:"assertions_passed"`
	AssertionsFailed int `json:"assertions_failed"`

	RequestBody  string `json:"request_body,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// DeletedAt is set only on synthetic rows inserted by deletion
	// detection.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// allModels lists every table owned by this package, in migration order.
func allModels() []any {
	return []any{
		&TestSuite{},
		&TestRun{},
		&TestIdentity{},
		&TestHistory{},
		&TestResult{},
	}
}
