package runner

import (
	"time"
)

// Test outcome statuses. These mirror the statuses persisted by the
// PostgreSQL reporter; "deleted" rows are synthesized there, never here.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusTodo    = "todo"
)

// RunReport is one full execution's in-memory result set, handed to every
// reporter after the runner finishes.
type RunReport struct {
	RunID       string    `json:"run_id"`
	Environment string    `json:"environment"`
	Branch      string    `json:"branch,omitempty"`
	Commit      string    `json:"commit,omitempty"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
	RunURL      string    `json:"run_url,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`

	Suites []SuiteReport `json:"suites"`
}

// SuiteReport aggregates one suite's outcomes.
type SuiteReport struct {
	Suite       string    `json:"suite"`
	Description string    `json:"description,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`

	Outcomes []TestOutcome `json:"outcomes"`
}

// TestOutcome is one test's observed result.
type TestOutcome struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	FileHint    string `json:"file_hint,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Method      string `json:"method,omitempty"`

	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`

	ResponseTimeMs *int64 `json:"response_time_ms,omitempty"`
	ResponseStatus *int   `json:"response_status,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`

	AssertionsPassed int `json:"assertions_passed"`
	AssertionsFailed int `json:"assertions_failed"`

	RequestBody  string `json:"request_body,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`
}

// Counts tallies a suite's outcomes by status.
func (s *SuiteReport) Counts() (total, passed, failed, skipped int) {
	total = len(s.Outcomes)

	for _, o := range s.Outcomes {
		switch o.Status {
		case StatusPassed:
			passed++
		case StatusFailed:
			failed++
		case StatusSkipped, StatusTodo:
			skipped++
		}
	}

	return total, passed, failed, skipped
}

// TotalCounts tallies the whole run.
func (r *RunReport) TotalCounts() (total, passed, failed, skipped int) {
	for i := range r.Suites {
		t, p, f, s := r.Suites[i].Counts()
		total += t
		passed += p
		failed += f
		skipped += s
	}

	return total, passed, failed, skipped
}

// PresentSlugs returns the slugs that produced an outcome in a suite report,
// the input to deletion detection.
func (s *SuiteReport) PresentSlugs() []string {
	slugs := make([]string, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		slugs = append(slugs, o.Slug)
	}

	return slugs
}
