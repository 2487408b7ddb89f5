package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config contains runner settings.
type Config struct {
	// Concurrency is the number of suites executed in parallel. Tests
	// within a suite always run sequentially so hooks stay meaningful.
	Concurrency int

	// DefaultTimeout bounds a test that does not set its own.
	DefaultTimeout time.Duration

	// DefaultRetries re-runs a failing test this many extra times before
	// recording a failure.
	DefaultRetries int

	// Run metadata copied onto the report.
	Environment string
	Branch      string
	Commit      string
	TriggeredBy string
	RunURL      string
}

// Runner executes suites and produces a RunReport.
type Runner interface {
	Run(ctx context.Context, suites []*Suite) (*RunReport, error)
}

// Compile-time interface check.
var _ Runner = (*runner)(nil)

type runner struct {
	log logrus.FieldLogger
	cfg *Config
}

// NewRunner creates a Runner.
func NewRunner(log logrus.FieldLogger, cfg *Config) Runner {
	return &runner{
		log: log.WithField("component", "runner"),
		cfg: cfg,
	}
}

// Run executes all suites and returns the collected report. Suite-level
// failures (a hook error, a panicking test) fail that suite's remaining
// tests but never abort the other suites.
func (r *runner) Run(ctx context.Context, suites []*Suite) (*RunReport, error) {
	report := &RunReport{
		RunID:       uuid.NewString(),
		Environment: r.cfg.Environment,
		Branch:      r.cfg.Branch,
		Commit:      r.cfg.Commit,
		TriggeredBy: r.cfg.TriggeredBy,
		RunURL:      r.cfg.RunURL,
		StartedAt:   time.Now().UTC(),
		Suites:      make([]SuiteReport, len(suites)),
	}

	g, gctx := errgroup.WithContext(ctx)

	concurrency := r.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g.SetLimit(concurrency)

	for i, suite := range suites {
		g.Go(func() error {
			report.Suites[i] = r.runSuite(gctx, suite)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.FinishedAt = time.Now().UTC()

	total, passed, failed, skipped := report.TotalCounts()

	r.log.WithFields(logrus.Fields{
		"run":     report.RunID,
		"total":   total,
		"passed":  passed,
		"failed":  failed,
		"skipped": skipped,
	}).Info("Run completed")

	return report, nil
}

// runSuite executes one suite sequentially with its hooks.
func (r *runner) runSuite(ctx context.Context, suite *Suite) SuiteReport {
	log := r.log.WithField("suite", suite.Name)

	sr := SuiteReport{
		Suite:       suite.Name,
		Description: suite.Description,
		StartedAt:   time.Now().UTC(),
		Outcomes:    make([]TestOutcome, 0, len(suite.tests)),
	}

	defer func() {
		sr.FinishedAt = time.Now().UTC()
	}()

	if err := runHooks(ctx, suite.beforeAll); err != nil {
		log.WithError(err).Error("BeforeAll hook failed; failing suite")

		for _, t := range suite.tests {
			sr.Outcomes = append(sr.Outcomes, outcomeSkeleton(t, StatusFailed,
				fmt.Sprintf("beforeAll hook failed: %v", err), "HookError"))
		}

		return sr
	}

	for _, t := range suite.tests {
		sr.Outcomes = append(sr.Outcomes, r.runTest(ctx, log, suite, t))
	}

	if err := runHooks(ctx, suite.afterAll); err != nil {
		log.WithError(err).Warn("AfterAll hook failed")
	}

	return sr
}

// runTest executes one test with timeout and retries.
func (r *runner) runTest(
	ctx context.Context,
	log logrus.FieldLogger,
	suite *Suite,
	test *Test,
) TestOutcome {
	if test.Skip {
		return outcomeSkeleton(test, StatusSkipped, "", "")
	}

	if test.Todo || test.Run == nil {
		return outcomeSkeleton(test, StatusTodo, "", "")
	}

	timeout := test.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	retries := test.Retries
	if retries < 0 {
		retries = r.cfg.DefaultRetries
	}

	var (
		outcome TestOutcome
		start   = time.Now()
	)

	for attempt := 0; ; attempt++ {
		t := &T{client: suite.client}

		err := r.runAttempt(ctx, suite, test, t, timeout)

		outcome = buildOutcome(test, t, err)
		outcome.Attempts = attempt + 1

		if outcome.Status != StatusFailed || attempt >= retries {
			break
		}

		log.WithFields(logrus.Fields{
			"test":    test.Slug,
			"attempt": attempt + 1,
		}).Debug("Retrying failed test")
	}

	outcome.Duration = time.Since(start)

	return outcome
}

// runAttempt runs the per-test hooks and body once, converting panics into
// failures so one broken test cannot take down the run.
func (r *runner) runAttempt(
	ctx context.Context,
	suite *Suite,
	test *Test,
	t *T,
	timeout time.Duration,
) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec, stack: string(debug.Stack())}
		}
	}()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := runHooks(tctx, suite.beforeEach); err != nil {
		return fmt.Errorf("beforeEach hook: %w", err)
	}

	defer func() {
		if hookErr := runHooks(ctx, suite.afterEach); hookErr != nil && err == nil {
			err = fmt.Errorf("afterEach hook: %w", hookErr)
		}
	}()

	if err := test.Run(tctx, t); err != nil {
		return err
	}

	return t.failureError()
}

// panicError wraps a recovered panic with its stack.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("test panicked: %v", e.value)
}

func runHooks(ctx context.Context, hooks []HookFunc) error {
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	return nil
}

// buildOutcome assembles the reported outcome from the test state and error.
func buildOutcome(test *Test, t *T, err error) TestOutcome {
	outcome := outcomeSkeleton(test, StatusPassed, "", "")
	outcome.AssertionsPassed = t.passed
	outcome.AssertionsFailed = t.failed
	outcome.RequestBody = t.requestBody

	if t.lastResponse != nil {
		ms := t.lastResponse.Duration.Milliseconds()
		status := t.lastResponse.StatusCode
		outcome.ResponseTimeMs = &ms
		outcome.ResponseStatus = &status
		outcome.ResponseBody = string(t.lastResponse.Body)
	}

	if err != nil {
		outcome.Status = StatusFailed
		outcome.ErrorMessage = err.Error()
		outcome.ErrorType = errorType(err)

		var pe *panicError
		if errors.As(err, &pe) {
			outcome.StackTrace = pe.stack
		}
	}

	return outcome
}

func outcomeSkeleton(test *Test, status, errMsg, errType string) TestOutcome {
	return TestOutcome{
		Slug:         test.Slug,
		Name:         test.Name,
		Description:  test.Description,
		FileHint:     test.FileHint,
		Endpoint:     test.Endpoint,
		Method:       test.Method,
		Status:       status,
		ErrorMessage: errMsg,
		ErrorType:    errType,
	}
}

func errorType(err error) string {
	var pe *panicError

	switch {
	case errors.As(err, &pe):
		return "Panic"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	default:
		return "Error"
	}
}
