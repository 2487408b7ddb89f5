package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/database"
	"github.com/apiprobe/apiprobe/pkg/repository"
	"github.com/apiprobe/apiprobe/pkg/runner"
)

// postgresOptions are reporter-specific extras carried in the options map.
type postgresOptions struct {
	// RecordBodies persists request/response bodies on results.
	RecordBodies bool `mapstructure:"record_bodies"`

	// DeletionDetection toggles marking vanished tests as deleted.
	DeletionDetection *bool `mapstructure:"deletion_detection"`
}

func (o *postgresOptions) deletionDetectionEnabled() bool {
	return o.DeletionDetection == nil || *o.DeletionDetection
}

// postgresReporter persists a run into the relational store. Small reports
// are written in one transaction; large reports trade full atomicity for
// bounded lock duration by writing fixed-size batches.
type postgresReporter struct {
	log    logrus.FieldLogger
	cfg    *config.PostgresReporterConfig
	client database.Client
	repo   repository.Repository
	opts   postgresOptions
}

// Compile-time interface check.
var _ Reporter = (*postgresReporter)(nil)

// NewPostgres creates the PostgreSQL reporter on top of a connected client
// and repository.
func NewPostgres(
	log logrus.FieldLogger,
	cfg *config.PostgresReporterConfig,
	client database.Client,
	repo repository.Repository,
) (Reporter, error) {
	r := &postgresReporter{
		log:    log.WithField("component", "postgres-reporter"),
		cfg:    cfg,
		client: client,
		repo:   repo,
		opts:   postgresOptions{RecordBodies: true},
	}

	if len(cfg.Options) > 0 {
		if err := mapstructure.Decode(cfg.Options, &r.opts); err != nil {
			return nil, fmt.Errorf("decoding postgres reporter options: %w", err)
		}
	}

	return r, nil
}

func (r *postgresReporter) Name() string { return "postgres" }

// Report writes every suite's results. Each suite becomes one run row; the
// write strategy per suite depends on its result count.
func (r *postgresReporter) Report(ctx context.Context, report *runner.RunReport) error {
	for i := range report.Suites {
		suite := &report.Suites[i]

		var err error

		if len(suite.Outcomes) <= r.cfg.BatchThreshold {
			err = r.writeAtomic(ctx, report, suite)
		} else {
			err = r.writeBatched(ctx, report, suite)
		}

		if err != nil {
			return fmt.Errorf("persisting suite %q: %w", suite.Suite, err)
		}
	}

	return nil
}

// writeAtomic persists one suite report in a single transaction:
// all-or-nothing.
func (r *postgresReporter) writeAtomic(
	ctx context.Context,
	report *runner.RunReport,
	suite *runner.SuiteReport,
) error {
	return r.client.Transaction(ctx, func(tx *gorm.DB) error {
		ec := repository.ParticipateIn(tx)

		run, err := r.createSuiteRun(ctx, ec, report, suite)
		if err != nil {
			return err
		}

		for i := range suite.Outcomes {
			if err := r.writeOutcome(ctx, ec, run.ID, suite.Suite, &suite.Outcomes[i]); err != nil {
				return err
			}
		}

		return r.detectDeleted(ctx, ec, run, suite)
	})
}

// writeBatched persists one large suite report as a short suite+run
// transaction, per-batch result transactions, and a final deletion-detection
// transaction. A failed batch is logged and skipped unless fail_fast is set.
func (r *postgresReporter) writeBatched(
	ctx context.Context,
	report *runner.RunReport,
	suite *runner.SuiteReport,
) error {
	var run *repository.TestRun

	err := r.client.Transaction(ctx, func(tx *gorm.DB) error {
		created, err := r.createSuiteRun(ctx, repository.ParticipateIn(tx), report, suite)
		if err != nil {
			return err
		}

		run = created

		return nil
	})
	if err != nil {
		return err
	}

	var failedBatches int

	for start := 0; start < len(suite.Outcomes); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(suite.Outcomes) {
			end = len(suite.Outcomes)
		}

		batch := suite.Outcomes[start:end]

		err := r.client.Transaction(ctx, func(tx *gorm.DB) error {
			ec := repository.ParticipateIn(tx)

			for i := range batch {
				if err := r.writeOutcome(ctx, ec, run.ID, suite.Suite, &batch[i]); err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			if r.cfg.FailFast {
				return fmt.Errorf("batch %d-%d: %w", start, end, err)
			}

			failedBatches++

			r.log.WithError(err).WithFields(logrus.Fields{
				"suite": suite.Suite,
				"from":  start,
				"to":    end,
			}).Error("Result batch failed; continuing")
		}
	}

	if failedBatches > 0 {
		r.log.WithFields(logrus.Fields{
			"suite":  suite.Suite,
			"failed": failedBatches,
		}).Warn("Report persisted with failed batches")
	}

	return r.client.Transaction(ctx, func(tx *gorm.DB) error {
		return r.detectDeleted(ctx, repository.ParticipateIn(tx), run, suite)
	})
}

// createSuiteRun upserts the suite row and inserts the run row.
func (r *postgresReporter) createSuiteRun(
	ctx context.Context,
	ec repository.ExecutionContext,
	report *runner.RunReport,
	suite *runner.SuiteReport,
) (*repository.TestRun, error) {
	suiteID, err := r.repo.UpsertSuite(ctx, ec, suite.Suite, suite.Description)
	if err != nil {
		return nil, err
	}

	total, passed, failed, skipped := suite.Counts()

	run := &repository.TestRun{
		SuiteID:     suiteID,
		Environment: report.Environment,
		Branch:      report.Branch,
		Commit:      report.Commit,
		TriggeredBy: report.TriggeredBy,
		RunURL:      report.RunURL,
		TotalTests:  total,
		Passed:      passed,
		Failed:      failed,
		Skipped:     skipped,
		DurationMs:  suite.FinishedAt.Sub(suite.StartedAt).Milliseconds(),
		StartedAt:   suite.StartedAt,
		FinishedAt:  suite.FinishedAt,
	}

	if err := r.repo.CreateRun(ctx, ec, run); err != nil {
		return nil, err
	}

	return run, nil
}

// writeOutcome resolves the outcome's identity and inserts its result row.
func (r *postgresReporter) writeOutcome(
	ctx context.Context,
	ec repository.ExecutionContext,
	runID uint,
	suiteName string,
	outcome *runner.TestOutcome,
) error {
	identityID, err := r.repo.FindOrCreateTest(ctx, ec, repository.TestData{
		Slug:        outcome.Slug,
		Name:        outcome.Name,
		Description: outcome.Description,
		SuiteName:   suiteName,
		FileHint:    outcome.FileHint,
		Endpoint:    outcome.Endpoint,
		HTTPMethod:  outcome.Method,
	})
	if err != nil {
		return err
	}

	result := &repository.TestResult{
		RunID:            runID,
		IdentityID:       identityID,
		Name:             outcome.Name,
		Description:      outcome.Description,
		ContentHash:      repository.ContentHash(outcome.Name, outcome.Description),
		FileHint:         outcome.FileHint,
		Endpoint:         outcome.Endpoint,
		HTTPMethod:       outcome.Method,
		Status:           outcome.Status,
		DurationMs:       outcome.Duration.Milliseconds(),
		ResponseTimeMs:   outcome.ResponseTimeMs,
		ResponseStatus:   outcome.ResponseStatus,
		ErrorMessage:     outcome.ErrorMessage,
		ErrorType:        outcome.ErrorType,
		StackTrace:       outcome.StackTrace,
		AssertionsPassed: outcome.AssertionsPassed,
		AssertionsFailed: outcome.AssertionsFailed,
		CreatedAt:        time.Now().UTC(),
	}

	if r.opts.RecordBodies {
		result.RequestBody = outcome.RequestBody
		result.ResponseBody = outcome.ResponseBody
	}

	return r.repo.CreateTestResult(ctx, ec, result)
}

// detectDeleted runs deletion detection for the suite that was exercised.
func (r *postgresReporter) detectDeleted(
	ctx context.Context,
	ec repository.ExecutionContext,
	run *repository.TestRun,
	suite *runner.SuiteReport,
) error {
	if !r.opts.deletionDetectionEnabled() {
		return nil
	}

	deleted, err := r.repo.MarkDeletedTests(
		ctx, ec, run.ID, run.StartedAt,
		suite.PresentSlugs(), []string{suite.Suite},
	)
	if err != nil {
		return err
	}

	for _, d := range deleted {
		r.log.WithFields(logrus.Fields{
			"test":  d.Slug,
			"suite": d.SuiteName,
		}).Info("Test no longer present; marked deleted")
	}

	return nil
}
