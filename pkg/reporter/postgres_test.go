package reporter_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/database"
	"github.com/apiprobe/apiprobe/pkg/reporter"
	"github.com/apiprobe/apiprobe/pkg/repository"
	"github.com/apiprobe/apiprobe/pkg/runner"
)

func setupStore(t *testing.T) (database.Client, repository.Repository) {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		Pool: config.PoolConfig{
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxIdleTime: "30s",
			ConnectTimeout:  "5s",
		},
		Retry: config.RetryConfig{
			MaxRetries: 3,
			BaseDelay:  "1ms",
			MaxDelay:   "5ms",
		},
		SlowTxThreshold: "5s",
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	client := database.NewClient(log, cfg)
	require.NoError(t, client.Connect(context.Background()))

	t.Cleanup(func() { _ = client.Close() })

	repo := repository.New(log, client, true)
	require.NoError(t, repo.Start(context.Background()))

	return client, repo
}

func newPostgresReporter(
	t *testing.T,
	client database.Client,
	repo repository.Repository,
	cfg *config.PostgresReporterConfig,
) reporter.Reporter {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	if cfg.BatchThreshold == 0 {
		cfg.BatchThreshold = config.DefaultBatchThreshold
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}

	r, err := reporter.NewPostgres(log, cfg, client, repo)
	require.NoError(t, err)

	return r
}

func makeReport(suite string, outcomes []runner.TestOutcome) *runner.RunReport {
	now := time.Now().UTC()

	return &runner.RunReport{
		RunID:       "run-test",
		Environment: "ci",
		Branch:      "main",
		StartedAt:   now,
		FinishedAt:  now.Add(time.Second),
		Suites: []runner.SuiteReport{{
			Suite:      suite,
			StartedAt:  now,
			FinishedAt: now.Add(time.Second),
			Outcomes:   outcomes,
		}},
	}
}

func passedOutcome(slug string) runner.TestOutcome {
	return runner.TestOutcome{
		Slug:             slug,
		Name:             slug,
		Endpoint:         "/v1/things",
		Method:           "GET",
		Status:           runner.StatusPassed,
		Duration:         10 * time.Millisecond,
		Attempts:         1,
		AssertionsPassed: 1,
		RequestBody:      `{"q":1}`,
		ResponseBody:     `{"ok":true}`,
	}
}

func TestPostgresReporter_AtomicPath(t *testing.T) {
	client, repo := setupStore(t)
	ctx := context.Background()

	r := newPostgresReporter(t, client, repo, &config.PostgresReporterConfig{
		Enabled: true,
	})

	report := makeReport("checkout", []runner.TestOutcome{
		passedOutcome("checkout/a"),
		{
			Slug:         "checkout/b",
			Name:         "checkout/b",
			Status:       runner.StatusFailed,
			ErrorMessage: "expected 200, got 500",
			ErrorType:    "Error",
		},
	})

	require.NoError(t, r.Report(ctx, report))

	var runs []repository.TestRun
	require.NoError(t, client.DB().Find(&runs).Error)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].TotalTests)
	assert.Equal(t, 1, runs[0].Passed)
	assert.Equal(t, 1, runs[0].Failed)
	assert.Equal(t, "ci", runs[0].Environment)

	var results []repository.TestResult
	require.NoError(t, client.DB().Order("id ASC").Find(&results).Error)
	require.Len(t, results, 2)
	assert.Equal(t, `{"q":1}`, results[0].RequestBody)
	assert.Equal(t, "expected 200, got 500", results[1].ErrorMessage)

	var identities []repository.TestIdentity
	require.NoError(t, client.DB().Find(&identities).Error)
	assert.Len(t, identities, 2)
}

func TestPostgresReporter_BatchedPath(t *testing.T) {
	client, repo := setupStore(t)
	ctx := context.Background()

	r := newPostgresReporter(t, client, repo, &config.PostgresReporterConfig{
		Enabled:        true,
		BatchThreshold: 2,
		BatchSize:      2,
	})

	outcomes := make([]runner.TestOutcome, 0, 5)
	for i := 0; i < 5; i++ {
		outcomes = append(outcomes, passedOutcome(fmt.Sprintf("checkout/t%d", i)))
	}

	require.NoError(t, r.Report(ctx, makeReport("checkout", outcomes)))

	var resultCount int64
	require.NoError(t, client.DB().
		Model(&repository.TestResult{}).
		Count(&resultCount).Error)
	assert.EqualValues(t, 5, resultCount)

	var runCount int64
	require.NoError(t, client.DB().
		Model(&repository.TestRun{}).
		Count(&runCount).Error)
	assert.EqualValues(t, 1, runCount)
}

func TestPostgresReporter_BatchFailureIsolation(t *testing.T) {
	client, repo := setupStore(t)
	ctx := context.Background()

	r := newPostgresReporter(t, client, repo, &config.PostgresReporterConfig{
		Enabled:        true,
		BatchThreshold: 1,
		BatchSize:      1,
	})

	// The middle outcome has no slug, so its batch transaction fails.
	bad := passedOutcome("")
	bad.Name = "missing slug"

	outcomes := []runner.TestOutcome{
		passedOutcome("checkout/a"),
		bad,
		passedOutcome("checkout/b"),
	}

	require.NoError(t, r.Report(ctx, makeReport("checkout", outcomes)))

	// The failed batch is skipped; the surrounding batches persist.
	var results []repository.TestResult
	require.NoError(t, client.DB().Order("id ASC").Find(&results).Error)
	require.Len(t, results, 2)

	var runCount int64
	require.NoError(t, client.DB().
		Model(&repository.TestRun{}).
		Count(&runCount).Error)
	assert.EqualValues(t, 1, runCount)
}

func TestPostgresReporter_FailFastAbortsOnBatchFailure(t *testing.T) {
	client, repo := setupStore(t)
	ctx := context.Background()

	r := newPostgresReporter(t, client, repo, &config.PostgresReporterConfig{
		Enabled:        true,
		BatchThreshold: 1,
		BatchSize:      1,
		FailFast:       true,
	})

	bad := passedOutcome("")
	bad.Name = "missing slug"

	outcomes := []runner.TestOutcome{
		bad,
		passedOutcome("checkout/a"),
		passedOutcome("checkout/b"),
	}

	err := r.Report(ctx, makeReport("checkout", outcomes))
	require.ErrorIs(t, err, repository.ErrMissingSlug)

	// The first failed batch aborts the report before any result lands.
	var resultCount int64
	require.NoError(t, client.DB().
		Model(&repository.TestResult{}).
		Count(&resultCount).Error)
	assert.Zero(t, resultCount)
}

func TestPostgresReporter_DeletionDetectionAcrossRuns(t *testing.T) {
	client, repo := setupStore(t)
	ctx := context.Background()

	r := newPostgresReporter(t, client, repo, &config.PostgresReporterConfig{
		Enabled: true,
	})

	first := makeReport("checkout", []runner.TestOutcome{
		passedOutcome("checkout/keep"),
		passedOutcome("checkout/remove"),
	})
	require.NoError(t, r.Report(ctx, first))

	// Second run, later, without "checkout/remove".
	second := makeReport("checkout", []runner.TestOutcome{
		passedOutcome("checkout/keep"),
	})
	second.Suites[0].StartedAt = time.Now().UTC().Add(time.Minute)

	require.NoError(t, r.Report(ctx, second))

	var removed repository.TestIdentity
	require.NoError(t, client.DB().
		Where("slug = ?", "checkout/remove").
		First(&removed).Error)
	require.NotNil(t, removed.DeletedAt)
	assert.Equal(t, repository.StatusDeleted, removed.LastStatus)

	var kept repository.TestIdentity
	require.NoError(t, client.DB().
		Where("slug = ?", "checkout/keep").
		First(&kept).Error)
	assert.Nil(t, kept.DeletedAt)

	// A third run that brings the test back resurrects its identity.
	third := makeReport("checkout", []runner.TestOutcome{
		passedOutcome("checkout/keep"),
		passedOutcome("checkout/remove"),
	})
	third.Suites[0].StartedAt = time.Now().UTC().Add(2 * time.Minute)

	require.NoError(t, r.Report(ctx, third))

	// Read into a fresh struct: GORM leaves a reused pointer field stale
	// when the column is NULL.
	var resurrected repository.TestIdentity
	require.NoError(t, client.DB().
		Where("slug = ?", "checkout/remove").
		First(&resurrected).Error)
	assert.Nil(t, resurrected.DeletedAt)
}

func TestPostgresReporter_DeletionDetectionDisabled(t *testing.T) {
	client, repo := setupStore(t)
	ctx := context.Background()

	r := newPostgresReporter(t, client, repo, &config.PostgresReporterConfig{
		Enabled: true,
		Options: map[string]any{"deletion_detection": false},
	})

	require.NoError(t, r.Report(ctx, makeReport("checkout", []runner.TestOutcome{
		passedOutcome("checkout/remove"),
	})))

	second := makeReport("checkout", []runner.TestOutcome{
		passedOutcome("checkout/other"),
	})
	second.Suites[0].StartedAt = time.Now().UTC().Add(time.Minute)

	require.NoError(t, r.Report(ctx, second))

	var removed repository.TestIdentity
	require.NoError(t, client.DB().
		Where("slug = ?", "checkout/remove").
		First(&removed).Error)
	assert.Nil(t, removed.DeletedAt)
}

func TestPostgresReporter_RecordBodiesDisabled(t *testing.T) {
	client, repo := setupStore(t)
	ctx := context.Background()

	r := newPostgresReporter(t, client, repo, &config.PostgresReporterConfig{
		Enabled: true,
		Options: map[string]any{"record_bodies": false},
	})

	require.NoError(t, r.Report(ctx, makeReport("checkout", []runner.TestOutcome{
		passedOutcome("checkout/a"),
	})))

	var result repository.TestResult
	require.NoError(t, client.DB().First(&result).Error)
	assert.Empty(t, result.RequestBody)
	assert.Empty(t, result.ResponseBody)
}

func TestPostgresReporter_IdentitySurvivesRename(t *testing.T) {
	client, repo := setupStore(t)
	ctx := context.Background()

	r := newPostgresReporter(t, client, repo, &config.PostgresReporterConfig{
		Enabled: true,
	})

	first := passedOutcome("checkout/renamed")
	first.Name = "old name"

	require.NoError(t, r.Report(ctx,
		makeReport("checkout", []runner.TestOutcome{first})))

	second := passedOutcome("checkout/renamed")
	second.Name = "new name"

	report := makeReport("checkout", []runner.TestOutcome{second})
	report.Suites[0].StartedAt = time.Now().UTC().Add(time.Minute)

	require.NoError(t, r.Report(ctx, report))

	var identities []repository.TestIdentity
	require.NoError(t, client.DB().
		Where("slug = ?", "checkout/renamed").
		Find(&identities).Error)
	require.Len(t, identities, 1)
	assert.Equal(t, "new name", identities[0].CurrentName)
	assert.EqualValues(t, 2, identities[0].TotalRuns)

	var history []repository.TestHistory
	require.NoError(t, client.DB().
		Where("identity_id = ?", identities[0].ID).
		Order("id ASC").
		Find(&history).Error)
	require.Len(t, history, 2)
	assert.Equal(t, repository.ChangeCreated, history[0].ChangeType)
	assert.Equal(t, repository.ChangeUpdated, history[1].ChangeType)
}
