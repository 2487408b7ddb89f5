package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Analytics exposes read-only aggregation queries over the immutable result
// log. These never touch the write path.
type Analytics interface {
	// RecentRuns returns the most recent runs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]TestRun, error)

	// SuiteSuccessRates aggregates pass rates per suite across all runs.
	SuiteSuccessRates(ctx context.Context) ([]SuiteSuccessRate, error)

	// FlakyTests returns tests that both passed and failed within the most
	// recent runWindow runs.
	FlakyTests(ctx context.Context, runWindow int) ([]FlakyTest, error)

	// Regressions returns tests whose most recent result is a failure
	// preceded directly by a pass.
	Regressions(ctx context.Context) ([]Regression, error)

	// DeletedTests returns identities currently marked deleted.
	DeletedTests(ctx context.Context) ([]TestIdentity, error)

	// TestTimeline returns the history entries for a slug, oldest first.
	TestTimeline(ctx context.Context, slug string) ([]TestHistory, error)
}

// SuiteSuccessRate aggregates one suite's run outcomes.
type SuiteSuccessRate struct {
	SuiteID     uint    `json:"suite_id"`
	SuiteName   string  `json:"suite_name"`
	Runs        int64   `json:"runs"`
	TotalTests  int64   `json:"total_tests"`
	TotalPassed int64   `json:"total_passed"`
	TotalFailed int64   `json:"total_failed"`
	SuccessRate float64 `json:"success_rate"`
}

// FlakyTest is a test with mixed outcomes inside the observation window.
type FlakyTest struct {
	IdentityID uint   `json:"identity_id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	SuiteName  string `json:"suite_name"`
	PassCount  int64  `json:"pass_count"`
	FailCount  int64  `json:"fail_count"`
}

// Regression is a test that flipped from passing to failing on its most
// recent observation.
type Regression struct {
	IdentityID uint   `json:"identity_id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	SuiteName  string `json:"suite_name"`
	FailedRun  uint   `json:"failed_run"`
}

func (r *repository) RecentRuns(ctx context.Context, limit int) ([]TestRun, error) {
	if limit <= 0 {
		limit = 20
	}

	var runs []TestRun
	if err := r.client.DB().WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing recent runs: %w", err)
	}

	return runs, nil
}

func (r *repository) SuiteSuccessRates(ctx context.Context) ([]SuiteSuccessRate, error) {
	var rates []SuiteSuccessRate

	err := r.client.DB().WithContext(ctx).
		Model(&TestRun{}).
		Select(`test_suites.id AS suite_id,
			test_suites.name AS suite_name,
			COUNT(test_runs.id) AS runs,
			SUM(test_runs.total_tests) AS total_tests,
			SUM(test_runs.passed) AS total_passed,
			SUM(test_runs.failed) AS total_failed`).
		Joins("JOIN test_suites ON test_suites.id = test_runs.suite_id").
		Group("test_suites.id, test_suites.name").
		Order("test_suites.name ASC").
		Scan(&rates).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating suite success rates: %w", err)
	}

	for i := range rates {
		if rates[i].TotalTests > 0 {
			rates[i].SuccessRate =
				float64(rates[i].TotalPassed) / float64(rates[i].TotalTests)
		}
	}

	return rates, nil
}

func (r *repository) FlakyTests(ctx context.Context, runWindow int) ([]FlakyTest, error) {
	if runWindow <= 0 {
		runWindow = 10
	}

	var flaky []FlakyTest

	err := r.client.DB().WithContext(ctx).
		Model(&TestResult{}).
		Select(`test_identities.id AS identity_id,
			test_identities.slug AS slug,
			test_identities.current_name AS name,
			test_identities.suite_name AS suite_name,
			SUM(CASE WHEN test_results.status = ? THEN 1 ELSE 0 END) AS pass_count,
			SUM(CASE WHEN test_results.status = ? THEN 1 ELSE 0 END) AS fail_count`,
			StatusPassed, StatusFailed).
		Joins("JOIN test_identities ON test_identities.id = test_results.identity_id").
		Where("test_results.run_id IN (?)",
			r.client.DB().Model(&TestRun{}).
				Select("id").
				Order("id DESC").
				Limit(runWindow),
		).
		Group("test_identities.id, test_identities.slug, test_identities.current_name, test_identities.suite_name").
		Having(`SUM(CASE WHEN test_results.status = ? THEN 1 ELSE 0 END) > 0
			AND SUM(CASE WHEN test_results.status = ? THEN 1 ELSE 0 END) > 0`,
			StatusPassed, StatusFailed).
		Scan(&flaky).Error
	if err != nil {
		return nil, fmt.Errorf("finding flaky tests: %w", err)
	}

	return flaky, nil
}

func (r *repository) Regressions(ctx context.Context) ([]Regression, error) {
	// Candidates: identities currently failing.
	var failing []TestIdentity
	if err := r.client.DB().WithContext(ctx).
		Where("last_status = ?", StatusFailed).
		Where("deleted_at IS NULL").
		Find(&failing).Error; err != nil {
		return nil, fmt.Errorf("finding failing identities: %w", err)
	}

	regressions := make([]Regression, 0)

	for _, identity := range failing {
		var lastTwo []TestResult

		err := r.client.DB().WithContext(ctx).
			Where("identity_id = ?", identity.ID).
			Where("status IN ?", []string{StatusPassed, StatusFailed}).
			Order("id DESC").
			Limit(2).
			Find(&lastTwo).Error
		if err != nil {
			return nil, fmt.Errorf("loading results for %q: %w", identity.Slug, err)
		}

		if len(lastTwo) == 2 &&
			lastTwo[0].Status == StatusFailed &&
			lastTwo[1].Status == StatusPassed {
			regressions = append(regressions, Regression{
				IdentityID: identity.ID,
				Slug:       identity.Slug,
				Name:       identity.CurrentName,
				SuiteName:  identity.SuiteName,
				FailedRun:  lastTwo[0].RunID,
			})
		}
	}

	return regressions, nil
}

func (r *repository) DeletedTests(ctx context.Context) ([]TestIdentity, error) {
	var deleted []TestIdentity
	if err := r.client.DB().WithContext(ctx).
		Where("deleted_at IS NOT NULL").
		Order("deleted_at DESC").
		Find(&deleted).Error; err != nil {
		return nil, fmt.Errorf("listing deleted tests: %w", err)
	}

	return deleted, nil
}

func (r *repository) TestTimeline(ctx context.Context, slug string) ([]TestHistory, error) {
	var identity TestIdentity

	err := r.client.DB().WithContext(ctx).
		Where("slug = ?", slug).
		First(&identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("unknown test slug %q", slug)
		}

		return nil, fmt.Errorf("looking up identity: %w", err)
	}

	var entries []TestHistory
	if err := r.client.DB().WithContext(ctx).
		Where("identity_id = ?", identity.ID).
		Order("valid_from ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}

	return entries, nil
}
