package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/database"
	"github.com/apiprobe/apiprobe/pkg/repository"
)

func setupTestRepo(t *testing.T) (repository.Repository, database.Client) {
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

	return repo, client
}

func testData(slug, name, description string) repository.TestData {
	return repository.TestData{
		Slug:        slug,
		Name:        name,
		Description: description,
		SuiteName:   "checkout",
		FileHint:    "checkout.yaml",
		Endpoint:    "/v1/orders",
		HTTPMethod:  "POST",
	}
}

func TestRepository_StartFailsWithoutSchema(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		Pool:   config.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	client := database.NewClient(log, cfg)
	require.NoError(t, client.Connect(context.Background()))

	t.Cleanup(func() { _ = client.Close() })

	// Without auto-migrate an uninitialized schema is a hard error.
	repo := repository.New(log, client, false)
	err := repo.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema not initialized")
}

func TestRepository_UpsertSuite(t *testing.T) {
	repo, client := setupTestRepo(t)
	ctx := context.Background()
	ec := repository.NewTransaction()

	id, err := repo.UpsertSuite(ctx, ec, "checkout", "checkout flows")
	require.NoError(t, err)
	require.NotZero(t, id)

	var created repository.TestSuite
	require.NoError(t, client.DB().First(&created, id).Error)

	// Re-upserting finds the same row and bumps last_seen_at.
	again, err := repo.UpsertSuite(ctx, ec, "checkout", "")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	var updated repository.TestSuite
	require.NoError(t, client.DB().First(&updated, id).Error)
	assert.Equal(t, "checkout flows", updated.Description)
	assert.False(t, updated.LastSeenAt.Before(created.LastSeenAt))

	var count int64
	require.NoError(t, client.DB().Model(&repository.TestSuite{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRepository_FindOrCreateTest_RequiresSlug(t *testing.T) {
	repo, _ := setupTestRepo(t)

	_, err := repo.FindOrCreateTest(
		context.Background(), repository.NewTransaction(),
		repository.TestData{Name: "no slug"},
	)
	require.ErrorIs(t, err, repository.ErrMissingSlug)
}

func TestRepository_FindOrCreateTest_SameContent(t *testing.T) {
	repo, client := setupTestRepo(t)
	ctx := context.Background()
	ec := repository.NewTransaction()

	data := testData("checkout/create-order", "create order", "happy path")

	first, err := repo.FindOrCreateTest(ctx, ec, data)
	require.NoError(t, err)

	second, err := repo.FindOrCreateTest(ctx, ec, data)
	require.NoError(t, err)

	// Same slug resolves to the same identity; the run counter advances.
	assert.Equal(t, first, second)

	var identity repository.TestIdentity
	require.NoError(t, client.DB().First(&identity, first).Error)
	assert.EqualValues(t, 2, identity.TotalRuns)
	assert.Equal(t, "create order", identity.CurrentName)

	// Unchanged content appends no history beyond the creation entry.
	var history []repository.TestHistory
	require.NoError(t, client.DB().
		Where("identity_id = ?", first).
		Find(&history).Error)
	require.Len(t, history, 1)
	assert.Equal(t, repository.ChangeCreated, history[0].ChangeType)
	assert.Nil(t, history[0].ValidTo)
}

func TestRepository_FindOrCreateTest_ContentChangeAppendsHistory(t *testing.T) {
	repo, client := setupTestRepo(t)
	ctx := context.Background()
	ec := repository.NewTransaction()

	id, err := repo.FindOrCreateTest(ctx, ec,
		testData("checkout/create-order", "create order", "happy path"))
	require.NoError(t, err)

	// Same slug, edited description: the identity survives, history grows.
	_, err = repo.FindOrCreateTest(ctx, ec,
		testData("checkout/create-order", "create order", "happy path with coupon"))
	require.NoError(t, err)

	var identity repository.TestIdentity
	require.NoError(t, client.DB().First(&identity, id).Error)
	assert.Equal(t, "happy path with coupon", identity.CurrentDescription)
	assert.Equal(t,
		repository.ContentHash("create order", "happy path with coupon"),
		identity.ContentHash)

	var history []repository.TestHistory
	require.NoError(t, client.DB().
		Where("identity_id = ?", id).
		Order("id ASC").
		Find(&history).Error)
	require.Len(t, history, 2)

	// The old entry is closed, the new one is active.
	assert.Equal(t, repository.ChangeCreated, history[0].ChangeType)
	assert.NotNil(t, history[0].ValidTo)
	assert.Equal(t, repository.ChangeUpdated, history[1].ChangeType)
	assert.Nil(t, history[1].ValidTo)
}

func TestRepository_FindOrCreateTest_KeepsEndpointWhenOmitted(t *testing.T) {
	repo, client := setupTestRepo(t)
	ctx := context.Background()
	ec := repository.NewTransaction()

	id, err := repo.FindOrCreateTest(ctx, ec,
		testData("checkout/create-order", "create order", "happy path"))
	require.NoError(t, err)

	next := testData("checkout/create-order", "create order", "happy path")
	next.Endpoint = ""
	next.HTTPMethod = ""

	_, err = repo.FindOrCreateTest(ctx, ec, next)
	require.NoError(t, err)

	var identity repository.TestIdentity
	require.NoError(t, client.DB().First(&identity, id).Error)
	assert.Equal(t, "/v1/orders", identity.Endpoint)
	assert.Equal(t, "POST", identity.HTTPMethod)
}

func TestRepository_FindOrCreateTest_ConcurrentSameSlug(t *testing.T) {
	repo, client := setupTestRepo(t)
	ctx := context.Background()

	// Concurrent creators race to one INSERT on the slug's unique index; the
	// losers retry and must resolve to the winner's row.
	const workers = 4

	ids := make([]uint, workers)

	var g errgroup.Group

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			id, err := repo.FindOrCreateTest(ctx, repository.NewTransaction(),
				testData("checkout/concurrent", "concurrent", ""))
			if err != nil {
				return err
			}

			ids[i] = id

			return nil
		})
	}

	require.NoError(t, g.Wait())

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}

	var count int64
	require.NoError(t, client.DB().
		Model(&repository.TestIdentity{}).
		Where("slug = ?", "checkout/concurrent").
		Count(&count).Error)
	assert.EqualValues(t, 1, count)

	var identity repository.TestIdentity
	require.NoError(t, client.DB().
		Where("slug = ?", "checkout/concurrent").
		First(&identity).Error)
	assert.EqualValues(t, workers, identity.TotalRuns)
}

func TestRepository_CreateTestResult(t *testing.T) {
	repo, client := setupTestRepo(t)
	ctx := context.Background()
	ec := repository.NewTransaction()

	suiteID, err := repo.UpsertSuite(ctx, ec, "checkout", "")
	require.NoError(t, err)

	run := &repository.TestRun{SuiteID: suiteID, StartedAt: time.Now().UTC()}
	require.NoError(t, repo.CreateRun(ctx, ec, run))
	require.NotZero(t, run.ID)

	id, err := repo.FindOrCreateTest(ctx, ec,
		testData("checkout/create-order", "create order", ""))
	require.NoError(t, err)

	result := &repository.TestResult{
		RunID:      run.ID,
		IdentityID: id,
		Name:       "create order",
		Status:     repository.StatusFailed,
		DurationMs: 42,
	}
	require.NoError(t, repo.CreateTestResult(ctx, ec, result))

	var identity repository.TestIdentity
	require.NoError(t, client.DB().First(&identity, id).Error)
	assert.Equal(t, repository.StatusFailed, identity.LastStatus)
}

func TestRepository_MarkDeletedTests(t *testing.T) {
	repo, client := setupTestRepo(t)
	ctx := context.Background()
	ec := repository.NewTransaction()

	suiteID, err := repo.UpsertSuite(ctx, ec, "checkout", "")
	require.NoError(t, err)

	keptID, err := repo.FindOrCreateTest(ctx, ec,
		testData("checkout/kept", "kept test", ""))
	require.NoError(t, err)

	goneID, err := repo.FindOrCreateTest(ctx, ec,
		testData("checkout/gone", "gone test", ""))
	require.NoError(t, err)

	// A later run in which only "kept" appeared.
	startedAt := time.Now().UTC().Add(time.Minute)

	run := &repository.TestRun{SuiteID: suiteID, StartedAt: startedAt}
	require.NoError(t, repo.CreateRun(ctx, ec, run))

	deleted, err := repo.MarkDeletedTests(ctx, ec, run.ID, startedAt,
		[]string{"checkout/kept"}, []string{"checkout"})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "checkout/gone", deleted[0].Slug)

	var gone repository.TestIdentity
	require.NoError(t, client.DB().First(&gone, goneID).Error)
	require.NotNil(t, gone.DeletedAt)
	assert.Equal(t, repository.StatusDeleted, gone.LastStatus)

	var kept repository.TestIdentity
	require.NoError(t, client.DB().First(&kept, keptID).Error)
	assert.Nil(t, kept.DeletedAt)

	// Deletion leaves a synthetic marker row in the result log.
	var marker repository.TestResult
	require.NoError(t, client.DB().
		Where("identity_id = ? AND status = ?", goneID, repository.StatusDeleted).
		First(&marker).Error)
	assert.Equal(t, run.ID, marker.RunID)
	assert.NotNil(t, marker.DeletedAt)

	// The run is annotated with the victims.
	var annotated repository.TestRun
	require.NoError(t, client.DB().First(&annotated, run.ID).Error)
	assert.JSONEq(t, `[`+itoa(goneID)+`]`, annotated.DeletedIdentityIDs)
}

func TestRepository_MarkDeletedTests_SuiteScoped(t *testing.T) {
	repo, client := setupTestRepo(t)
	ctx := context.Background()
	ec := repository.NewTransaction()

	otherData := testData("billing/invoice", "invoice", "")
	otherData.SuiteName = "billing"

	otherID, err := repo.FindOrCreateTest(ctx, ec, otherData)
	require.NoError(t, err)

	_, err = repo.FindOrCreateTest(ctx, ec,
		testData("checkout/gone", "gone test", ""))
	require.NoError(t, err)

	startedAt := time.Now().UTC().Add(time.Minute)

	// Deleting within "checkout" must not touch the "billing" identity even
	// though it produced no result either.
	deleted, err := repo.MarkDeletedTests(ctx, ec, 1, startedAt,
		nil, []string{"checkout"})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "checkout/gone", deleted[0].Slug)

	var other repository.TestIdentity
	require.NoError(t, client.DB().First(&other, otherID).Error)
	assert.Nil(t, other.DeletedAt)
}

func TestRepository_MarkDeletedTests_NoSuitesIsNoop(t *testing.T) {
	repo, _ := setupTestRepo(t)

	deleted, err := repo.MarkDeletedTests(
		context.Background(), repository.NewTransaction(),
		1, time.Now().UTC(), nil, nil,
	)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestRepository_MarkDeletedTests_GuardsFreshIdentities(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()
	ec := repository.NewTransaction()

	_, err := repo.FindOrCreateTest(ctx, ec,
		testData("checkout/fresh", "fresh test", ""))
	require.NoError(t, err)

	// startedAt before the identity was last seen: the guard keeps it alive
	// even though it is not in presentSlugs.
	startedAt := time.Now().UTC().Add(-time.Minute)

	deleted, err := repo.MarkDeletedTests(ctx, ec, 1, startedAt,
		nil, []string{"checkout"})
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestRepository_Resurrection(t *testing.T) {
	repo, client := setupTestRepo(t)
	ctx := context.Background()
	ec := repository.NewTransaction()

	data := testData("checkout/phoenix", "phoenix", "")

	id, err := repo.FindOrCreateTest(ctx, ec, data)
	require.NoError(t, err)

	startedAt := time.Now().UTC().Add(time.Minute)

	deleted, err := repo.MarkDeletedTests(ctx, ec, 1, startedAt,
		nil, []string{"checkout"})
	require.NoError(t, err)
	require.Len(t, deleted, 1)

	// Observing the slug again resurrects the same identity.
	again, err := repo.FindOrCreateTest(ctx, ec, data)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	var identity repository.TestIdentity
	require.NoError(t, client.DB().First(&identity, id).Error)
	assert.Nil(t, identity.DeletedAt)
	assert.EqualValues(t, 2, identity.TotalRuns)
}

func TestContentHash(t *testing.T) {
	a := repository.ContentHash("create order", "happy path")
	b := repository.ContentHash("create order", "happy path")
	c := repository.ContentHash("create order", "sad path")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	// The separator keeps ("ab", "c") and ("a", "bc") distinct.
	assert.NotEqual(t,
		repository.ContentHash("ab", "c"),
		repository.ContentHash("a", "bc"))
}

func itoa(v uint) string {
	return fmt.Sprintf("%d", v)
}
