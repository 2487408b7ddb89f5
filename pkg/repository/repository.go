package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apiprobe/apiprobe/pkg/database"
)

// ErrMissingSlug is returned by FindOrCreateTest when the caller omitted the
// slug. This is a caller bug and is never retried.
var ErrMissingSlug = errors.New("test slug is required")

// contentHashSeparator keeps "ab"+"c" and "a"+"bc" from hashing equal.
const contentHashSeparator = "\x1f"

// TestData describes one observed test for identity resolution.
type TestData struct {
	Slug        string
	Name        string
	Description string
	SuiteName   string
	FileHint    string
	Endpoint    string
	HTTPMethod  string
}

// DeletedTest identifies one identity marked deleted by deletion detection.
type DeletedTest struct {
	ID        uint   `json:"id"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	SuiteName string `json:"suite_name"`
}

// Repository resolves test identities, records immutable results, and
// detects deleted tests. It holds no state between calls; all entity
// lifecycle lives in the relational store.
type Repository interface {
	// Start probes the schema and fails fast when it is not initialized,
	// or runs migrations when auto-migrate is configured.
	Start(ctx context.Context) error

	// UpsertSuite finds or creates the suite row and bumps its last-seen
	// timestamp. Returns the suite id.
	UpsertSuite(ctx context.Context, ec ExecutionContext, name, description string) (uint, error)

	// CreateRun inserts a run row.
	CreateRun(ctx context.Context, ec ExecutionContext, run *TestRun) error

	// FindOrCreateTest resolves the identity for a slug, creating it on
	// first observation and otherwise refreshing metadata, bumping
	// counters, clearing any deletion mark, and appending history when the
	// content hash changed. Returns the identity id.
	FindOrCreateTest(ctx context.Context, ec ExecutionContext, data TestData) (uint, error)

	// CreateTestResult inserts one immutable result row and refreshes the
	// identity's last status. Results are never updated after insert.
	CreateTestResult(ctx context.Context, ec ExecutionContext, result *TestResult) error

	// MarkDeletedTests marks every identity in the exercised suites that
	// produced no result in this run as deleted, inserts a synthetic
	// "deleted" result row per victim, and annotates the run. The
	// lastSeenAt < startedAt guard avoids marking identities this very run
	// just created; it is a heuristic that can misfire under clock skew.
	MarkDeletedTests(
		ctx context.Context,
		ec ExecutionContext,
		runID uint,
		startedAt time.Time,
		presentSlugs []string,
		suiteNames []string,
	) ([]DeletedTest, error)

	// Analytics read-side queries over the immutable result log.
	Analytics
}

// Compile-time interface check.
var _ Repository = (*repository)(nil)

type repository struct {
	log    logrus.FieldLogger
	client database.Client
	auto   bool
}

// New creates a Repository on top of a connected database client.
// autoMigrate controls whether Start runs migrations when the schema is
// missing instead of failing fast.
func New(log logrus.FieldLogger, client database.Client, autoMigrate bool) Repository {
	return &repository{
		log:    log.WithField("component", "repository"),
		client: client,
		auto:   autoMigrate,
	}
}

// ContentHash computes the digest used to detect content drift between a
// test's current and previously recorded name/description.
func ContentHash(name, description string) string {
	sum := sha256.Sum256([]byte(name + contentHashSeparator + description))

	return hex.EncodeToString(sum[:])
}

// Start verifies the schema exists, running migrations only when configured
// to. Migration execution is otherwise an external concern.
func (r *repository) Start(ctx context.Context) error {
	db := r.client.DB()
	if db == nil {
		return fmt.Errorf("database client is not connected")
	}

	migrator := db.WithContext(ctx).Migrator()

	missing := make([]string, 0)

	for _, model := range allModels() {
		if !migrator.HasTable(model) {
			stmt := &gorm.Statement{DB: db}
			if err := stmt.Parse(model); err == nil {
				missing = append(missing, stmt.Schema.Table)
			}
		}
	}

	if len(missing) == 0 {
		return nil
	}

	if !r.auto {
		return fmt.Errorf(
			"schema not initialized (missing tables: %v); run migrations or enable auto_migrate",
			missing,
		)
	}

	if err := db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	r.log.WithField("tables", len(allModels())).Info("Schema migrated")

	return nil
}

// execute runs fn on the caller's transaction when participating, or wraps
// it in a new one from the client.
func (r *repository) execute(
	ctx context.Context, ec ExecutionContext, fn func(tx *gorm.DB) error,
) error {
	if ec.tx != nil {
		return fn(ec.tx)
	}

	return r.client.Transaction(ctx, fn)
}

// UpsertSuite finds or creates the suite row by name.
func (r *repository) UpsertSuite(
	ctx context.Context, ec ExecutionContext, name, description string,
) (uint, error) {
	now := time.Now().UTC()

	var suite TestSuite

	err := r.execute(ctx, ec, func(tx *gorm.DB) error {
		err := tx.Where("name = ?", name).First(&suite).Error

		switch {
		case err == nil:
			updates := map[string]any{"last_seen_at": now}
			if description != "" {
				updates["description"] = description
			}

			if err := tx.Model(&TestSuite{}).
				Where("id = ?", suite.ID).
				Updates(updates).Error; err != nil {
				return fmt.Errorf("updating suite: %w", err)
			}

			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			suite = TestSuite{
				Name:        name,
				Description: description,
				FirstSeenAt: now,
				LastSeenAt:  now,
			}

			if err := tx.Create(&suite).Error; err != nil {
				return fmt.Errorf("creating suite: %w", err)
			}

			return nil
		default:
			return fmt.Errorf("looking up suite: %w", err)
		}
	})
	if err != nil {
		return 0, err
	}

	return suite.ID, nil
}

// CreateRun inserts the run row.
func (r *repository) CreateRun(
	ctx context.Context, ec ExecutionContext, run *TestRun,
) error {
	return r.execute(ctx, ec, func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		return nil
	})
}

// FindOrCreateTest resolves or creates the identity for data.Slug.
//
// Re-running this for the same slug only updates counters and metadata; the
// unique constraint on slug means concurrent creators race to one INSERT and
// the losers surface a retryable duplicate-key failure, which the
// transactional executor turns into a retry that finds the committed row.
func (r *repository) FindOrCreateTest(
	ctx context.Context, ec ExecutionContext, data TestData,
) (uint, error) {
	if data.Slug == "" {
		return 0, ErrMissingSlug
	}

	now := time.Now().UTC()
	hash := ContentHash(data.Name, data.Description)

	var identityID uint

	err := r.execute(ctx, ec, func(tx *gorm.DB) error {
		var identity TestIdentity

		err := tx.Where("slug = ?", data.Slug).First(&identity).Error

		switch {
		case err == nil:
			identityID = identity.ID

			return r.refreshIdentity(tx, &identity, data, hash, now)
		case errors.Is(err, gorm.ErrRecordNotFound):
			id, err := r.createIdentity(tx, data, hash, now)
			if err != nil {
				return err
			}

			identityID = id

			return nil
		default:
			return fmt.Errorf("looking up identity %q: %w", data.Slug, err)
		}
	})
	if err != nil {
		return 0, err
	}

	return identityID, nil
}

// refreshIdentity updates an existing identity on re-observation: metadata,
// counters, unconditional un-delete, and a history entry when the content
// hash changed.
func (r *repository) refreshIdentity(
	tx *gorm.DB,
	identity *TestIdentity,
	data TestData,
	hash string,
	now time.Time,
) error {
	updates := map[string]any{
		"current_name":        data.Name,
		"current_description": data.Description,
		"content_hash":        hash,
		"suite_name":          data.SuiteName,
		"file_hint":           data.FileHint,
		"last_seen_at":        now,
		"total_runs":          gorm.Expr("total_runs + 1"),
		// Any observation resurrects a deleted identity.
		"deleted_at": nil,
	}

	// Endpoint and method keep their prior values unless re-supplied.
	if data.Endpoint != "" {
		updates["endpoint"] = data.Endpoint
	}

	if data.HTTPMethod != "" {
		updates["http_method"] = data.HTTPMethod
	}

	if err := tx.Model(&TestIdentity{}).
		Where("id = ?", identity.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("updating identity %q: %w", data.Slug, err)
	}

	var active TestHistory

	err := tx.Where("identity_id = ? AND valid_to IS NULL", identity.ID).
		Order("valid_from DESC").
		First(&active).Error

	switch {
	case err == nil:
		if active.ContentHash == hash {
			return nil
		}

		// Close the previous entry, then append. Closed entries are never
		// touched again.
		if err := tx.Model(&TestHistory{}).
			Where("id = ?", active.ID).
			Update("valid_to", now).Error; err != nil {
			return fmt.Errorf("closing history entry: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// No open entry; fall through and append one.
	default:
		return fmt.Errorf("looking up active history: %w", err)
	}

	entry := TestHistory{
		IdentityID:  identity.ID,
		Name:        data.Name,
		Description: data.Description,
		ContentHash: hash,
		ChangeType:  ChangeUpdated,
		ValidFrom:   now,
	}

	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("appending history entry: %w", err)
	}

	return nil
}

// createIdentity inserts a fresh identity plus its initial history entry.
func (r *repository) createIdentity(
	tx *gorm.DB, data TestData, hash string, now time.Time,
) (uint, error) {
	identity := TestIdentity{
		Slug:               data.Slug,
		ContentHash:        hash,
		CurrentName:        data.Name,
		CurrentDescription: data.Description,
		SuiteName:          data.SuiteName,
		FileHint:           data.FileHint,
		Endpoint:           data.Endpoint,
		HTTPMethod:         data.HTTPMethod,
		FirstSeenAt:        now,
		LastSeenAt:         now,
		TotalRuns:          1,
	}

	if err := tx.Create(&identity).Error; err != nil {
		// A duplicate-key failure here means a concurrent caller won the
		// INSERT race; the transactional executor retries and the lookup
		// then finds the committed row.
		return 0, fmt.Errorf("creating identity %q: %w", data.Slug, err)
	}

	entry := TestHistory{
		IdentityID:  identity.ID,
		Name:        data.Name,
		Description: data.Description,
		ContentHash: hash,
		ChangeType:  ChangeCreated,
		ValidFrom:   now,
	}

	if err := tx.Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("creating history entry: %w", err)
	}

	return identity.ID, nil
}

// CreateTestResult inserts one result row and refreshes the identity's last
// status. The result log is append-only; nothing in this package updates a
// result after insert.
func (r *repository) CreateTestResult(
	ctx context.Context, ec ExecutionContext, result *TestResult,
) error {
	return r.execute(ctx, ec, func(tx *gorm.DB) error {
		if err := tx.Create(result).Error; err != nil {
			return fmt.Errorf("creating result: %w", err)
		}

		if err := tx.Model(&TestIdentity{}).
			Where("id = ?", result.IdentityID).
			Update("last_status", result.Status).Error; err != nil {
			return fmt.Errorf("updating identity last status: %w", err)
		}

		return nil
	})
}

// MarkDeletedTests implements deletion detection, scoped to the suites that
// were actually exercised. An empty presentSlugs means the suites produced
// no results at all, so every eligible identity is marked.
func (r *repository) MarkDeletedTests(
	ctx context.Context,
	ec ExecutionContext,
	runID uint,
	startedAt time.Time,
	presentSlugs []string,
	suiteNames []string,
) ([]DeletedTest, error) {
	if len(suiteNames) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()

	var deleted []DeletedTest

	err := r.execute(ctx, ec, func(tx *gorm.DB) error {
		// The unit of work may re-run on retry; start from a clean slate.
		deleted = nil

		query := tx.
			Where("suite_name IN ?", suiteNames).
			Where("deleted_at IS NULL").
			Where("last_seen_at < ?", startedAt)

		if len(presentSlugs) > 0 {
			query = query.Where("slug NOT IN ?", presentSlugs)
		}

		var victims []TestIdentity
		if err := query.Find(&victims).Error; err != nil {
			return fmt.Errorf("finding deleted candidates: %w", err)
		}

		if len(victims) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(victims))
		for _, v := range victims {
			ids = append(ids, v.ID)
		}

		if err := tx.Model(&TestIdentity{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"deleted_at":  now,
				"last_status": StatusDeleted,
			}).Error; err != nil {
			return fmt.Errorf("marking identities deleted: %w", err)
		}

		for _, v := range victims {
			// Synthetic marker rows; not caller-reported results.
			marker := TestResult{
				RunID:       runID,
				IdentityID:  v.ID,
				Name:        v.CurrentName,
				Description: v.CurrentDescription,
				ContentHash: v.ContentHash,
				FileHint:    v.FileHint,
				Endpoint:    v.Endpoint,
				HTTPMethod:  v.HTTPMethod,
				Status:      StatusDeleted,
				DeletedAt:   &now,
			}

			if err := tx.Create(&marker).Error; err != nil {
				return fmt.Errorf("creating deletion marker for %q: %w", v.Slug, err)
			}

			deleted = append(deleted, DeletedTest{
				ID:        v.ID,
				Slug:      v.Slug,
				Name:      v.CurrentName,
				SuiteName: v.SuiteName,
			})
		}

		encoded, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("encoding deleted ids: %w", err)
		}

		if err := tx.Model(&TestRun{}).
			Where("id = ?", runID).
			Update("deleted_identity_ids", string(encoded)).Error; err != nil {
			return fmt.Errorf("annotating run: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(deleted) > 0 {
		r.log.WithFields(logrus.Fields{
			"run":   runID,
			"count": len(deleted),
		}).Info("Marked tests as deleted")
	}

	return deleted, nil
}
