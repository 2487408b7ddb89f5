package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/runner"
	"github.com/apiprobe/apiprobe/pkg/upload"
)

// jsonReporter writes the run report to a per-run directory and optionally
// uploads it to S3.
type jsonReporter struct {
	log      logrus.FieldLogger
	cfg      *config.JSONReporterConfig
	uploader upload.Uploader
}

// Compile-time interface check.
var _ Reporter = (*jsonReporter)(nil)

// NewJSON creates the JSON file reporter. uploader may be nil when upload is
// not configured.
func NewJSON(
	log logrus.FieldLogger,
	cfg *config.JSONReporterConfig,
	uploader upload.Uploader,
) Reporter {
	return &jsonReporter{
		log:      log.WithField("component", "json-reporter"),
		cfg:      cfg,
		uploader: uploader,
	}
}

func (r *jsonReporter) Name() string { return "json" }

func (r *jsonReporter) Report(ctx context.Context, report *runner.RunReport) error {
	runDir := filepath.Join(r.cfg.OutputDir, report.RunID)

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	path := filepath.Join(runDir, "report.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}

	r.log.WithField("path", path).Info("Report written")

	if r.uploader != nil {
		if _, err := r.uploader.Upload(ctx, report.RunID, path); err != nil {
			return fmt.Errorf("uploading report: %w", err)
		}
	}

	return nil
}
