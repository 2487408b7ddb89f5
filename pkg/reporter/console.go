package reporter

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/runner"
)

// consoleReporter logs a run summary, and per-test lines when verbose.
type consoleReporter struct {
	log logrus.FieldLogger
	cfg *config.ConsoleReporterConfig
}

// Compile-time interface check.
var _ Reporter = (*consoleReporter)(nil)

// NewConsole creates the console reporter.
func NewConsole(log logrus.FieldLogger, cfg *config.ConsoleReporterConfig) Reporter {
	return &consoleReporter{
		log: log.WithField("component", "console-reporter"),
		cfg: cfg,
	}
}

func (r *consoleReporter) Name() string { return "console" }

func (r *consoleReporter) Report(_ context.Context, report *runner.RunReport) error {
	for i := range report.Suites {
		suite := &report.Suites[i]
		total, passed, failed, skipped := suite.Counts()

		log := r.log.WithFields(logrus.Fields{
			"suite":   suite.Suite,
			"total":   total,
			"passed":  passed,
			"failed":  failed,
			"skipped": skipped,
		})

		if failed > 0 {
			log.Warn("Suite finished with failures")
		} else {
			log.Info("Suite finished")
		}

		if !r.cfg.Verbose {
			continue
		}

		for _, o := range suite.Outcomes {
			line := r.log.WithFields(logrus.Fields{
				"test":     o.Slug,
				"status":   o.Status,
				"duration": o.Duration,
			})

			if o.Status == runner.StatusFailed {
				line.WithField("error", o.ErrorMessage).Warn(o.Name)
			} else {
				line.Info(o.Name)
			}
		}
	}

	total, passed, failed, skipped := report.TotalCounts()

	r.log.WithFields(logrus.Fields{
		"run":     report.RunID,
		"total":   total,
		"passed":  passed,
		"failed":  failed,
		"skipped": skipped,
	}).Info("Run summary")

	return nil
}
