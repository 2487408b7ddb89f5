package reporter

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/apiprobe/apiprobe/pkg/runner"
)

// Reporter consumes one completed run's in-memory result set.
type Reporter interface {
	// Name identifies the reporter in logs.
	Name() string

	// Report forwards the run report to the reporter's sink.
	Report(ctx context.Context, report *runner.RunReport) error
}

// Dispatch sends the report to every reporter in order. One reporter
// failing is logged and does not stop the others; the first error is
// returned after all reporters ran.
func Dispatch(
	ctx context.Context,
	log logrus.FieldLogger,
	reporters []Reporter,
	report *runner.RunReport,
) error {
	var firstErr error

	for _, r := range reporters {
		if err := r.Report(ctx, report); err != nil {
			log.WithError(err).WithField("reporter", r.Name()).
				Error("Reporter failed")

			if firstErr == nil {
				firstErr = fmt.Errorf("reporter %s: %w", r.Name(), err)
			}
		}
	}

	return firstErr
}
