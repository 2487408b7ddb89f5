package upload

import "context"

// Uploader pushes a run's report artifact to remote storage.
type Uploader interface {
	// Preflight verifies the remote bucket is reachable and writable, so a
	// misconfigured sink surfaces before any suite runs.
	Preflight(ctx context.Context) error

	// Upload stores the report file for the given run and returns the
	// remote object key it was written under.
	Upload(ctx context.Context, runID, localPath string) (string, error)
}
