// -----------------------------------------------------------------------
// Job Runner Interface - Common contract for all pipeline stages
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	"github.com/gleanr/gleaner/internal/models"
)

// Batch is one tick's worth of work extracted from a claimed job
type Batch interface {
	// Job returns the claimed job envelope the batch belongs to
	Job() *models.Job

	// Size returns the number of work items in the batch
	Size() int
}

// BatchResult is the typed outcome of executing a batch
type BatchResult interface {
	// Counts returns how many items succeeded and how many recorded an error
	Counts() (succeeded, failed int)
}

// JobRunner implements one pipeline stage: expanding a claimed job into
// a batch, executing it, and persisting the outcome.
type JobRunner interface {
	// Stage returns the pipeline stage this runner handles
	Stage() models.JobStage

	// Build transforms a claimed job into a batch. A (nil, nil) return
	// means the job had no remaining work and has been completed; the
	// claim engine treats it as "no work".
	Build(ctx context.Context, job *models.Job) (Batch, error)

	// Execute runs the batch against external collaborators. Per-item
	// failures are recorded in the result, not returned; only batch-fatal
	// conditions surface as errors.
	Execute(ctx context.Context, batch Batch) (BatchResult, error)

	// Submit persists entity changes and join records, bumps counters,
	// and releases or completes the job.
	Submit(ctx context.Context, batch Batch, result BatchResult) error
}

// Heartbeater extends a job's lease mid-handler. Both writes are
// best-effort; failures are logged, never fatal.
type Heartbeater interface {
	Beat(ctx context.Context, stage models.JobStage, jobID string)
}

// ItemWatcher flags work items that run long enough to threaten the
// lease. The returned stop function must be called when the item
// finishes; it is safe to defer.
type ItemWatcher interface {
	Watch(stage models.JobStage, jobID, item string) (stop func())
}
