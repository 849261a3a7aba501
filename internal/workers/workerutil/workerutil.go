// -----------------------------------------------------------------------
// Shared job lifecycle helpers used by every stage package
// -----------------------------------------------------------------------

package workerutil

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gleanr/gleaner/internal/events"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
)

// Start promotes a pending job to in_progress: zeroed counters, total
// computed by the builder, initial cursor, startedAt set exactly once.
// Emits the "started" event.
func Start(ctx context.Context, coord interfaces.Coordinator, sink *events.Service, job *models.Job, total int, cursor interface{}, message string) error {
	now := time.Now().UTC()
	patch := map[string]interface{}{
		"status":         string(models.JobStatusInProgress),
		"startedAt":      now.Format(time.RFC3339Nano),
		"totalItems":     total,
		"processedItems": 0,
		"errorItems":     0,
	}
	if cursor != nil {
		patch["progress"] = cursor
	}

	if err := coord.UpdateByID(ctx, job.Stage.Collection(), job.ID, patch, nil, nil); err != nil {
		return fmt.Errorf("failed to start %s job %s: %w", job.Stage, job.ID, err)
	}

	job.Status = models.JobStatusInProgress
	job.TotalItems = total
	job.ProcessedItems = 0
	job.ErrorItems = 0
	if cursor != nil {
		job.Progress = models.EncodeCursor(cursor)
	}

	sink.Started(ctx, job.Stage, job.ID, message)
	return nil
}

// Release returns the job to the pool: lease cleared, counters bumped
// by the batch's observed deltas, cursor advanced. The job stays
// in_progress and any worker may pick it up next tick.
func Release(ctx context.Context, coord interfaces.Coordinator, job *models.Job, processedDelta, errorDelta int, cursor interface{}) error {
	patch := map[string]interface{}{
		"claimedBy":      nil,
		"claimedAt":      nil,
		"processedItems": job.ProcessedItems + processedDelta,
		"errorItems":     job.ErrorItems + errorDelta,
	}
	if cursor != nil {
		patch["progress"] = cursor
	}

	if err := coord.UpdateByID(ctx, job.Stage.Collection(), job.ID, patch, nil, nil); err != nil {
		return fmt.Errorf("failed to release %s job %s: %w", job.Stage, job.ID, err)
	}
	return nil
}

// Complete terminates the job successfully, clears the lease and emits
// the "success" event.
func Complete(ctx context.Context, coord interfaces.Coordinator, sink *events.Service, job *models.Job, processedDelta, errorDelta int, message string) error {
	now := time.Now().UTC()
	patch := map[string]interface{}{
		"status":         string(models.JobStatusCompleted),
		"completedAt":    now.Format(time.RFC3339Nano),
		"claimedBy":      nil,
		"claimedAt":      nil,
		"processedItems": job.ProcessedItems + processedDelta,
		"errorItems":     job.ErrorItems + errorDelta,
	}

	if err := coord.UpdateByID(ctx, job.Stage.Collection(), job.ID, patch, nil, nil); err != nil {
		return fmt.Errorf("failed to complete %s job %s: %w", job.Stage, job.ID, err)
	}

	sink.Succeeded(ctx, job.Stage, job.ID, message)
	return nil
}

// Fail marks the job terminally failed and emits the "error" event.
// Failed jobs are never reclaimed.
func Fail(ctx context.Context, coord interfaces.Coordinator, sink *events.Service, job *models.Job, message string) error {
	now := time.Now().UTC()
	patch := map[string]interface{}{
		"status":      string(models.JobStatusFailed),
		"completedAt": now.Format(time.RFC3339Nano),
		"claimedBy":   nil,
		"claimedAt":   nil,
	}

	if err := coord.UpdateByID(ctx, job.Stage.Collection(), job.ID, patch, nil, nil); err != nil {
		return fmt.Errorf("failed to mark %s job %s failed: %w", job.Stage, job.ID, err)
	}

	sink.Error(ctx, job.Stage, job.ID, message)
	return nil
}

// Exhausted reports whether the job's scope is done after this batch
func Exhausted(job *models.Job, processedDelta, errorDelta int) bool {
	return job.ProcessedItems+processedDelta+job.ErrorItems+errorDelta >= job.TotalItems
}

// BatchSize resolves the effective batch size: the job's own
// itemsPerTick when set, the stage default otherwise.
func BatchSize(job *models.Job, stageDefault int) int {
	if job.ItemsPerTick > 0 {
		return job.ItemsPerTick
	}
	return stageDefault
}

// RawCursor returns the job's progress field, nil when unset
func RawCursor(job *models.Job) json.RawMessage {
	return job.Progress
}
