// -----------------------------------------------------------------------
// Heartbeat - lease extension as a side channel
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
)

// Heartbeat refreshes worker liveness and the job lease mid-handler.
// Both writes are best-effort; a failed heartbeat is logged and the
// handler keeps going. Heartbeat never touches status or claimedBy.
type Heartbeat struct {
	coord    interfaces.Coordinator
	workerID string
	logger   arbor.ILogger
	now      func() time.Time
}

// NewHeartbeat creates a heartbeat bound to one worker
func NewHeartbeat(coord interfaces.Coordinator, workerID string, logger arbor.ILogger) *Heartbeat {
	return &Heartbeat{
		coord:    coord,
		workerID: workerID,
		logger:   logger,
		now:      time.Now,
	}
}

// Beat refreshes worker.lastSeenAt and job.claimedAt
func (h *Heartbeat) Beat(ctx context.Context, stage models.JobStage, jobID string) {
	h.BeatWithProgress(ctx, stage, jobID, nil)
}

// BeatWithProgress additionally persists an intermediate cursor so a
// crash mid-batch loses less ground.
func (h *Heartbeat) BeatWithProgress(ctx context.Context, stage models.JobStage, jobID string, progress interface{}) {
	now := h.now().UTC().Format(time.RFC3339Nano)

	workerPatch := map[string]interface{}{"lastSeenAt": now}
	if err := h.coord.UpdateByID(ctx, coordinator.CollectionWorkers, h.workerID, workerPatch, nil, nil); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to refresh worker lastSeenAt")
	}

	jobPatch := map[string]interface{}{"claimedAt": now}
	if progress != nil {
		jobPatch["progress"] = progress
	}
	if err := h.coord.UpdateByID(ctx, stage.Collection(), jobID, jobPatch, nil, nil); err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Str("stage", string(stage)).Msg("Failed to refresh job lease")
	}
}
