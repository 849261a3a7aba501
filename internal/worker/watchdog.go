package worker

import (
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/models"
)

// ItemWatchdog warns when a single work item runs longer than a quarter
// of the lease window. A slow item is the usual precursor to a lease
// expiring under a live handler.
type ItemWatchdog struct {
	threshold time.Duration
	logger    arbor.ILogger
}

// NewItemWatchdog derives the warning threshold from the lease window
func NewItemWatchdog(jobTimeout time.Duration, logger arbor.ILogger) *ItemWatchdog {
	return &ItemWatchdog{
		threshold: jobTimeout / 4,
		logger:    logger,
	}
}

// Watch starts a timer for one item. The returned stop function must be
// called when the item finishes; it is safe to defer.
func (w *ItemWatchdog) Watch(stage models.JobStage, jobID, item string) (stop func()) {
	start := time.Now()
	timer := time.AfterFunc(w.threshold, func() {
		w.logger.Warn().
			Str("stage", string(stage)).
			Str("job_id", jobID).
			Str("item", item).
			Str("threshold", w.threshold.String()).
			Msg("Work item exceeded watchdog threshold")
	})
	return func() {
		if !timer.Stop() {
			w.logger.Debug().Str("item", item).Str("elapsed", time.Since(start).String()).Msg("Slow item finished")
		}
	}
}
