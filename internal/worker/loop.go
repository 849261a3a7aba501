// -----------------------------------------------------------------------
// Main loop - authenticate, poll, dispatch, survive
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
)

// Loop is the worker's outer cycle: refresh liveness, claim, execute,
// submit, sleep on empty polls. Errors are logged and absorbed; an
// abandoned lease is reclaimed by peers through the timeout path.
type Loop struct {
	coord        interfaces.Coordinator
	engine       *Engine
	worker       *models.Worker
	pollInterval time.Duration
	logger       arbor.ILogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewLoop assembles the outer worker cycle
func NewLoop(coord interfaces.Coordinator, engine *Engine, w *models.Worker, pollInterval time.Duration, logger arbor.ILogger) *Loop {
	return &Loop{
		coord:        coord,
		engine:       engine,
		worker:       w,
		pollInterval: pollInterval,
		logger:       logger,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// Authenticate resolves the API key to a worker record. A nil user or a
// non-active record is fatal; the caller exits non-zero.
func Authenticate(ctx context.Context, coord interfaces.Coordinator) (*models.Worker, error) {
	w, err := coord.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with coordinator: %w", err)
	}
	if w == nil {
		return nil, ErrAuthDenied
	}
	if w.Status != models.WorkerStatusActive {
		return nil, fmt.Errorf("%w: worker %s has status %q", ErrNotActive, w.Name, w.Status)
	}
	return w, nil
}

// Run polls until ctx is cancelled
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info().
		Str("worker", l.worker.Name).
		Strs("capabilities", l.worker.Capabilities).
		Str("poll_interval", l.pollInterval.String()).
		Msg("Worker loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Worker loop stopped")
			return
		default:
		}

		if l.tick(ctx) {
			l.sleep(ctx, l.pollInterval)
		}
	}
}

// tick runs one claim-execute-submit cycle. It reports whether the loop
// should sleep before the next cycle; a completed batch polls again
// immediately.
func (l *Loop) tick(ctx context.Context) (idle bool) {
	defer func() {
		if r := recover(); r != nil {
			stack := common.GetStackTrace()
			crashFile := common.WriteCrashFile(r, stack)
			l.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("crash_file", crashFile).
				Msg("Recovered from panic in worker tick")
			idle = true
		}
	}()

	l.refreshLiveness(ctx)

	runner, batch, err := l.engine.Claim(ctx)
	if err == ErrNoWork {
		return true
	}
	if err != nil {
		l.logger.Warn().Err(err).Msg("Claim failed")
		return true
	}

	job := batch.Job()
	l.logger.Info().
		Str("stage", string(runner.Stage())).
		Str("job_id", job.ID).
		Int("batch_size", batch.Size()).
		Msg("Claimed batch")

	result, err := runner.Execute(ctx, batch)
	if err != nil {
		// Batch-fatal: abandon the lease, the timeout path reclaims it
		l.logger.Error().Err(err).Str("job_id", job.ID).Str("stage", string(runner.Stage())).Msg("Batch execution failed")
		return true
	}

	if err := runner.Submit(ctx, batch, result); err != nil {
		l.logger.Error().Err(err).Str("job_id", job.ID).Str("stage", string(runner.Stage())).Msg("Batch submit failed")
		return true
	}

	succeeded, failed := result.Counts()
	l.logger.Info().
		Str("stage", string(runner.Stage())).
		Str("job_id", job.ID).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("Batch submitted")
	return false
}

// refreshLiveness updates worker.lastSeenAt, best-effort
func (l *Loop) refreshLiveness(ctx context.Context) {
	patch := map[string]interface{}{
		"lastSeenAt": l.now().UTC().Format(time.RFC3339Nano),
	}
	if err := l.coord.UpdateByID(ctx, coordinator.CollectionWorkers, l.worker.ID, patch, nil, nil); err != nil {
		l.logger.Debug().Err(err).Msg("Failed to refresh worker liveness")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
