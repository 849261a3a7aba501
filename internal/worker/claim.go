// -----------------------------------------------------------------------
// Claim engine - select and atomically lease one unit of work
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
)

// candidateLimit bounds each of the three claim queries per stage
const candidateLimit = 10

// Engine selects a claimable job across the worker's capabilities and
// attempts the conditional lease update. The coordinator's hook is the
// arbiter; any rejected update just moves on to the next candidate.
type Engine struct {
	coord      interfaces.Coordinator
	worker     *models.Worker
	runners    map[models.JobStage]interfaces.JobRunner
	jobTimeout time.Duration
	logger     arbor.ILogger

	// test seams
	now  func() time.Time
	pick func(n int) int
}

// NewEngine wires the claim engine for one worker process
func NewEngine(coord interfaces.Coordinator, w *models.Worker, runners []interfaces.JobRunner, jobTimeout time.Duration, logger arbor.ILogger) *Engine {
	byStage := make(map[models.JobStage]interfaces.JobRunner, len(runners))
	for _, r := range runners {
		byStage[r.Stage()] = r
	}
	return &Engine{
		coord:      coord,
		worker:     w,
		runners:    byStage,
		jobTimeout: jobTimeout,
		logger:     logger,
		now:        time.Now,
		pick:       rand.IntN,
	}
}

// Claim returns one claimed job expanded into a batch, or ErrNoWork.
// Selection prefers jobs with explicit targets; otherwise the pick is
// uniformly random so the fleet does not converge on one job.
func (e *Engine) Claim(ctx context.Context) (interfaces.JobRunner, interfaces.Batch, error) {
	candidates, err := e.gatherCandidates(ctx)
	if err != nil {
		return nil, nil, err
	}

	for len(candidates) > 0 {
		idx := e.selectCandidate(candidates)
		job := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)

		claimed, err := e.attemptClaim(ctx, job)
		if err != nil {
			e.logger.Debug().Err(err).Str("job_id", job.ID).Str("stage", string(job.Stage)).Msg("Claim rejected, trying next candidate")
			continue
		}

		runner := e.runners[claimed.Stage]
		batch, err := runner.Build(ctx, claimed)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build batch for %s job %s: %w", claimed.Stage, claimed.ID, err)
		}
		if batch == nil {
			// Builder found nothing left and completed the job
			e.logger.Info().Str("job_id", claimed.ID).Str("stage", string(claimed.Stage)).Msg("Job had no remaining work")
			continue
		}
		return runner, batch, nil
	}

	return nil, nil, ErrNoWork
}

// gatherCandidates unions the released, stale and pending queries of
// every stage this worker can handle, deduplicated by id.
func (e *Engine) gatherCandidates(ctx context.Context) ([]*models.Job, error) {
	now := e.now()
	staleBefore := now.Add(-e.jobTimeout)

	var candidates []*models.Job
	seen := make(map[string]bool)

	for _, stage := range models.AllStages {
		if _, ok := e.runners[stage]; !ok {
			continue
		}
		if !e.worker.CanHandle(stage) {
			continue
		}

		queries := []coordinator.FindParams{
			// Released between batches
			{Where: whereP(coordinator.And(
				coordinator.Eq("status", string(models.JobStatusInProgress)),
				coordinator.Exists("claimedBy", false),
			)), Limit: candidateLimit},
			// Stale lease
			{Where: whereP(coordinator.And(
				coordinator.Eq("status", string(models.JobStatusInProgress)),
				coordinator.Exists("claimedBy", true),
				coordinator.Where{Field: "claimedAt", Op: coordinator.OpLessThanEqual, Value: staleBefore},
			)), Limit: candidateLimit},
			// Fresh pending, oldest first
			{Where: whereP(coordinator.Eq("status", string(models.JobStatusPending))), Limit: candidateLimit, Sort: "createdAt"},
		}

		for _, params := range queries {
			list, err := e.coord.Find(ctx, stage.Collection(), params)
			if err != nil {
				return nil, fmt.Errorf("failed to query %s: %w", stage.Collection(), err)
			}
			jobs, err := coordinator.DecodeDocs[models.Job](list)
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s candidates: %w", stage.Collection(), err)
			}
			for i := range jobs {
				key := string(stage) + "/" + jobs[i].ID
				if seen[key] {
					continue
				}
				seen[key] = true
				jobs[i].Stage = stage
				candidates = append(candidates, &jobs[i])
			}
		}
	}

	return candidates, nil
}

// selectCandidate returns the index to try next: the first
// selected-target job when any exists, else a uniformly random index.
func (e *Engine) selectCandidate(candidates []*models.Job) int {
	for i, job := range candidates {
		if job.IsSelectedTarget() {
			return i
		}
	}
	if len(candidates) == 1 {
		return 0
	}
	return e.pick(len(candidates))
}

// attemptClaim performs the conditional lease update. Any error counts
// as a lost race; error bodies are never interpreted.
func (e *Engine) attemptClaim(ctx context.Context, job *models.Job) (*models.Job, error) {
	now := e.now().UTC()
	patch := map[string]interface{}{
		"claimedBy": e.worker.ID,
		"claimedAt": now.Format(time.RFC3339Nano),
	}
	headers := http.Header{
		coordinator.LeaseTimeoutHeader: {strconv.FormatInt(e.jobTimeout.Milliseconds(), 10)},
	}

	var claimed models.Job
	if err := e.coord.UpdateByID(ctx, job.Stage.Collection(), job.ID, patch, headers, &claimed); err != nil {
		return nil, err
	}
	claimed.Stage = job.Stage
	return &claimed, nil
}

func whereP(w coordinator.Where) *coordinator.Where {
	return &w
}
