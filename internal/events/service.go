// -----------------------------------------------------------------------
// Event service - append-only event records attached to jobs
// -----------------------------------------------------------------------

package events

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
)

// eventLevels orders event types for the minimum-level filter. start
// and success always publish; the rest follow log severity.
var eventLevels = map[string]int{
	models.EventInfo:    0,
	models.EventWarning: 1,
	models.EventError:   2,
}

// Service publishes worker events to the coordinator's events
// collection. Publishing is best-effort: a failed write is logged and
// swallowed so event traffic can never fail a batch.
type Service struct {
	coord    interfaces.Coordinator
	workerID string
	minLevel int
	logger   arbor.ILogger
}

// NewService creates an event service filtered at minEventLevel
// ("info", "warning" or "error").
func NewService(coord interfaces.Coordinator, workerID, minEventLevel string, logger arbor.ILogger) *Service {
	minLevel, ok := eventLevels[minEventLevel]
	if !ok {
		minLevel = eventLevels[models.EventInfo]
	}
	return &Service{
		coord:    coord,
		workerID: workerID,
		minLevel: minLevel,
		logger:   logger,
	}
}

// Emit publishes one event linked to the given job. Pass an empty
// RecordRef for events not tied to a job.
func (s *Service) Emit(ctx context.Context, eventType, component, message string, job coordinator.RecordRef) {
	if level, leveled := eventLevels[eventType]; leveled && level < s.minLevel {
		return
	}

	event := models.Event{
		Type:      eventType,
		Level:     eventType,
		Component: component,
		Message:   message,
		Worker:    s.workerID,
	}
	if job.ID != "" {
		switch job.Kind {
		case coordinator.KindCrawlJob:
			event.CrawlJob = job.ID
		case coordinator.KindDiscoveryJob:
			event.DiscoveryJob = job.ID
		case coordinator.KindIngredientDiscoveryJob:
			event.IngredientDiscoveryJob = job.ID
		case coordinator.KindVideoDiscoveryJob:
			event.VideoDiscoveryJob = job.ID
		case coordinator.KindVideoProcessingJob:
			event.VideoProcessingJob = job.ID
		case coordinator.KindAggregationJob:
			event.AggregationJob = job.ID
		default:
			s.logger.Warn().Str("kind", string(job.Kind)).Msg("Dropping event with unknown job kind")
			return
		}
	}

	if err := s.coord.Create(ctx, coordinator.CollectionEvents, event, nil); err != nil {
		s.logger.Warn().Err(err).Str("type", eventType).Str("component", component).Msg("Failed to publish event")
	}
}

// JobRef builds the event link for a job of the given stage
func JobRef(stage models.JobStage, jobID string) coordinator.RecordRef {
	kinds := map[models.JobStage]coordinator.RecordKind{
		models.StageCrawl:               coordinator.KindCrawlJob,
		models.StageDiscovery:           coordinator.KindDiscoveryJob,
		models.StageIngredientDiscovery: coordinator.KindIngredientDiscoveryJob,
		models.StageVideoDiscovery:      coordinator.KindVideoDiscoveryJob,
		models.StageVideoProcessing:     coordinator.KindVideoProcessingJob,
		models.StageAggregation:         coordinator.KindAggregationJob,
	}
	return coordinator.RecordRef{Kind: kinds[stage], ID: jobID}
}

// Started publishes the job-started event for a stage
func (s *Service) Started(ctx context.Context, stage models.JobStage, jobID, message string) {
	s.Emit(ctx, models.EventStart, string(stage), message, JobRef(stage, jobID))
}

// Succeeded publishes the job-completed event for a stage
func (s *Service) Succeeded(ctx context.Context, stage models.JobStage, jobID, message string) {
	s.Emit(ctx, models.EventSuccess, string(stage), message, JobRef(stage, jobID))
}

// Warning publishes a warning event for a stage
func (s *Service) Warning(ctx context.Context, stage models.JobStage, jobID, message string) {
	s.Emit(ctx, models.EventWarning, string(stage), message, JobRef(stage, jobID))
}

// Error publishes an error event for a stage
func (s *Service) Error(ctx context.Context, stage models.JobStage, jobID, message string) {
	s.Emit(ctx, models.EventError, string(stage), message, JobRef(stage, jobID))
}
