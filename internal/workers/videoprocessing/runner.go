// -----------------------------------------------------------------------
// Video-processing stage - transcribe videos and extract product mentions
// -----------------------------------------------------------------------

package videoprocessing

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/events"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
	"github.com/gleanr/gleaner/internal/workers/workerutil"
)

// productCandidateLimit bounds the name list offered to the matcher
const productCandidateLimit = 100

// Runner implements the video-processing stage. There is no cursor: the
// work queue is re-derived each tick from unprocessed videos in scope.
// Persisting deletes prior snippets and mentions first, so re-running a
// video converges to the same state.
type Runner struct {
	coord        interfaces.Coordinator
	sink         *events.Service
	heartbeat    interfaces.Heartbeater
	watchdog     interfaces.ItemWatcher
	transcriber  interfaces.Transcriber
	matcher      interfaces.Matcher
	itemsPerTick int
	logger       arbor.ILogger
}

// NewRunner wires the video-processing stage. Transcription is the
// pipeline's slowest item, so each video runs under the item watchdog.
func NewRunner(coord interfaces.Coordinator, sink *events.Service, heartbeat interfaces.Heartbeater, watchdog interfaces.ItemWatcher, transcriber interfaces.Transcriber, matcher interfaces.Matcher, itemsPerTick int, logger arbor.ILogger) *Runner {
	return &Runner{
		coord:        coord,
		sink:         sink,
		heartbeat:    heartbeat,
		watchdog:     watchdog,
		transcriber:  transcriber,
		matcher:      matcher,
		itemsPerTick: itemsPerTick,
		logger:       logger,
	}
}

func (r *Runner) Stage() models.JobStage {
	return models.StageVideoProcessing
}

// Batch is this tick's slice of unprocessed videos
type Batch struct {
	job   *models.Job
	items []models.Video
}

func (b *Batch) Job() *models.Job { return b.job }
func (b *Batch) Size() int        { return len(b.items) }

// ItemResult is the transcript and mention analysis for one video
type ItemResult struct {
	Video    models.Video
	Segments []interfaces.TranscriptSegment
	Mentions []interfaces.ProductMention
	Err      string
}

// Result carries per-video outcomes in input order
type Result struct {
	Items []ItemResult
}

func (r *Result) Counts() (int, int) {
	succeeded, failed := 0, 0
	for _, item := range r.Items {
		if item.Err == "" {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Build derives this tick's queue from the videos collection
func (r *Runner) Build(ctx context.Context, job *models.Job) (interfaces.Batch, error) {
	var payload models.VideoProcessingJob
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}

	where := r.scopeWhere(&payload)

	if job.Status == models.JobStatusPending {
		total, err := r.coord.Count(ctx, coordinator.CollectionVideos, where)
		if err != nil {
			return nil, fmt.Errorf("failed to count processing scope: %w", err)
		}
		message := fmt.Sprintf("Video processing started: %d videos in scope", total)
		if err := workerutil.Start(ctx, r.coord, r.sink, job, total, nil, message); err != nil {
			return nil, err
		}
	}

	list, err := r.coord.Find(ctx, coordinator.CollectionVideos, coordinator.FindParams{
		Where: where,
		Limit: workerutil.BatchSize(job, r.itemsPerTick),
		Sort:  "createdAt",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed videos: %w", err)
	}
	videos, err := coordinator.DecodeDocs[models.Video](list)
	if err != nil {
		return nil, err
	}

	if len(videos) == 0 {
		message := fmt.Sprintf("Video processing finished: %d processed, %d errors", job.ProcessedItems, job.ErrorItems)
		if err := workerutil.Complete(ctx, r.coord, r.sink, job, 0, 0, message); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &Batch{job: job, items: videos}, nil
}

// scopeWhere filters the videos collection by the job's target set
func (r *Runner) scopeWhere(payload *models.VideoProcessingJob) *coordinator.Where {
	unprocessed := coordinator.Eq("status", models.VideoUnprocessed)

	switch {
	case payload.Video != "":
		where := coordinator.And(coordinator.Eq("id", payload.Video), unprocessed)
		return &where
	case len(payload.URLs) > 0:
		where := coordinator.And(coordinator.In("url", payload.URLs), unprocessed)
		return &where
	default:
		return &unprocessed
	}
}

// Execute transcribes and analyzes each video sequentially
func (r *Runner) Execute(ctx context.Context, batch interfaces.Batch) (interfaces.BatchResult, error) {
	b, ok := batch.(*Batch)
	if !ok {
		return nil, fmt.Errorf("video-processing runner received foreign batch type %T", batch)
	}

	result := &Result{Items: make([]ItemResult, 0, len(b.items))}
	for _, video := range b.items {
		r.heartbeat.Beat(ctx, models.StageVideoProcessing, b.job.ID)
		stop := r.watchdog.Watch(models.StageVideoProcessing, b.job.ID, video.URL)

		item := ItemResult{Video: video}
		segments, err := r.transcriber.Transcribe(ctx, video.URL)
		if err != nil {
			stop()
			item.Err = err.Error()
			r.logger.Warn().Err(err).Str("url", video.URL).Msg("Transcription failed")
			result.Items = append(result.Items, item)
			continue
		}
		item.Segments = segments

		r.heartbeat.Beat(ctx, models.StageVideoProcessing, b.job.ID)

		mentions, err := r.matcher.AnalyzeTranscript(ctx, segments)
		stop()
		if err != nil {
			item.Err = err.Error()
			r.logger.Warn().Err(err).Str("url", video.URL).Msg("Transcript analysis failed")
			result.Items = append(result.Items, item)
			continue
		}
		item.Mentions = mentions
		result.Items = append(result.Items, item)
	}
	return result, nil
}

// Submit persists each video's snippets and mentions with
// delete-then-recreate semantics, then marks the video processed.
func (r *Runner) Submit(ctx context.Context, batch interfaces.Batch, batchResult interfaces.BatchResult) error {
	b := batch.(*Batch)
	res := batchResult.(*Result)

	for i := range res.Items {
		item := &res.Items[i]
		snippets, mentions := 0, 0
		if item.Err == "" {
			var err error
			snippets, mentions, err = r.persistVideo(ctx, item)
			if err != nil {
				// A persist failure counts against the item
				item.Err = err.Error()
				r.logger.Warn().Err(err).Str("video_id", item.Video.ID).Msg("Video persist failed")
			}
		}

		record := models.VideoProcessingResult{
			Job:          b.job.ID,
			Video:        item.Video.ID,
			SnippetCount: snippets,
			MentionCount: mentions,
			Error:        item.Err,
		}
		if err := r.coord.Create(ctx, coordinator.CollectionVideoProcessingResults, record, nil); err != nil {
			return fmt.Errorf("failed to write video-processing result: %w", err)
		}
	}

	succeeded, failed := res.Counts()
	if workerutil.Exhausted(b.job, succeeded, failed) {
		message := fmt.Sprintf("Video processing finished: %d processed, %d errors",
			b.job.ProcessedItems+succeeded, b.job.ErrorItems+failed)
		return workerutil.Complete(ctx, r.coord, r.sink, b.job, succeeded, failed, message)
	}
	return workerutil.Release(ctx, r.coord, b.job, succeeded, failed, nil)
}

// persistVideo replaces the video's snippets and mentions and flips its
// status to processed.
func (r *Runner) persistVideo(ctx context.Context, item *ItemResult) (int, int, error) {
	videoID := item.Video.ID

	// Re-processing semantics: wipe earlier output first
	if err := r.coord.Delete(ctx, coordinator.CollectionMentions, coordinator.Eq("video", videoID)); err != nil {
		return 0, 0, fmt.Errorf("failed to delete prior mentions of %s: %w", videoID, err)
	}
	if err := r.coord.Delete(ctx, coordinator.CollectionSnippets, coordinator.Eq("video", videoID)); err != nil {
		return 0, 0, fmt.Errorf("failed to delete prior snippets of %s: %w", videoID, err)
	}

	snippetIDs := make([]string, len(item.Segments))
	for i, segment := range item.Segments {
		var created models.Snippet
		doc := models.Snippet{
			Video:    videoID,
			StartSec: segment.StartSec,
			EndSec:   segment.EndSec,
			Text:     segment.Text,
		}
		if err := r.coord.Create(ctx, coordinator.CollectionSnippets, doc, &created); err != nil {
			return 0, 0, fmt.Errorf("failed to create snippet for %s: %w", videoID, err)
		}
		snippetIDs[i] = created.ID
	}

	mentionCount := 0
	for _, mention := range item.Mentions {
		if mention.SegmentIndex < 0 || mention.SegmentIndex >= len(snippetIDs) {
			r.logger.Warn().Int("segment", mention.SegmentIndex).Str("video_id", videoID).Msg("Mention references unknown segment")
			continue
		}

		productID, err := r.resolveProduct(ctx, mention)
		if err != nil {
			return 0, mentionCount, err
		}

		doc := models.Mention{
			Snippet:   snippetIDs[mention.SegmentIndex],
			Video:     videoID,
			Product:   productID,
			RawName:   mention.RawName,
			Sentiment: mention.Sentiment,
		}
		if err := r.coord.Create(ctx, coordinator.CollectionMentions, doc, nil); err != nil {
			return 0, mentionCount, fmt.Errorf("failed to create mention for %s: %w", videoID, err)
		}
		mentionCount++
	}

	patch := map[string]interface{}{"status": models.VideoProcessed}
	if err := r.coord.UpdateByID(ctx, coordinator.CollectionVideos, videoID, patch, nil, nil); err != nil {
		return 0, 0, fmt.Errorf("failed to mark video %s processed: %w", videoID, err)
	}
	return len(snippetIDs), mentionCount, nil
}

// resolveProduct maps a mention to a product id: by GTIN when present,
// else by the matcher against known product names. An unresolvable
// mention keeps an empty product reference.
func (r *Runner) resolveProduct(ctx context.Context, mention interfaces.ProductMention) (string, error) {
	if mention.GTIN != "" {
		where := coordinator.Eq("gtin", mention.GTIN)
		list, err := r.coord.Find(ctx, coordinator.CollectionProductVariants, coordinator.FindParams{Where: &where, Limit: 1})
		if err != nil {
			return "", fmt.Errorf("failed to look up GTIN %s: %w", mention.GTIN, err)
		}
		if len(list.Docs) > 0 {
			variants, err := coordinator.DecodeDocs[models.ProductVariant](list)
			if err != nil {
				return "", err
			}
			return variants[0].Product, nil
		}
	}

	if mention.RawName == "" {
		return "", nil
	}

	list, err := r.coord.Find(ctx, coordinator.CollectionProducts, coordinator.FindParams{Limit: productCandidateLimit, Sort: "createdAt"})
	if err != nil {
		return "", fmt.Errorf("failed to list product candidates: %w", err)
	}
	products, err := coordinator.DecodeDocs[models.Product](list)
	if err != nil {
		return "", err
	}
	if len(products) == 0 {
		return "", nil
	}

	names := make([]string, len(products))
	for i, p := range products {
		names[i] = p.Name
	}
	idx, err := r.matcher.MatchProduct(ctx, mention.RawName, names)
	if err != nil {
		r.logger.Warn().Err(err).Str("raw_name", mention.RawName).Msg("Product match failed")
		return "", nil
	}
	if idx < 0 || idx >= len(products) {
		return "", nil
	}
	return products[idx].ID, nil
}
