// -----------------------------------------------------------------------
// Video-discovery stage - enumerate channel videos and their assets
// -----------------------------------------------------------------------

package videodiscovery

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/events"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
	"github.com/gleanr/gleaner/internal/workers/workerutil"
)

// Runner implements the video-discovery stage: each tick lists the next
// window of channel videos, downloads thumbnails, and persists the
// creator, channel and video chain.
type Runner struct {
	coord        interfaces.Coordinator
	sink         *events.Service
	heartbeat    interfaces.Heartbeater
	platforms    map[string]interfaces.VideoPlatform
	itemsPerTick int
	logger       arbor.ILogger
}

// NewRunner wires the video-discovery stage
func NewRunner(coord interfaces.Coordinator, sink *events.Service, heartbeat interfaces.Heartbeater, platforms []interfaces.VideoPlatform, itemsPerTick int, logger arbor.ILogger) *Runner {
	byName := make(map[string]interfaces.VideoPlatform, len(platforms))
	for _, p := range platforms {
		byName[p.Platform()] = p
	}
	return &Runner{
		coord:        coord,
		sink:         sink,
		heartbeat:    heartbeat,
		platforms:    byName,
		itemsPerTick: itemsPerTick,
		logger:       logger,
	}
}

func (r *Runner) Stage() models.JobStage {
	return models.StageVideoDiscovery
}

// Batch is one window of the channel listing
type Batch struct {
	job     *models.Job
	payload *models.VideoDiscoveryJob
	cursor  models.VideoDiscoveryCursor
	limit   int
}

func (b *Batch) Job() *models.Job { return b.job }
func (b *Batch) Size() int        { return b.limit }

// VideoItem is one listed video with its downloaded thumbnail
type VideoItem struct {
	Video     interfaces.PlatformVideo
	Thumbnail []byte
	ThumbMime string
	Err       string
}

// Result carries the listed window plus refreshed channel metadata
type Result struct {
	Channel    *interfaces.PlatformChannel
	Avatar     []byte
	AvatarMime string
	Items      []VideoItem
	End        bool
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

// Build expands a claimed job into the next listing window
func (r *Runner) Build(ctx context.Context, job *models.Job) (interfaces.Batch, error) {
	var payload models.VideoDiscoveryJob
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusPending {
		cursor := models.VideoDiscoveryCursor{CurrentOffset: 0}
		message := fmt.Sprintf("Video discovery on %s started for %s", payload.Platform, payload.ChannelURL)
		if err := workerutil.Start(ctx, r.coord, r.sink, job, payload.MaxVideos, cursor, message); err != nil {
			return nil, err
		}
	}

	var cursor models.VideoDiscoveryCursor
	models.DecodeCursor(job.Progress, &cursor)

	limit := workerutil.BatchSize(job, r.itemsPerTick)
	if payload.MaxVideos > 0 {
		remaining := payload.MaxVideos - cursor.CurrentOffset
		if remaining <= 0 {
			message := fmt.Sprintf("Video discovery on %s finished: %d videos", payload.Platform, cursor.CurrentOffset)
			if err := workerutil.Complete(ctx, r.coord, r.sink, job, 0, 0, message); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if remaining < limit {
			limit = remaining
		}
	}

	return &Batch{job: job, payload: &payload, cursor: cursor, limit: limit}, nil
}

// Execute lists the window and downloads channel and video assets
func (r *Runner) Execute(ctx context.Context, batch interfaces.Batch) (interfaces.BatchResult, error) {
	b, ok := batch.(*Batch)
	if !ok {
		return nil, fmt.Errorf("video-discovery runner received foreign batch type %T", batch)
	}

	platform, ok := r.platforms[b.payload.Platform]
	if !ok {
		return nil, fmt.Errorf("no video platform registered for %q", b.payload.Platform)
	}

	r.heartbeat.Beat(ctx, models.StageVideoDiscovery, b.job.ID)

	channel, err := platform.ChannelInfo(ctx, b.payload.ChannelURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel info for %s: %w", b.payload.ChannelURL, err)
	}

	result := &Result{Channel: channel}
	if channel.AvatarURL != "" {
		data, mime, err := platform.FetchImage(ctx, channel.AvatarURL)
		if err != nil {
			r.logger.Warn().Err(err).Str("url", channel.AvatarURL).Msg("Avatar download failed")
		} else {
			result.Avatar = data
			result.AvatarMime = mime
		}
	}

	videos, end, err := platform.ListVideos(ctx, b.payload.ChannelURL, b.cursor.CurrentOffset, b.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos at offset %d: %w", b.cursor.CurrentOffset, err)
	}
	result.End = end

	for _, video := range videos {
		r.heartbeat.Beat(ctx, models.StageVideoDiscovery, b.job.ID)

		item := VideoItem{Video: video}
		if video.ThumbnailURL != "" {
			data, mime, err := platform.FetchImage(ctx, video.ThumbnailURL)
			if err != nil {
				// Thumbnail loss is not item-fatal
				r.logger.Warn().Err(err).Str("url", video.ThumbnailURL).Msg("Thumbnail download failed")
			} else {
				item.Thumbnail = data
				item.ThumbMime = mime
			}
		}
		result.Items = append(result.Items, item)
	}

	return result, nil
}

// Submit persists the creator, channel and videos, then advances the
// offset cursor.
func (r *Runner) Submit(ctx context.Context, batch interfaces.Batch, batchResult interfaces.BatchResult) error {
	b := batch.(*Batch)
	res := batchResult.(*Result)

	channelID, err := r.ensureChannel(ctx, b.payload, res)
	if err != nil {
		return err
	}

	succeeded, failed := 0, 0
	for i := range res.Items {
		item := &res.Items[i]
		persistErr := item.Err
		if persistErr == "" {
			if err := r.persistVideo(ctx, channelID, b.job.ID, item); err != nil {
				persistErr = err.Error()
				item.Err = persistErr
				r.logger.Warn().Err(err).Str("url", item.Video.URL).Msg("Video persist failed")

				record := models.VideoDiscoveryResult{Job: b.job.ID, VideoURL: item.Video.URL, Error: persistErr}
				if err := r.coord.Create(ctx, coordinator.CollectionVideoDiscoveryResults, record, nil); err != nil {
					return fmt.Errorf("failed to write video-discovery error record: %w", err)
				}
			}
		}
		if persistErr == "" {
			succeeded++
		} else {
			failed++
		}
	}

	next := models.VideoDiscoveryCursor{CurrentOffset: b.cursor.CurrentOffset + len(res.Items)}
	done := res.End || (b.payload.MaxVideos > 0 && next.CurrentOffset >= b.payload.MaxVideos)

	if done {
		message := fmt.Sprintf("Video discovery on %s finished: %d videos", b.payload.Platform, next.CurrentOffset)
		return workerutil.Complete(ctx, r.coord, r.sink, b.job, succeeded, failed, message)
	}
	return workerutil.Release(ctx, r.coord, b.job, succeeded, failed, next)
}

// ensureChannel creates the creator and channel when missing and always
// refreshes the channel's display name and avatar.
func (r *Runner) ensureChannel(ctx context.Context, payload *models.VideoDiscoveryJob, res *Result) (string, error) {
	where := coordinator.Eq("url", payload.ChannelURL)
	list, err := r.coord.Find(ctx, coordinator.CollectionChannels, coordinator.FindParams{Where: &where, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("failed to probe channel %s: %w", payload.ChannelURL, err)
	}

	var channelID string
	if len(list.Docs) > 0 {
		channels, err := coordinator.DecodeDocs[models.Channel](list)
		if err != nil {
			return "", err
		}
		channelID = channels[0].ID
	} else {
		creatorID, err := r.ensureCreator(ctx, res.Channel.CreatorName)
		if err != nil {
			return "", err
		}
		var created models.Channel
		doc := models.Channel{
			Creator:  creatorID,
			Platform: payload.Platform,
			URL:      payload.ChannelURL,
			Name:     res.Channel.Name,
		}
		if err := r.coord.Create(ctx, coordinator.CollectionChannels, doc, &created); err != nil {
			return "", fmt.Errorf("failed to create channel %s: %w", payload.ChannelURL, err)
		}
		channelID = created.ID
	}

	patch := map[string]interface{}{}
	if res.Channel.Name != "" {
		patch["name"] = res.Channel.Name
	}
	if len(res.Avatar) > 0 {
		mediaID, err := r.uploadImage(ctx, "avatar-"+path.Base(payload.ChannelURL), res.AvatarMime, res.Avatar)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Avatar upload failed")
		} else {
			patch["avatar"] = mediaID
		}
	}
	if len(patch) > 0 {
		if err := r.coord.UpdateByID(ctx, coordinator.CollectionChannels, channelID, patch, nil, nil); err != nil {
			return "", fmt.Errorf("failed to refresh channel %s: %w", channelID, err)
		}
	}
	return channelID, nil
}

func (r *Runner) ensureCreator(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = "unknown"
	}
	where := coordinator.Eq("name", name)
	list, err := r.coord.Find(ctx, coordinator.CollectionCreators, coordinator.FindParams{Where: &where, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("failed to probe creator %s: %w", name, err)
	}
	if len(list.Docs) > 0 {
		creators, err := coordinator.DecodeDocs[models.Creator](list)
		if err != nil {
			return "", err
		}
		return creators[0].ID, nil
	}

	var created models.Creator
	if err := r.coord.Create(ctx, coordinator.CollectionCreators, models.Creator{Name: name}, &created); err != nil {
		return "", fmt.Errorf("failed to create creator %s: %w", name, err)
	}
	return created.ID, nil
}

// persistVideo creates the video when its URL is new, with thumbnail
// upload; a known URL only yields the join record.
func (r *Runner) persistVideo(ctx context.Context, channelID, jobID string, item *VideoItem) error {
	where := coordinator.Eq("url", item.Video.URL)
	list, err := r.coord.Find(ctx, coordinator.CollectionVideos, coordinator.FindParams{Where: &where, Limit: 1})
	if err != nil {
		return fmt.Errorf("failed to probe video %s: %w", item.Video.URL, err)
	}

	var videoID string
	if len(list.Docs) > 0 {
		videos, err := coordinator.DecodeDocs[models.Video](list)
		if err != nil {
			return err
		}
		videoID = videos[0].ID
	} else {
		doc := models.Video{
			Channel:  channelID,
			URL:      item.Video.URL,
			Title:    item.Video.Title,
			Status:   models.VideoUnprocessed,
			Duration: item.Video.Duration,
		}
		if item.Video.PublishedAt != "" {
			if published, err := time.Parse(time.RFC3339, item.Video.PublishedAt); err == nil {
				doc.PublishedAt = &published
			}
		}
		if len(item.Thumbnail) > 0 {
			mediaID, err := r.uploadImage(ctx, "thumb-"+path.Base(item.Video.URL), item.ThumbMime, item.Thumbnail)
			if err != nil {
				r.logger.Warn().Err(err).Str("url", item.Video.URL).Msg("Thumbnail upload failed")
			} else {
				doc.Thumbnail = mediaID
			}
		}

		var created models.Video
		if err := r.coord.Create(ctx, coordinator.CollectionVideos, doc, &created); err != nil {
			return fmt.Errorf("failed to create video %s: %w", item.Video.URL, err)
		}
		videoID = created.ID
	}

	record := models.VideoDiscoveryResult{Job: jobID, VideoURL: item.Video.URL, Video: videoID}
	if err := r.coord.Create(ctx, coordinator.CollectionVideoDiscoveryResults, record, nil); err != nil {
		return fmt.Errorf("failed to write video-discovery result: %w", err)
	}
	return nil
}

func (r *Runner) uploadImage(ctx context.Context, prefix, mimeType string, data []byte) (string, error) {
	filename := common.NewMediaFilename(prefix, mimeType)
	var media models.Media
	doc := map[string]interface{}{"alt": filename}
	if err := r.coord.CreateWithFile(ctx, coordinator.CollectionMedia, doc, filename, mimeType, data, &media); err != nil {
		return "", err
	}
	return media.ID, nil
}
