// -----------------------------------------------------------------------
// Video platform driver - channel listing through a platform gateway
// -----------------------------------------------------------------------

package video

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/interfaces"
)

const (
	maxResponseBytes = 4 << 20
	maxImageBytes    = 8 << 20
)

// Platform lists channel contents through a platform gateway exposing a
// JSON API: channel metadata at /api/v1/channels/{id} and offset-paged
// videos at /api/v1/channels/{id}/videos.
type Platform struct {
	name   string
	apiURL string
	apiKey string
	client *http.Client
	logger arbor.ILogger
}

// NewPlatform creates a video platform driver from configuration
func NewPlatform(cfg *common.VideoConfig, logger arbor.ILogger) *Platform {
	timeout := parseDurationOr(cfg.RequestTimeout, 60*time.Second)
	return &Platform{
		name:   cfg.Platform,
		apiURL: cfg.APIURL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *Platform) Platform() string {
	return p.name
}

type channelResponse struct {
	Name      string `json:"name"`
	Author    string `json:"author"`
	AvatarURL string `json:"avatarUrl"`
}

// ChannelInfo fetches the channel's current metadata
func (p *Platform) ChannelInfo(ctx context.Context, channelURL string) (*interfaces.PlatformChannel, error) {
	id, err := lastPathSegment(channelURL)
	if err != nil {
		return nil, err
	}

	var body channelResponse
	if err := p.getJSON(ctx, "/api/v1/channels/"+id, nil, &body); err != nil {
		return nil, err
	}
	return &interfaces.PlatformChannel{
		Name:        body.Name,
		CreatorName: body.Author,
		AvatarURL:   body.AvatarURL,
	}, nil
}

type videosResponse struct {
	Videos []struct {
		URL          string `json:"url"`
		Title        string `json:"title"`
		ThumbnailURL string `json:"thumbnailUrl"`
		PublishedAt  string `json:"publishedAt"`
		Duration     int    `json:"duration"`
	} `json:"videos"`
	Total int `json:"total"`
}

// ListVideos returns up to limit videos starting after offset. end is
// true when the channel has no videos past the returned window.
func (p *Platform) ListVideos(ctx context.Context, channelURL string, offset, limit int) ([]interfaces.PlatformVideo, bool, error) {
	id, err := lastPathSegment(channelURL)
	if err != nil {
		return nil, false, err
	}

	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))

	var body videosResponse
	if err := p.getJSON(ctx, "/api/v1/channels/"+id+"/videos", query, &body); err != nil {
		return nil, false, err
	}

	videos := make([]interfaces.PlatformVideo, 0, len(body.Videos))
	for _, v := range body.Videos {
		videos = append(videos, interfaces.PlatformVideo{
			URL:          v.URL,
			Title:        v.Title,
			ThumbnailURL: v.ThumbnailURL,
			PublishedAt:  v.PublishedAt,
			Duration:     v.Duration,
		})
	}

	end := len(videos) == 0 || offset+len(videos) >= body.Total
	return videos, end, nil
}

// FetchImage downloads a thumbnail or avatar blob
func (p *Platform) FetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image %s failed: %w", imageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch image %s returned status %d", imageURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", err
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func (p *Platform) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := p.apiURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("platform request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("platform request %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("platform request %s returned malformed body: %w", path, err)
	}
	return nil
}

// lastPathSegment extracts the channel or video identifier from a URL,
// preferring a v= query parameter when present.
func lastPathSegment(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("malformed URL %q: %w", rawURL, err)
	}
	if v := u.Query().Get("v"); v != "" {
		return v, nil
	}
	trimmed := strings.Trim(u.Path, "/")
	if trimmed == "" {
		return "", fmt.Errorf("URL %q carries no identifier", rawURL)
	}
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1], nil
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
