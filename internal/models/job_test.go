package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobUnmarshalRetainsRaw(t *testing.T) {
	doc := `{
		"id": "job-1",
		"type": "all",
		"status": "pending",
		"claimedBy": null,
		"claimedAt": null,
		"totalItems": 0,
		"processedItems": 0,
		"errorItems": 0,
		"source": "dm",
		"createdAt": "2026-08-01T10:00:00Z",
		"updatedAt": "2026-08-01T10:00:00Z"
	}`

	var job Job
	require.NoError(t, json.Unmarshal([]byte(doc), &job))

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Nil(t, job.ClaimedBy)

	var crawl CrawlJob
	require.NoError(t, job.DecodePayload(&crawl))
	assert.Equal(t, "dm", crawl.Source)
}

func TestDecodePayloadKeepsStageFields(t *testing.T) {
	doc := `{
		"id": "job-1",
		"type": "selected_urls",
		"status": "pending",
		"source": "dm",
		"urls": ["https://dm.example.com/p/1"],
		"gtins": ["4001"],
		"sourceUrls": ["https://dm.example.com/list/a", "https://dm.example.com/list/b"],
		"catalog": "inci",
		"platform": "youtube",
		"channelUrl": "https://youtube.example.com/ch/1",
		"maxVideos": 40
	}`

	var job Job
	require.NoError(t, json.Unmarshal([]byte(doc), &job))

	var crawl CrawlJob
	require.NoError(t, job.DecodePayload(&crawl))
	assert.Equal(t, "selected_urls", crawl.Type)
	assert.Equal(t, "dm", crawl.Source)
	assert.Equal(t, []string{"https://dm.example.com/p/1"}, crawl.URLs)
	assert.Equal(t, []string{"4001"}, crawl.GTINs)

	var disc DiscoveryJob
	require.NoError(t, job.DecodePayload(&disc))
	assert.Len(t, disc.SourceURLs, 2)

	var ingredient IngredientDiscoveryJob
	require.NoError(t, job.DecodePayload(&ingredient))
	assert.Equal(t, "inci", ingredient.Catalog)

	var video VideoDiscoveryJob
	require.NoError(t, job.DecodePayload(&video))
	assert.Equal(t, "youtube", video.Platform)
	assert.Equal(t, "https://youtube.example.com/ch/1", video.ChannelURL)
	assert.Equal(t, 40, video.MaxVideos)
}

func TestLeaseFresh(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	timeout := 30 * time.Minute

	tests := []struct {
		name      string
		claimedAt *time.Time
		want      bool
	}{
		{"no claim", nil, false},
		{"fresh", timePtr(now.Add(-5 * time.Minute)), true},
		{"at boundary", timePtr(now.Add(-timeout)), false},
		{"stale", timePtr(now.Add(-time.Hour)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := Job{ClaimedAt: tt.claimedAt}
			assert.Equal(t, tt.want, job.LeaseFresh(now, timeout))
		})
	}
}

func TestIsSelectedTarget(t *testing.T) {
	assert.True(t, (&Job{Type: "selected_urls"}).IsSelectedTarget())
	assert.True(t, (&Job{Type: "selected_gtins"}).IsSelectedTarget())
	assert.True(t, (&Job{Type: "from_discovery"}).IsSelectedTarget())
	assert.False(t, (&Job{Type: "all"}).IsSelectedTarget())
	assert.False(t, (&Job{Type: "recrawl"}).IsSelectedTarget())
}

func TestStageCollections(t *testing.T) {
	for _, stage := range AllStages {
		assert.True(t, stage.Valid())
		assert.NotEmpty(t, stage.Collection())
	}
	assert.Equal(t, "crawl-jobs", StageCrawl.Collection())
	assert.Equal(t, "video-processing-jobs", StageVideoProcessing.Collection())
	assert.False(t, JobStage("transcode").Valid())
}

func TestDecodeCursorBadShapeRestartsFromScratch(t *testing.T) {
	var cursor DiscoveryCursor
	DecodeCursor(json.RawMessage(`"not an object"`), &cursor)
	assert.Equal(t, 0, cursor.CurrentURLIndex)

	DecodeCursor(json.RawMessage(`{"currentUrlIndex": 2}`), &cursor)
	assert.Equal(t, 2, cursor.CurrentURLIndex)
}

func TestEncodeCursorRoundTrip(t *testing.T) {
	in := IngredientCursor{
		CurrentTerm:       "aa",
		CurrentPage:       3,
		TotalPagesForTerm: 7,
		TermQueue:         []string{"ab", "b"},
	}
	raw := EncodeCursor(in)
	require.NotNil(t, raw)

	var out IngredientCursor
	DecodeCursor(raw, &out)
	assert.Equal(t, in, out)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
