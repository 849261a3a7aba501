// -----------------------------------------------------------------------
// Stage-specific job payloads and progress cursors
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"time"
)

// Crawl job types. "all" walks every uncrawled variant of the source;
// the selected_* variants carry an explicit target list; "recrawl"
// resets crawled state first and then behaves like "all".
const (
	CrawlTypeAll           = "all"
	CrawlTypeSelectedURLs  = "selected_urls"
	CrawlTypeSelectedGTINs = "selected_gtins"
	CrawlTypeFromDiscovery = "from_discovery"
	CrawlTypeRecrawl       = "recrawl"
)

// CrawlJob is the typed payload of a crawl-jobs document
type CrawlJob struct {
	JobEnvelope
	Source       string   `json:"source"`
	URLs         []string `json:"urls,omitempty"`
	GTINs        []string `json:"gtins,omitempty"`
	DiscoveryJob string   `json:"discoveryJob,omitempty"`
	MinCrawlAge  string   `json:"minCrawlAge,omitempty"` // duration string, recrawl only
}

// MinAge parses the recrawl age floor, zero when absent or invalid
func (j *CrawlJob) MinAge() time.Duration {
	if j.MinCrawlAge == "" {
		return 0
	}
	d, err := time.ParseDuration(j.MinCrawlAge)
	if err != nil {
		return 0
	}
	return d
}

// DiscoveryJob is the typed payload of a discovery-jobs document
type DiscoveryJob struct {
	JobEnvelope
	Source     string   `json:"source"`
	SourceURLs []string `json:"sourceUrls"`
}

// DiscoveryCursor tracks position across the job's source URLs.
// DriverProgress is opaque; only the matching driver understands it.
type DiscoveryCursor struct {
	CurrentURLIndex int             `json:"currentUrlIndex"`
	DriverProgress  json.RawMessage `json:"driverProgress,omitempty"`
}

// IngredientDiscoveryJob is the typed payload of an
// ingredient-discovery-jobs document.
type IngredientDiscoveryJob struct {
	JobEnvelope
	Catalog      string   `json:"catalog"`
	InitialTerms []string `json:"initialTerms,omitempty"`
}

// IngredientCursor walks a queue of search terms page by page. When a
// term returns too many pages the handler subdivides it and the builder
// re-enqueues the sub-terms at the head of the queue.
type IngredientCursor struct {
	CurrentTerm       string   `json:"currentTerm"`
	CurrentPage       int      `json:"currentPage"`
	TotalPagesForTerm int      `json:"totalPagesForTerm"`
	TermQueue         []string `json:"termQueue"`
}

// VideoDiscoveryJob is the typed payload of a video-discovery-jobs document
type VideoDiscoveryJob struct {
	JobEnvelope
	Platform   string `json:"platform"`
	ChannelURL string `json:"channelUrl"`
	MaxVideos  int    `json:"maxVideos,omitempty"`
}

// VideoDiscoveryCursor is the 0-based channel-relative offset of the
// last fetched video.
type VideoDiscoveryCursor struct {
	CurrentOffset int `json:"currentOffset"`
}

// Video-processing job types
const (
	VideoProcessingTypeAll           = "all"
	VideoProcessingTypeSelectedURLs  = "selected_urls"
	VideoProcessingTypeSelectedVideo = "selected_video"
)

// VideoProcessingJob is the typed payload of a video-processing-jobs
// document. It carries no cursor; the work queue is derived each tick
// from the unprocessed videos matching the scope.
type VideoProcessingJob struct {
	JobEnvelope
	Video string   `json:"video,omitempty"`
	URLs  []string `json:"urls,omitempty"`
}

// Aggregation job types and scopes
const (
	AggregationTypeAll           = "all"
	AggregationTypeSelectedGTINs = "selected_gtins"

	AggregationScopeBasic = "basic"
	AggregationScopeFull  = "full"
)

// AggregationJob is the typed payload of an aggregation-jobs document
type AggregationJob struct {
	JobEnvelope
	Scope string   `json:"scope,omitempty"`
	GTINs []string `json:"gtins,omitempty"`
}

// AggregationCursor is a monotonic scan position over crawled
// source-products, ordered by id.
type AggregationCursor struct {
	LastCheckedSourceID string `json:"lastCheckedSourceId"`
}

// DecodeCursor unmarshals a job's progress field into out. A cursor
// whose shape fails to parse means "restart from scratch": out is left
// zeroed and no error is returned, because completion is idempotent.
func DecodeCursor(progress json.RawMessage, out interface{}) {
	if len(progress) == 0 {
		return
	}
	_ = json.Unmarshal(progress, out)
}

// EncodeCursor marshals a cursor for the job's progress field
func EncodeCursor(cursor interface{}) json.RawMessage {
	data, err := json.Marshal(cursor)
	if err != nil {
		return nil
	}
	return data
}
