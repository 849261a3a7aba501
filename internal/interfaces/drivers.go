// -----------------------------------------------------------------------
// Driver Interfaces - Per-source adapters invoked by job handlers
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"encoding/json"
)

// ScrapedVariant is one variant discovered on a scraped product page
type ScrapedVariant struct {
	URL   string
	GTIN  string
	Size  string
	Price float64
}

// ScrapedProduct is the output of scraping one variant URL
type ScrapedProduct struct {
	Name            string
	Brand           string
	Description     string
	IngredientsText string
	Rating          float64
	RatingCount     int
	ImageURL        string
	Price           float64
	Currency        string
	CanonicalURL    string
	GTIN            string
	Variants        []ScrapedVariant
}

// ScrapeDriver fetches and parses a single product page of its source
type ScrapeDriver interface {
	// Source returns the source key this driver serves
	Source() string

	// Scrape fetches the page at url and extracts product fields.
	// A nil product with nil error never occurs; missing pages are errors.
	Scrape(ctx context.Context, url string) (*ScrapedProduct, error)
}

// DiscoveredURL is one product URL found during discovery
type DiscoveredURL struct {
	URL   string
	Name  string
	Brand string
}

// DiscoveryPage is one tick's output for a single source URL
type DiscoveryPage struct {
	URLs []DiscoveredURL

	// NextProgress is opaque resume state; nil plus Done=true ends the URL
	NextProgress json.RawMessage
	Done         bool
}

// DiscoveryDriver walks a source's listing pages enumerating product URLs
type DiscoveryDriver interface {
	Source() string

	// DiscoverPage advances one page within sourceURL. progress is the
	// opaque value this driver returned on the previous tick, nil on the
	// first visit.
	DiscoverPage(ctx context.Context, sourceURL string, progress json.RawMessage) (*DiscoveryPage, error)
}

// IngredientEntry is one catalog row matching a search term
type IngredientEntry struct {
	Name        string
	INCIName    string
	Function    string
	Description string
	Safety      string
}

// IngredientPage is one result page for a term search
type IngredientPage struct {
	Entries    []IngredientEntry
	TotalPages int

	// TooBroad signals the term matched more than the catalog will page
	// through; the caller subdivides the term and re-enqueues.
	TooBroad bool
}

// IngredientCatalog searches a reference catalog by term, paged
type IngredientCatalog interface {
	Catalog() string

	Search(ctx context.Context, term string, page int) (*IngredientPage, error)
}

// PlatformVideo is one video listed from a channel
type PlatformVideo struct {
	URL          string
	Title        string
	ThumbnailURL string
	PublishedAt  string // RFC3339, empty when unknown
	Duration     int    // seconds
}

// PlatformChannel is the channel metadata a platform reports
type PlatformChannel struct {
	Name        string
	CreatorName string
	AvatarURL   string
}

// VideoPlatform lists channel contents and fetches binary assets
type VideoPlatform interface {
	Platform() string

	// ChannelInfo fetches the channel's current metadata
	ChannelInfo(ctx context.Context, channelURL string) (*PlatformChannel, error)

	// ListVideos returns up to limit videos starting after offset.
	// end is true when the channel has no videos past the returned set.
	ListVideos(ctx context.Context, channelURL string, offset, limit int) (videos []PlatformVideo, end bool, err error)

	// FetchImage downloads a thumbnail or avatar blob
	FetchImage(ctx context.Context, url string) (data []byte, mimeType string, err error)
}

// TranscriptSegment is one timed span of recognized speech
type TranscriptSegment struct {
	StartSec float64
	EndSec   float64
	Text     string
}

// Transcriber converts a video's audio into timed transcript segments
type Transcriber interface {
	Transcribe(ctx context.Context, videoURL string) ([]TranscriptSegment, error)
}

// ProductMention is one product reference extracted from a transcript
type ProductMention struct {
	SegmentIndex int
	RawName      string
	GTIN         string
	Sentiment    string // positive, neutral, negative
}

// BrandMatch is the result of normalizing a free-form brand string
type BrandMatch struct {
	Brand      string
	Confidence float64
}

// ProductClassification labels a product for aggregation enrichment
type ProductClassification struct {
	Category     string
	StoreScore   float64
	CreatorScore float64
}

// Matcher performs the LLM-backed analysis steps of processing and
// aggregation.
type Matcher interface {
	// MatchBrand normalizes a raw brand string against known brands
	MatchBrand(ctx context.Context, raw string, known []string) (*BrandMatch, error)

	// MatchProduct resolves a free-form product name to one of the
	// candidate product names, returning the index or -1 for no match.
	MatchProduct(ctx context.Context, rawName string, candidates []string) (int, error)

	// AnalyzeTranscript extracts product mentions with sentiment from
	// transcript segments.
	AnalyzeTranscript(ctx context.Context, segments []TranscriptSegment) ([]ProductMention, error)

	// Classify derives category and scores from aggregated product data
	Classify(ctx context.Context, name, brand, ingredientsText string) (*ProductClassification, error)
}
