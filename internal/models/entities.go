// -----------------------------------------------------------------------
// Data-plane entities - documents owned by the coordinator
// -----------------------------------------------------------------------

package models

import "time"

// Worker statuses
const (
	WorkerStatusActive   = "active"
	WorkerStatusDisabled = "disabled"
)

// Worker is a registered worker process. Capabilities name the job
// stages the worker will claim.
type Worker struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Capabilities []string   `json:"capabilities"`
	Status       string     `json:"status"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
}

// CanHandle reports whether the worker advertises the stage
func (w *Worker) CanHandle(stage JobStage) bool {
	for _, c := range w.Capabilities {
		if c == string(stage) {
			return true
		}
	}
	return false
}

// Source-product crawl statuses
const (
	SourceProductUncrawled = "uncrawled"
	SourceProductCrawled   = "crawled"
)

// SourceProduct is a product page as one source presents it. Variants
// hang off it by back-reference.
type SourceProduct struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Name            string    `json:"name"`
	Brand           string    `json:"brand,omitempty"`
	Description     string    `json:"description,omitempty"`
	IngredientsText string    `json:"ingredientsText,omitempty"`
	Status          string    `json:"status"`
	Rating          float64   `json:"rating,omitempty"`
	RatingCount     int       `json:"ratingCount,omitempty"`
	ImageURL        string    `json:"imageUrl,omitempty"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt,omitempty"`
}

// PriceEntry is one observation in a variant's price history
type PriceEntry struct {
	Price      float64   `json:"price"`
	Currency   string    `json:"currency,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// SourceVariant is one purchasable variant of a source-product
type SourceVariant struct {
	ID            string       `json:"id"`
	SourceProduct string       `json:"sourceProduct"`
	URL           string       `json:"url"`
	CanonicalURL  string       `json:"canonicalUrl,omitempty"`
	GTIN          string       `json:"gtin,omitempty"`
	Size          string       `json:"size,omitempty"`
	CrawledAt     *time.Time   `json:"crawledAt,omitempty"`
	PriceHistory  []PriceEntry `json:"priceHistory,omitempty"`
}

// Score-history trend labels
const (
	ScoreTrendIncrease = "increase"
	ScoreTrendStable   = "stable"
	ScoreTrendDrop     = "drop"
)

// ScoreEntry is one observation in a product's score history
type ScoreEntry struct {
	StoreScore   float64   `json:"storeScore"`
	CreatorScore float64   `json:"creatorScore"`
	Trend        string    `json:"trend"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// Product is the aggregated logical product grouping source-products
// by GTIN.
type Product struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Brand          string       `json:"brand,omitempty"`
	Category       string       `json:"category,omitempty"`
	SourceProducts []string     `json:"sourceProducts,omitempty"`
	Ingredients    []string     `json:"ingredients,omitempty"`
	Image          string       `json:"image,omitempty"`
	ScoreHistory   []ScoreEntry `json:"scoreHistory,omitempty"`
}

// ProductVariant keys a product by GTIN
type ProductVariant struct {
	ID      string `json:"id"`
	Product string `json:"product"`
	GTIN    string `json:"gtin"`
	Size    string `json:"size,omitempty"`
}

// Ingredient is reference data upserted by name. Persist fills
// previously-null fields only and never overwrites.
type Ingredient struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	INCIName    string `json:"inciName,omitempty"`
	Function    string `json:"function,omitempty"`
	Description string `json:"description,omitempty"`
	Safety      string `json:"safety,omitempty"`
}

// Creator owns channels across platforms
type Creator struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is one platform presence of a creator
type Channel struct {
	ID       string `json:"id"`
	Creator  string `json:"creator"`
	Platform string `json:"platform"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"` // media id
}

// Video processing statuses
const (
	VideoUnprocessed = "unprocessed"
	VideoProcessed   = "processed"
)

// Video is a discovered video awaiting or past processing
type Video struct {
	ID          string     `json:"id"`
	Channel     string     `json:"channel"`
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Status      string     `json:"status"`
	Thumbnail   string     `json:"thumbnail,omitempty"` // media id
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	Duration    int        `json:"duration,omitempty"` // seconds
}

// Snippet is a transcript segment of a processed video
type Snippet struct {
	ID        string  `json:"id"`
	Video     string  `json:"video"`
	StartSec  float64 `json:"startSec"`
	EndSec    float64 `json:"endSec"`
	Text      string  `json:"text"`
}

// Mention sentiments
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Mention links a snippet to a product with sentiment
type Mention struct {
	ID        string `json:"id"`
	Snippet   string `json:"snippet"`
	Video     string `json:"video"`
	Product   string `json:"product,omitempty"`
	RawName   string `json:"rawName"`
	Sentiment string `json:"sentiment"`
}

// Media is a binary blob stored by the coordinator. Creation uses a
// multipart request carrying the file content.
type Media struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
}
