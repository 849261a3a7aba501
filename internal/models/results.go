// -----------------------------------------------------------------------
// Join records - immutable per-item audit rows written at submit
// -----------------------------------------------------------------------

package models

import "time"

// CrawlResult links a crawl job to one processed source-variant
type CrawlResult struct {
	ID            string    `json:"id,omitempty"`
	Job           string    `json:"job"`
	SourceVariant string    `json:"sourceVariant"`
	URL           string    `json:"url"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
}

// DiscoveryResult links a discovery job to one discovered product URL
type DiscoveryResult struct {
	ID            string    `json:"id,omitempty"`
	Job           string    `json:"job"`
	URL           string    `json:"url"`
	SourceProduct string    `json:"sourceProduct,omitempty"`
	SourceVariant string    `json:"sourceVariant,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
}

// IngredientResult links an ingredient-discovery job to one upserted
// ingredient.
type IngredientResult struct {
	ID         string    `json:"id,omitempty"`
	Job        string    `json:"job"`
	Term       string    `json:"term"`
	Ingredient string    `json:"ingredient,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// VideoDiscoveryResult links a video-discovery job to one created video
type VideoDiscoveryResult struct {
	ID        string    `json:"id,omitempty"`
	Job       string    `json:"job"`
	VideoURL  string    `json:"videoUrl"`
	Video     string    `json:"video,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// VideoProcessingResult links a video-processing job to one processed video
type VideoProcessingResult struct {
	ID           string    `json:"id,omitempty"`
	Job          string    `json:"job"`
	Video        string    `json:"video"`
	SnippetCount int       `json:"snippetCount"`
	MentionCount int       `json:"mentionCount"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

// AggregationResult links an aggregation job to one merged product
type AggregationResult struct {
	ID            string    `json:"id,omitempty"`
	Job           string    `json:"job"`
	SourceProduct string    `json:"sourceProduct"`
	Product       string    `json:"product,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
}
