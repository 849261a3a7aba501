package models

import "time"

// Event types emitted alongside job lifecycle transitions
const (
	EventStart   = "start"
	EventSuccess = "success"
	EventInfo    = "info"
	EventWarning = "warning"
	EventError   = "error"
)

// Event is an append-only record attached to at most one job. The
// per-stage foreign keys mirror the coordinator's polymorphic link
// columns; exactly one is set when the event references a job.
type Event struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Worker    string `json:"worker,omitempty"`

	CrawlJob               string `json:"crawlJob,omitempty"`
	DiscoveryJob           string `json:"discoveryJob,omitempty"`
	IngredientDiscoveryJob string `json:"ingredientDiscoveryJob,omitempty"`
	VideoDiscoveryJob      string `json:"videoDiscoveryJob,omitempty"`
	VideoProcessingJob     string `json:"videoProcessingJob,omitempty"`
	AggregationJob         string `json:"aggregationJob,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}
