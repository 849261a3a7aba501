// -----------------------------------------------------------------------
// Job envelope - shared shape of all pipeline job collections
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStage identifies one of the pipeline's job collections
type JobStage string

const (
	StageCrawl               JobStage = "crawl"
	StageDiscovery           JobStage = "discovery"
	StageIngredientDiscovery JobStage = "ingredient-discovery"
	StageVideoDiscovery      JobStage = "video-discovery"
	StageVideoProcessing     JobStage = "video-processing"
	StageAggregation         JobStage = "aggregation"
)

// AllStages lists every pipeline stage in dispatch order
var AllStages = []JobStage{
	StageCrawl,
	StageDiscovery,
	StageIngredientDiscovery,
	StageVideoDiscovery,
	StageVideoProcessing,
	StageAggregation,
}

var stageCollections = map[JobStage]string{
	StageCrawl:               "crawl-jobs",
	StageDiscovery:           "discovery-jobs",
	StageIngredientDiscovery: "ingredient-discovery-jobs",
	StageVideoDiscovery:      "video-discovery-jobs",
	StageVideoProcessing:     "video-processing-jobs",
	StageAggregation:         "aggregation-jobs",
}

// Collection returns the coordinator collection slug for the stage
func (s JobStage) Collection() string {
	return stageCollections[s]
}

// Valid reports whether the stage is a known pipeline stage
func (s JobStage) Valid() bool {
	_, ok := stageCollections[s]
	return ok
}

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is the shared envelope of every job collection. Stage-specific
// payload and cursor fields stay in Raw and are decoded on demand.
type Job struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Status JobStatus `json:"status"`

	ClaimedBy *string    `json:"claimedBy"`
	ClaimedAt *time.Time `json:"claimedAt"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	TotalItems     int `json:"totalItems"`
	ProcessedItems int `json:"processedItems"`
	ErrorItems     int `json:"errorItems"`
	ItemsPerTick   int `json:"itemsPerTick,omitempty"`

	Progress json.RawMessage `json:"progress,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Stage is set by the claim engine, not by the wire format
	Stage JobStage `json:"-"`

	// Raw is the full document as received, for payload decoding
	Raw json.RawMessage `json:"-"`
}

// JobEnvelope is Job as a plain struct, without the envelope's methods.
// Payload structs embed it instead of Job: embedding Job would promote
// its UnmarshalJSON onto the payload type and drop every stage-specific
// field during decode.
type JobEnvelope Job

// UnmarshalJSON decodes the envelope and retains the raw document
func (j *Job) UnmarshalJSON(data []byte) error {
	type alias Job
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*j = Job(a)
	j.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// DecodePayload unmarshals the job's raw document into a stage-specific
// payload struct.
func (j *Job) DecodePayload(out interface{}) error {
	if len(j.Raw) == 0 {
		return fmt.Errorf("job %s has no raw document to decode", j.ID)
	}
	if err := json.Unmarshal(j.Raw, out); err != nil {
		return fmt.Errorf("failed to decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

// LeaseFresh reports whether the job's claim is still within the lease
// window. A job with no claim timestamp has no lease at all.
func (j *Job) LeaseFresh(now time.Time, timeout time.Duration) bool {
	if j.ClaimedAt == nil {
		return false
	}
	return now.Sub(*j.ClaimedAt) < timeout
}

// selectedTargetTypes are the job types that carry an explicit target
// list and therefore jump the claim queue.
var selectedTargetTypes = map[string]bool{
	"selected_urls":  true,
	"selected_gtins": true,
	"from_discovery": true,
}

// IsSelectedTarget reports whether the job names explicit targets
func (j *Job) IsSelectedTarget() bool {
	return selectedTargetTypes[j.Type]
}
