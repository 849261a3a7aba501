// -----------------------------------------------------------------------
// Discovery stage - enumerate product URLs from source listing pages
// -----------------------------------------------------------------------

package discovery

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

// Runner implements the discovery stage. One tick advances one listing
// page of the current source URL; the driver's opaque progress value
// rides in the job cursor between ticks.
type Runner struct {
	coord     interfaces.Coordinator
	sink      *events.Service
	heartbeat interfaces.Heartbeater
	drivers   map[string]interfaces.DiscoveryDriver
	logger    arbor.ILogger
}

// NewRunner wires the discovery stage
func NewRunner(coord interfaces.Coordinator, sink *events.Service, heartbeat interfaces.Heartbeater, drivers []interfaces.DiscoveryDriver, logger arbor.ILogger) *Runner {
	bySource := make(map[string]interfaces.DiscoveryDriver, len(drivers))
	for _, d := range drivers {
		bySource[d.Source()] = d
	}
	return &Runner{
		coord:     coord,
		sink:      sink,
		heartbeat: heartbeat,
		drivers:   bySource,
		logger:    logger,
	}
}

func (r *Runner) Stage() models.JobStage {
	return models.StageDiscovery
}

// Batch is one listing-page visit: the current source URL plus the
// driver's resume state.
type Batch struct {
	job     *models.Job
	payload *models.DiscoveryJob
	cursor  models.DiscoveryCursor
}

func (b *Batch) Job() *models.Job { return b.job }
func (b *Batch) Size() int        { return 1 }

// Result is the page the driver returned, or the error that stopped it
type Result struct {
	Page *interfaces.DiscoveryPage
	Err  string
}

func (r *Result) Counts() (int, int) {
	if r.Err != "" {
		return 0, 1
	}
	return 1, 0
}

// Build expands a claimed discovery job into a single-page batch
func (r *Runner) Build(ctx context.Context, job *models.Job) (interfaces.Batch, error) {
	var payload models.DiscoveryJob
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusPending {
		cursor := models.DiscoveryCursor{CurrentURLIndex: 0}
		message := fmt.Sprintf("Discovery on %s started: %d source URLs", payload.Source, len(payload.SourceURLs))
		if err := workerutil.Start(ctx, r.coord, r.sink, job, len(payload.SourceURLs), cursor, message); err != nil {
			return nil, err
		}
	}

	var cursor models.DiscoveryCursor
	models.DecodeCursor(job.Progress, &cursor)

	if cursor.CurrentURLIndex >= len(payload.SourceURLs) {
		message := fmt.Sprintf("Discovery on %s finished: %d URLs walked", payload.Source, len(payload.SourceURLs))
		if err := workerutil.Complete(ctx, r.coord, r.sink, job, 0, 0, message); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &Batch{job: job, payload: &payload, cursor: cursor}, nil
}

// Execute advances one page within the current source URL
func (r *Runner) Execute(ctx context.Context, batch interfaces.Batch) (interfaces.BatchResult, error) {
	b, ok := batch.(*Batch)
	if !ok {
		return nil, fmt.Errorf("discovery runner received foreign batch type %T", batch)
	}

	driver, ok := r.drivers[b.payload.Source]
	if !ok {
		return nil, fmt.Errorf("no discovery driver registered for source %q", b.payload.Source)
	}

	r.heartbeat.Beat(ctx, models.StageDiscovery, b.job.ID)

	sourceURL := b.payload.SourceURLs[b.cursor.CurrentURLIndex]
	page, err := driver.DiscoverPage(ctx, sourceURL, b.cursor.DriverProgress)
	if err != nil {
		r.logger.Warn().Err(err).Str("source_url", sourceURL).Msg("Discovery page failed")
		return &Result{Err: err.Error()}, nil
	}
	return &Result{Page: page}, nil
}

// Submit persists discovered URLs, advances the cursor and releases or
// completes. A failed page counts as an error and skips to the next
// source URL so the job cannot wedge.
func (r *Runner) Submit(ctx context.Context, batch interfaces.Batch, batchResult interfaces.BatchResult) error {
	b := batch.(*Batch)
	res := batchResult.(*Result)

	sourceURL := b.payload.SourceURLs[b.cursor.CurrentURLIndex]
	next := b.cursor

	processed, errored := 0, 0
	switch {
	case res.Err != "":
		record := models.DiscoveryResult{Job: b.job.ID, URL: sourceURL, Error: res.Err}
		if err := r.coord.Create(ctx, coordinator.CollectionDiscoveryResults, record, nil); err != nil {
			return fmt.Errorf("failed to write discovery error record: %w", err)
		}
		next.CurrentURLIndex++
		next.DriverProgress = nil
		errored = 1

	default:
		for _, found := range res.Page.URLs {
			if err := r.persistDiscoveredURL(ctx, b, found); err != nil {
				return err
			}
		}
		if res.Page.Done {
			next.CurrentURLIndex++
			next.DriverProgress = nil
			processed = 1
		} else {
			next.DriverProgress = res.Page.NextProgress
		}
	}

	if next.CurrentURLIndex >= len(b.payload.SourceURLs) {
		message := fmt.Sprintf("Discovery on %s finished: %d URLs walked", b.payload.Source, len(b.payload.SourceURLs))
		return workerutil.Complete(ctx, r.coord, r.sink, b.job, processed, errored, message)
	}
	return workerutil.Release(ctx, r.coord, b.job, processed, errored, next)
}

// persistDiscoveredURL dedupes by variant URL: a new URL creates the
// parent and its default variant together, a known URL refreshes the
// parent's display fields.
func (r *Runner) persistDiscoveredURL(ctx context.Context, b *Batch, found interfaces.DiscoveredURL) error {
	where := coordinator.Eq("url", found.URL)
	list, err := r.coord.Find(ctx, coordinator.CollectionSourceVariants, coordinator.FindParams{Where: &where, Limit: 1})
	if err != nil {
		return fmt.Errorf("failed to probe discovered URL %s: %w", found.URL, err)
	}

	record := models.DiscoveryResult{Job: b.job.ID, URL: found.URL}

	if len(list.Docs) > 0 {
		existing, err := coordinator.DecodeDocs[models.SourceVariant](list)
		if err != nil {
			return err
		}
		patch := map[string]interface{}{}
		if found.Name != "" {
			patch["name"] = found.Name
		}
		if found.Brand != "" {
			patch["brand"] = found.Brand
		}
		if len(patch) > 0 {
			if err := r.coord.UpdateByID(ctx, coordinator.CollectionSourceProducts, existing[0].SourceProduct, patch, nil, nil); err != nil {
				return fmt.Errorf("failed to refresh source-product %s: %w", existing[0].SourceProduct, err)
			}
		}
		record.SourceProduct = existing[0].SourceProduct
		record.SourceVariant = existing[0].ID
	} else {
		var parent models.SourceProduct
		parentDoc := models.SourceProduct{
			Source: b.payload.Source,
			Name:   found.Name,
			Brand:  found.Brand,
			Status: models.SourceProductUncrawled,
		}
		if err := r.coord.Create(ctx, coordinator.CollectionSourceProducts, parentDoc, &parent); err != nil {
			return fmt.Errorf("failed to create source-product for %s: %w", found.URL, err)
		}

		var variant models.SourceVariant
		variantDoc := models.SourceVariant{SourceProduct: parent.ID, URL: found.URL}
		if err := r.coord.Create(ctx, coordinator.CollectionSourceVariants, variantDoc, &variant); err != nil {
			return fmt.Errorf("failed to create source-variant for %s: %w", found.URL, err)
		}
		record.SourceProduct = parent.ID
		record.SourceVariant = variant.ID
	}

	if err := r.coord.Create(ctx, coordinator.CollectionDiscoveryResults, record, nil); err != nil {
		return fmt.Errorf("failed to write discovery result for %s: %w", found.URL, err)
	}
	return nil
}
