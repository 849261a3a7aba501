// -----------------------------------------------------------------------
// Crawl stage - fetch product pages for uncrawled source-variants
// -----------------------------------------------------------------------

package crawl

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/events"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
	"github.com/gleanr/gleaner/internal/workers/workerutil"
)

// parentPageLimit bounds the uncrawled-parent lookup per tick
const parentPageLimit = 100

// knownCrawlTypes guards Build; an empty type behaves like "all"
var knownCrawlTypes = map[string]bool{
	"":                            true,
	models.CrawlTypeAll:           true,
	models.CrawlTypeSelectedURLs:  true,
	models.CrawlTypeSelectedGTINs: true,
	models.CrawlTypeFromDiscovery: true,
	models.CrawlTypeRecrawl:       true,
}

// Runner implements the crawl stage: each tick claims up to
// itemsPerTick uncrawled variants within the job's scope, scrapes them,
// and persists products, variants and price history.
type Runner struct {
	coord        interfaces.Coordinator
	sink         *events.Service
	heartbeat    interfaces.Heartbeater
	drivers      map[string]interfaces.ScrapeDriver
	itemsPerTick int
	logger       arbor.ILogger
	now          func() time.Time
}

// NewRunner wires the crawl stage
func NewRunner(coord interfaces.Coordinator, sink *events.Service, heartbeat interfaces.Heartbeater, drivers []interfaces.ScrapeDriver, itemsPerTick int, logger arbor.ILogger) *Runner {
	bySource := make(map[string]interfaces.ScrapeDriver, len(drivers))
	for _, d := range drivers {
		bySource[d.Source()] = d
	}
	return &Runner{
		coord:        coord,
		sink:         sink,
		heartbeat:    heartbeat,
		drivers:      bySource,
		itemsPerTick: itemsPerTick,
		logger:       logger,
		now:          time.Now,
	}
}

func (r *Runner) Stage() models.JobStage {
	return models.StageCrawl
}

// Batch is one tick's slice of uncrawled variants
type Batch struct {
	job     *models.Job
	payload *models.CrawlJob
	items   []models.SourceVariant
}

func (b *Batch) Job() *models.Job { return b.job }
func (b *Batch) Size() int        { return len(b.items) }

// ItemResult is the scrape outcome for one variant
type ItemResult struct {
	Variant models.SourceVariant
	Scraped *interfaces.ScrapedProduct
	Err     string
}

// Result carries the batch's per-item outcomes in input order
type Result struct {
	Items []ItemResult
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

// Build expands a claimed crawl job into a batch of variants. The crawl
// stage has no explicit cursor; uncrawled variants are the implicit
// queue.
func (r *Runner) Build(ctx context.Context, job *models.Job) (interfaces.Batch, error) {
	var payload models.CrawlJob
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}

	// An unrecognized scope never becomes claimable again; mark the job
	// failed instead of erroring the batch and re-claiming it forever.
	if !knownCrawlTypes[payload.Type] {
		message := fmt.Sprintf("Unknown crawl scope %q", payload.Type)
		if err := workerutil.Fail(ctx, r.coord, r.sink, job, message); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if job.Status == models.JobStatusPending {
		if err := r.initialize(ctx, job, &payload); err != nil {
			return nil, err
		}
	}

	variants, err := r.claimableVariants(ctx, &payload, workerutil.BatchSize(job, r.itemsPerTick))
	if err != nil {
		return nil, err
	}

	if len(variants) == 0 {
		message := fmt.Sprintf("Crawl of %s finished: %d processed, %d errors", payload.Source, job.ProcessedItems, job.ErrorItems)
		if err := workerutil.Complete(ctx, r.coord, r.sink, job, 0, 0, message); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &Batch{job: job, payload: &payload, items: variants}, nil
}

// initialize promotes a pending job: applies recrawl resets, computes
// the total and emits the started event.
func (r *Runner) initialize(ctx context.Context, job *models.Job, payload *models.CrawlJob) error {
	if payload.Type == models.CrawlTypeRecrawl {
		if err := r.resetCrawledState(ctx, payload); err != nil {
			return err
		}
	}

	total, err := r.countScope(ctx, payload)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("Crawl of %s started: %d variants in scope", payload.Source, total)
	return workerutil.Start(ctx, r.coord, r.sink, job, total, nil, message)
}

// resetCrawledState flips the source's products back to uncrawled and
// clears variant timestamps, honoring the job's minimum crawl age.
func (r *Runner) resetCrawledState(ctx context.Context, payload *models.CrawlJob) error {
	variantWhere := coordinator.Exists("crawledAt", true)
	if minAge := payload.MinAge(); minAge > 0 {
		variantWhere = coordinator.And(
			coordinator.Exists("crawledAt", true),
			coordinator.Where{Field: "crawledAt", Op: coordinator.OpLessThanEqual, Value: r.now().UTC().Add(-minAge)},
		)
	}

	// Scope the reset to the job's source through the parent lookup
	parents, err := r.sourceProductIDs(ctx, payload.Source, "")
	if err != nil {
		return err
	}
	if len(parents) == 0 {
		return nil
	}

	reset := coordinator.And(coordinator.In("sourceProduct", parents), variantWhere)
	if err := r.coord.UpdateWhere(ctx, coordinator.CollectionSourceVariants, reset, map[string]interface{}{"crawledAt": nil}); err != nil {
		return fmt.Errorf("failed to reset variant crawl state: %w", err)
	}

	parentReset := coordinator.And(
		coordinator.Eq("source", payload.Source),
		coordinator.Eq("status", models.SourceProductCrawled),
	)
	patch := map[string]interface{}{"status": models.SourceProductUncrawled}
	if err := r.coord.UpdateWhere(ctx, coordinator.CollectionSourceProducts, parentReset, patch); err != nil {
		return fmt.Errorf("failed to reset source-product status: %w", err)
	}
	return nil
}

// countScope computes the job's total
func (r *Runner) countScope(ctx context.Context, payload *models.CrawlJob) (int, error) {
	where, err := r.scopeWhere(ctx, payload)
	if err != nil {
		return 0, err
	}
	if where == nil {
		return 0, nil
	}
	count, err := r.coord.Count(ctx, coordinator.CollectionSourceVariants, where)
	if err != nil {
		return 0, fmt.Errorf("failed to count crawl scope: %w", err)
	}
	return count, nil
}

// claimableVariants fetches this tick's slice
func (r *Runner) claimableVariants(ctx context.Context, payload *models.CrawlJob, limit int) ([]models.SourceVariant, error) {
	where, err := r.scopeWhere(ctx, payload)
	if err != nil {
		return nil, err
	}
	if where == nil {
		return nil, nil
	}

	list, err := r.coord.Find(ctx, coordinator.CollectionSourceVariants, coordinator.FindParams{
		Where: where,
		Limit: limit,
		Sort:  "createdAt",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable variants: %w", err)
	}
	return coordinator.DecodeDocs[models.SourceVariant](list)
}

// scopeWhere builds the variant filter for the job's scope. A nil
// return means the scope resolves to nothing at all.
func (r *Runner) scopeWhere(ctx context.Context, payload *models.CrawlJob) (*coordinator.Where, error) {
	uncrawled := coordinator.Exists("crawledAt", false)

	switch payload.Type {
	case models.CrawlTypeAll, models.CrawlTypeRecrawl, "":
		parents, err := r.sourceProductIDs(ctx, payload.Source, models.SourceProductUncrawled)
		if err != nil {
			return nil, err
		}
		if len(parents) == 0 {
			return nil, nil
		}
		where := coordinator.And(coordinator.In("sourceProduct", parents), uncrawled)
		return &where, nil

	case models.CrawlTypeSelectedURLs:
		if len(payload.URLs) == 0 {
			return nil, nil
		}
		where := coordinator.And(coordinator.In("url", payload.URLs), uncrawled)
		return &where, nil

	case models.CrawlTypeSelectedGTINs:
		if len(payload.GTINs) == 0 {
			return nil, nil
		}
		where := coordinator.And(coordinator.In("gtin", payload.GTINs), uncrawled)
		return &where, nil

	case models.CrawlTypeFromDiscovery:
		variantIDs, err := r.discoveredVariantIDs(ctx, payload.DiscoveryJob)
		if err != nil {
			return nil, err
		}
		if len(variantIDs) == 0 {
			return nil, nil
		}
		where := coordinator.And(coordinator.In("id", variantIDs), uncrawled)
		return &where, nil

	default:
		return nil, fmt.Errorf("unknown crawl scope %q", payload.Type)
	}
}

func (r *Runner) sourceProductIDs(ctx context.Context, source, status string) ([]string, error) {
	where := coordinator.Eq("source", source)
	if status != "" {
		where = coordinator.And(coordinator.Eq("source", source), coordinator.Eq("status", status))
	}

	list, err := r.coord.Find(ctx, coordinator.CollectionSourceProducts, coordinator.FindParams{
		Where: &where,
		Limit: parentPageLimit,
		Sort:  "createdAt",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list source-products for %s: %w", source, err)
	}

	products, err := coordinator.DecodeDocs[models.SourceProduct](list)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (r *Runner) discoveredVariantIDs(ctx context.Context, discoveryJobID string) ([]string, error) {
	where := coordinator.Eq("job", discoveryJobID)
	list, err := r.coord.Find(ctx, coordinator.CollectionDiscoveryResults, coordinator.FindParams{
		Where: &where,
		Limit: parentPageLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list discovery results for job %s: %w", discoveryJobID, err)
	}

	results, err := coordinator.DecodeDocs[models.DiscoveryResult](list)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(results))
	for _, res := range results {
		if res.SourceVariant != "" {
			ids = append(ids, res.SourceVariant)
		}
	}
	return ids, nil
}

// Execute scrapes every variant in the batch sequentially. Per-item
// failures are recorded and the batch continues.
func (r *Runner) Execute(ctx context.Context, batch interfaces.Batch) (interfaces.BatchResult, error) {
	b, ok := batch.(*Batch)
	if !ok {
		return nil, fmt.Errorf("crawl runner received foreign batch type %T", batch)
	}

	driver, ok := r.drivers[b.payload.Source]
	if !ok {
		return nil, fmt.Errorf("no scrape driver registered for source %q", b.payload.Source)
	}

	result := &Result{Items: make([]ItemResult, 0, len(b.items))}
	for _, variant := range b.items {
		r.heartbeat.Beat(ctx, models.StageCrawl, b.job.ID)

		scraped, err := driver.Scrape(ctx, variant.URL)
		item := ItemResult{Variant: variant, Scraped: scraped}
		if err != nil {
			item.Err = err.Error()
			r.logger.Warn().Err(err).Str("url", variant.URL).Msg("Variant scrape failed")
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

// Submit persists each item independently, writes join records, bumps
// counters and releases or completes the job.
func (r *Runner) Submit(ctx context.Context, batch interfaces.Batch, batchResult interfaces.BatchResult) error {
	b := batch.(*Batch)
	res := batchResult.(*Result)

	for i := range res.Items {
		item := &res.Items[i]
		if item.Err == "" {
			if err := r.persistItem(ctx, item.Variant, item.Scraped); err != nil {
				// A persist failure is the item's failure, not just a log line
				item.Err = err.Error()
				r.logger.Warn().Err(err).Str("variant_id", item.Variant.ID).Msg("Variant persist failed")
			}
		}

		record := models.CrawlResult{
			Job:           b.job.ID,
			SourceVariant: item.Variant.ID,
			URL:           item.Variant.URL,
			Error:         item.Err,
		}
		if err := r.coord.Create(ctx, coordinator.CollectionCrawlResults, record, nil); err != nil {
			return fmt.Errorf("failed to write crawl result for %s: %w", item.Variant.ID, err)
		}
	}

	succeeded, failed := res.Counts()
	if workerutil.Exhausted(b.job, succeeded, failed) {
		message := fmt.Sprintf("Crawl of %s finished: %d processed, %d errors",
			b.payload.Source, b.job.ProcessedItems+succeeded, b.job.ErrorItems+failed)
		return workerutil.Complete(ctx, r.coord, r.sink, b.job, succeeded, failed, message)
	}
	return workerutil.Release(ctx, r.coord, b.job, succeeded, failed, nil)
}

// persistItem applies the crawl merge rules for one scraped variant
func (r *Runner) persistItem(ctx context.Context, variant models.SourceVariant, scraped *interfaces.ScrapedProduct) error {
	if scraped == nil {
		return fmt.Errorf("scraper returned no data for %s", variant.URL)
	}
	now := r.now().UTC()

	// Parent fields: overwrite only with non-empty scraped values
	parentPatch := map[string]interface{}{}
	if scraped.Name != "" {
		parentPatch["name"] = scraped.Name
	}
	if scraped.Brand != "" {
		parentPatch["brand"] = scraped.Brand
	}
	if scraped.Description != "" {
		parentPatch["description"] = scraped.Description
	}
	if scraped.IngredientsText != "" {
		parentPatch["ingredientsText"] = scraped.IngredientsText
	}
	if scraped.Rating > 0 {
		parentPatch["rating"] = scraped.Rating
		parentPatch["ratingCount"] = scraped.RatingCount
	}
	if scraped.ImageURL != "" {
		parentPatch["imageUrl"] = scraped.ImageURL
	}
	if len(parentPatch) > 0 {
		if err := r.coord.UpdateByID(ctx, coordinator.CollectionSourceProducts, variant.SourceProduct, parentPatch, nil, nil); err != nil {
			return fmt.Errorf("failed to update source-product %s: %w", variant.SourceProduct, err)
		}
	}

	// Variant: append price history, never replace prior entries
	var current models.SourceVariant
	if err := r.coord.FindByID(ctx, coordinator.CollectionSourceVariants, variant.ID, &current); err != nil {
		return fmt.Errorf("failed to reload variant %s: %w", variant.ID, err)
	}
	history := current.PriceHistory
	if scraped.Price > 0 {
		history = append(history, models.PriceEntry{
			Price:      scraped.Price,
			Currency:   scraped.Currency,
			ObservedAt: now,
		})
	}

	variantPatch := map[string]interface{}{
		"crawledAt":    now.Format(time.RFC3339Nano),
		"priceHistory": history,
	}
	if scraped.CanonicalURL != "" {
		variantPatch["canonicalUrl"] = scraped.CanonicalURL
	}
	if scraped.GTIN != "" && current.GTIN == "" {
		variantPatch["gtin"] = scraped.GTIN
	}
	if err := r.coord.UpdateByID(ctx, coordinator.CollectionSourceVariants, variant.ID, variantPatch, nil, nil); err != nil {
		return fmt.Errorf("failed to update variant %s: %w", variant.ID, err)
	}

	if err := r.createSiblings(ctx, variant.SourceProduct, scraped.Variants); err != nil {
		return err
	}

	return r.settleParentStatus(ctx, variant.SourceProduct)
}

// createSiblings inserts variants the driver discovered on the page,
// deduplicated by URL.
func (r *Runner) createSiblings(ctx context.Context, parentID string, siblings []interfaces.ScrapedVariant) error {
	for _, sibling := range siblings {
		where := coordinator.Eq("url", sibling.URL)
		count, err := r.coord.Count(ctx, coordinator.CollectionSourceVariants, &where)
		if err != nil {
			return fmt.Errorf("failed to probe sibling %s: %w", sibling.URL, err)
		}
		if count > 0 {
			continue
		}

		doc := models.SourceVariant{
			SourceProduct: parentID,
			URL:           sibling.URL,
			GTIN:          sibling.GTIN,
			Size:          sibling.Size,
		}
		if err := r.coord.Create(ctx, coordinator.CollectionSourceVariants, doc, nil); err != nil {
			return fmt.Errorf("failed to create sibling variant %s: %w", sibling.URL, err)
		}
	}
	return nil
}

// settleParentStatus marks the parent crawled once no child variant is
// missing a crawl timestamp.
func (r *Runner) settleParentStatus(ctx context.Context, parentID string) error {
	where := coordinator.And(
		coordinator.Eq("sourceProduct", parentID),
		coordinator.Exists("crawledAt", false),
	)
	remaining, err := r.coord.Count(ctx, coordinator.CollectionSourceVariants, &where)
	if err != nil {
		return fmt.Errorf("failed to count pending siblings of %s: %w", parentID, err)
	}
	if remaining > 0 {
		return nil
	}

	patch := map[string]interface{}{"status": models.SourceProductCrawled}
	return r.coord.UpdateByID(ctx, coordinator.CollectionSourceProducts, parentID, patch, nil, nil)
}
