// -----------------------------------------------------------------------
// Aggregation stage - merge crawled source-products into logical products
// -----------------------------------------------------------------------

package aggregation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/events"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
	"github.com/gleanr/gleaner/internal/workers/workerutil"
)

// brandCandidateLimit bounds the known-brand list offered to the matcher
const brandCandidateLimit = 100

// Runner implements the aggregation stage. For type=all the cursor is a
// monotonic id scan over crawled source-products; selected_gtins fixes
// the scope up front and finishes in one tick.
type Runner struct {
	coord        interfaces.Coordinator
	sink         *events.Service
	heartbeat    interfaces.Heartbeater
	matcher      interfaces.Matcher
	itemsPerTick int
	logger       arbor.ILogger
	now          func() time.Time
}

// NewRunner wires the aggregation stage
func NewRunner(coord interfaces.Coordinator, sink *events.Service, heartbeat interfaces.Heartbeater, matcher interfaces.Matcher, itemsPerTick int, logger arbor.ILogger) *Runner {
	return &Runner{
		coord:        coord,
		sink:         sink,
		heartbeat:    heartbeat,
		matcher:      matcher,
		itemsPerTick: itemsPerTick,
		logger:       logger,
		now:          time.Now,
	}
}

func (r *Runner) Stage() models.JobStage {
	return models.StageAggregation
}

// Batch is this tick's window of crawled source-products
type Batch struct {
	job     *models.Job
	payload *models.AggregationJob
	cursor  models.AggregationCursor
	items   []models.SourceProduct
}

func (b *Batch) Job() *models.Job { return b.job }
func (b *Batch) Size() int        { return len(b.items) }

// ItemResult is the analysis for one source-product
type ItemResult struct {
	SourceProduct  models.SourceProduct
	Variants       []models.SourceVariant
	Brand          *interfaces.BrandMatch
	Classification *interfaces.ProductClassification
	Err            string
}

// Result carries per-item outcomes in input order
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

// Build expands a claimed aggregation job into the next scan window
func (r *Runner) Build(ctx context.Context, job *models.Job) (interfaces.Batch, error) {
	var payload models.AggregationJob
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusPending {
		total, err := r.countScope(ctx, &payload)
		if err != nil {
			return nil, err
		}
		cursor := models.AggregationCursor{LastCheckedSourceID: ""}
		message := fmt.Sprintf("Aggregation started: %d source-products in scope", total)
		if err := workerutil.Start(ctx, r.coord, r.sink, job, total, cursor, message); err != nil {
			return nil, err
		}
	}

	var cursor models.AggregationCursor
	models.DecodeCursor(job.Progress, &cursor)

	items, err := r.scanWindow(ctx, &payload, cursor, workerutil.BatchSize(job, r.itemsPerTick))
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		message := fmt.Sprintf("Aggregation finished: %d processed, %d errors", job.ProcessedItems, job.ErrorItems)
		if err := workerutil.Complete(ctx, r.coord, r.sink, job, 0, 0, message); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &Batch{job: job, payload: &payload, cursor: cursor, items: items}, nil
}

func (r *Runner) countScope(ctx context.Context, payload *models.AggregationJob) (int, error) {
	if payload.Type == models.AggregationTypeSelectedGTINs {
		parents, err := r.parentsForGTINs(ctx, payload.GTINs)
		if err != nil {
			return 0, err
		}
		return len(parents), nil
	}
	where := coordinator.Eq("status", models.SourceProductCrawled)
	return r.coord.Count(ctx, coordinator.CollectionSourceProducts, &where)
}

// scanWindow returns the next itemsPerTick source-products. For
// type=all the window starts strictly after the cursor id.
func (r *Runner) scanWindow(ctx context.Context, payload *models.AggregationJob, cursor models.AggregationCursor, limit int) ([]models.SourceProduct, error) {
	if payload.Type == models.AggregationTypeSelectedGTINs {
		parents, err := r.parentsForGTINs(ctx, payload.GTINs)
		if err != nil {
			return nil, err
		}
		if len(parents) > limit {
			parents = parents[:limit]
		}
		return parents, nil
	}

	where := coordinator.Eq("status", models.SourceProductCrawled)
	if cursor.LastCheckedSourceID != "" {
		where = coordinator.And(
			coordinator.Eq("status", models.SourceProductCrawled),
			coordinator.Gt("id", cursor.LastCheckedSourceID),
		)
	}
	list, err := r.coord.Find(ctx, coordinator.CollectionSourceProducts, coordinator.FindParams{
		Where: &where,
		Limit: limit,
		Sort:  "id",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan source-products: %w", err)
	}
	return coordinator.DecodeDocs[models.SourceProduct](list)
}

func (r *Runner) parentsForGTINs(ctx context.Context, gtins []string) ([]models.SourceProduct, error) {
	if len(gtins) == 0 {
		return nil, nil
	}
	where := coordinator.In("gtin", gtins)
	list, err := r.coord.Find(ctx, coordinator.CollectionSourceVariants, coordinator.FindParams{Where: &where})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve GTIN scope: %w", err)
	}
	variants, err := coordinator.DecodeDocs[models.SourceVariant](list)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var parents []models.SourceProduct
	for _, v := range variants {
		if seen[v.SourceProduct] {
			continue
		}
		seen[v.SourceProduct] = true

		var parent models.SourceProduct
		if err := r.coord.FindByID(ctx, coordinator.CollectionSourceProducts, v.SourceProduct, &parent); err != nil {
			if coordinator.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to load source-product %s: %w", v.SourceProduct, err)
		}
		parents = append(parents, parent)
	}
	return parents, nil
}

// Execute analyzes each source-product. Full scope adds the LLM brand
// match and classification; basic scope only gathers variants.
func (r *Runner) Execute(ctx context.Context, batch interfaces.Batch) (interfaces.BatchResult, error) {
	b, ok := batch.(*Batch)
	if !ok {
		return nil, fmt.Errorf("aggregation runner received foreign batch type %T", batch)
	}

	result := &Result{Items: make([]ItemResult, 0, len(b.items))}
	for _, sp := range b.items {
		r.heartbeat.Beat(ctx, models.StageAggregation, b.job.ID)

		item := ItemResult{SourceProduct: sp}

		variants, err := r.variantsOf(ctx, sp.ID)
		if err != nil {
			item.Err = err.Error()
			result.Items = append(result.Items, item)
			continue
		}
		item.Variants = variants

		if b.payload.Scope == models.AggregationScopeFull {
			if err := r.enrich(ctx, &item); err != nil {
				item.Err = err.Error()
				r.logger.Warn().Err(err).Str("source_product", sp.ID).Msg("Enrichment failed")
			}
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func (r *Runner) variantsOf(ctx context.Context, sourceProductID string) ([]models.SourceVariant, error) {
	where := coordinator.Eq("sourceProduct", sourceProductID)
	list, err := r.coord.Find(ctx, coordinator.CollectionSourceVariants, coordinator.FindParams{Where: &where})
	if err != nil {
		return nil, fmt.Errorf("failed to list variants of %s: %w", sourceProductID, err)
	}
	return coordinator.DecodeDocs[models.SourceVariant](list)
}

// enrich runs the full-scope LLM steps for one item
func (r *Runner) enrich(ctx context.Context, item *ItemResult) error {
	sp := item.SourceProduct

	if sp.Brand != "" {
		known, err := r.knownBrands(ctx)
		if err != nil {
			return err
		}
		match, err := r.matcher.MatchBrand(ctx, sp.Brand, known)
		if err != nil {
			return fmt.Errorf("brand match failed: %w", err)
		}
		item.Brand = match
	}

	classification, err := r.matcher.Classify(ctx, sp.Name, sp.Brand, sp.IngredientsText)
	if err != nil {
		return fmt.Errorf("classification failed: %w", err)
	}
	item.Classification = classification
	return nil
}

func (r *Runner) knownBrands(ctx context.Context) ([]string, error) {
	list, err := r.coord.Find(ctx, coordinator.CollectionProducts, coordinator.FindParams{Limit: brandCandidateLimit, Sort: "createdAt"})
	if err != nil {
		return nil, fmt.Errorf("failed to list known brands: %w", err)
	}
	products, err := coordinator.DecodeDocs[models.Product](list)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var brands []string
	for _, p := range products {
		if p.Brand == "" || seen[p.Brand] {
			continue
		}
		seen[p.Brand] = true
		brands = append(brands, p.Brand)
	}
	return brands, nil
}

// Submit merges each item into the product graph, advances the cursor
// and releases or completes.
func (r *Runner) Submit(ctx context.Context, batch interfaces.Batch, batchResult interfaces.BatchResult) error {
	b := batch.(*Batch)
	res := batchResult.(*Result)

	next := b.cursor
	for i := range res.Items {
		item := &res.Items[i]
		productID := ""
		if item.Err == "" {
			var err error
			productID, err = r.persistItem(ctx, b.payload, item)
			if err != nil {
				// A persist failure counts against the item
				item.Err = err.Error()
				r.logger.Warn().Err(err).Str("source_product", item.SourceProduct.ID).Msg("Aggregation persist failed")
			}
		}

		record := models.AggregationResult{
			Job:           b.job.ID,
			SourceProduct: item.SourceProduct.ID,
			Product:       productID,
			Error:         item.Err,
		}
		if err := r.coord.Create(ctx, coordinator.CollectionAggregationResults, record, nil); err != nil {
			return fmt.Errorf("failed to write aggregation result: %w", err)
		}

		if item.SourceProduct.ID > next.LastCheckedSourceID {
			next.LastCheckedSourceID = item.SourceProduct.ID
		}
	}

	succeeded, failed := res.Counts()
	done := workerutil.Exhausted(b.job, succeeded, failed) ||
		b.payload.Type == models.AggregationTypeSelectedGTINs

	if done {
		message := fmt.Sprintf("Aggregation finished: %d processed, %d errors",
			b.job.ProcessedItems+succeeded, b.job.ErrorItems+failed)
		return workerutil.Complete(ctx, r.coord, r.sink, b.job, succeeded, failed, message)
	}
	return workerutil.Release(ctx, r.coord, b.job, succeeded, failed, next)
}

// persistItem applies the aggregation merge rules for one source-product
func (r *Runner) persistItem(ctx context.Context, payload *models.AggregationJob, item *ItemResult) (string, error) {
	product, err := r.findOrCreateProduct(ctx, item)
	if err != nil {
		return "", err
	}

	patch := map[string]interface{}{
		"sourceProducts": mergeIDs(product.SourceProducts, item.SourceProduct.ID),
	}

	if payload.Scope == models.AggregationScopeFull {
		if item.Brand != nil && item.Brand.Brand != "" {
			patch["brand"] = item.Brand.Brand
		}
		if item.Classification != nil {
			patch["category"] = item.Classification.Category
		}
		if ingredientIDs, err := r.matchIngredients(ctx, item.SourceProduct.IngredientsText); err != nil {
			r.logger.Warn().Err(err).Msg("Ingredient match failed")
		} else if len(ingredientIDs) > 0 {
			patch["ingredients"] = ingredientIDs
		}
		if product.Image == "" && item.SourceProduct.ImageURL != "" {
			patch["image"] = item.SourceProduct.ImageURL
		}
	}

	patch["scoreHistory"] = r.prependScore(ctx, product, item)

	if err := r.coord.UpdateByID(ctx, coordinator.CollectionProducts, product.ID, patch, nil, nil); err != nil {
		return "", fmt.Errorf("failed to update product %s: %w", product.ID, err)
	}
	return product.ID, nil
}

// findOrCreateProduct resolves the logical product by GTIN through the
// variant lookup, creating the product and its GTIN variants when the
// group is new.
func (r *Runner) findOrCreateProduct(ctx context.Context, item *ItemResult) (*models.Product, error) {
	for _, variant := range item.Variants {
		if variant.GTIN == "" {
			continue
		}
		where := coordinator.Eq("gtin", variant.GTIN)
		list, err := r.coord.Find(ctx, coordinator.CollectionProductVariants, coordinator.FindParams{Where: &where, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("failed to look up GTIN %s: %w", variant.GTIN, err)
		}
		if len(list.Docs) == 0 {
			continue
		}
		productVariants, err := coordinator.DecodeDocs[models.ProductVariant](list)
		if err != nil {
			return nil, err
		}

		var product models.Product
		if err := r.coord.FindByID(ctx, coordinator.CollectionProducts, productVariants[0].Product, &product); err != nil {
			return nil, fmt.Errorf("failed to load product %s: %w", productVariants[0].Product, err)
		}
		return &product, nil
	}

	// New group: create the product and one product-variant per GTIN
	var created models.Product
	doc := models.Product{
		Name:  item.SourceProduct.Name,
		Brand: item.SourceProduct.Brand,
	}
	if err := r.coord.Create(ctx, coordinator.CollectionProducts, doc, &created); err != nil {
		return nil, fmt.Errorf("failed to create product for %s: %w", item.SourceProduct.ID, err)
	}

	for _, variant := range item.Variants {
		if variant.GTIN == "" {
			continue
		}
		pv := models.ProductVariant{Product: created.ID, GTIN: variant.GTIN, Size: variant.Size}
		if err := r.coord.Create(ctx, coordinator.CollectionProductVariants, pv, nil); err != nil {
			return nil, fmt.Errorf("failed to create product-variant %s: %w", variant.GTIN, err)
		}
	}
	return &created, nil
}

// matchIngredients links ingredient reference records named inside the
// source's ingredients text.
func (r *Runner) matchIngredients(ctx context.Context, ingredientsText string) ([]string, error) {
	if ingredientsText == "" {
		return nil, nil
	}
	// The reference catalog is small; scan it client-side
	list, err := r.coord.Find(ctx, coordinator.CollectionIngredients, coordinator.FindParams{Limit: 500, Sort: "name"})
	if err != nil {
		return nil, err
	}
	ingredients, err := coordinator.DecodeDocs[models.Ingredient](list)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, ing := range ingredients {
		if ing.Name != "" && containsFold(ingredientsText, ing.Name) {
			ids = append(ids, ing.ID)
		}
	}
	return ids, nil
}

// prependScore builds the new score history, newest entry first, with
// a trend label against the previous entry.
func (r *Runner) prependScore(ctx context.Context, product *models.Product, item *ItemResult) []models.ScoreEntry {
	entry := models.ScoreEntry{
		StoreScore: item.SourceProduct.Rating,
		RecordedAt: r.now().UTC(),
	}
	if item.Classification != nil {
		if item.Classification.StoreScore > 0 {
			entry.StoreScore = item.Classification.StoreScore
		}
		entry.CreatorScore = item.Classification.CreatorScore
	} else {
		entry.CreatorScore = r.creatorScore(ctx, product.ID)
	}

	entry.Trend = models.ScoreTrendStable
	if len(product.ScoreHistory) > 0 {
		previous := product.ScoreHistory[0]
		current := entry.StoreScore + entry.CreatorScore
		before := previous.StoreScore + previous.CreatorScore
		switch {
		case current > before:
			entry.Trend = models.ScoreTrendIncrease
		case current < before:
			entry.Trend = models.ScoreTrendDrop
		}
	}

	return append([]models.ScoreEntry{entry}, product.ScoreHistory...)
}

// creatorScore derives a 0-5 score from mention sentiment
func (r *Runner) creatorScore(ctx context.Context, productID string) float64 {
	where := coordinator.Eq("product", productID)
	list, err := r.coord.Find(ctx, coordinator.CollectionMentions, coordinator.FindParams{Where: &where})
	if err != nil {
		r.logger.Warn().Err(err).Str("product_id", productID).Msg("Mention lookup failed")
		return 0
	}
	mentions, err := coordinator.DecodeDocs[models.Mention](list)
	if err != nil || len(mentions) == 0 {
		return 0
	}

	positive := 0
	for _, m := range mentions {
		if m.Sentiment == models.SentimentPositive {
			positive++
		}
	}
	return 5 * float64(positive) / float64(len(mentions))
}

func mergeIDs(existing []string, id string) []string {
	for _, e := range existing {
		if e == id {
			return existing
		}
	}
	return append(existing, id)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
