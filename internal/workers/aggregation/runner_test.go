package aggregation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/coordinator/coordinatortest"
	"github.com/gleanr/gleaner/internal/events"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
)

type noopHeartbeat struct{}

func (h *noopHeartbeat) Beat(ctx context.Context, stage models.JobStage, jobID string) {}

type fakeMatcher struct {
	brandCalls    int
	classifyCalls int
}

func (m *fakeMatcher) MatchBrand(ctx context.Context, raw string, known []string) (*interfaces.BrandMatch, error) {
	m.brandCalls++
	return &interfaces.BrandMatch{Brand: "The Ordinary", Confidence: 0.95}, nil
}

func (m *fakeMatcher) MatchProduct(ctx context.Context, rawName string, candidates []string) (int, error) {
	return -1, nil
}

func (m *fakeMatcher) AnalyzeTranscript(ctx context.Context, segments []interfaces.TranscriptSegment) ([]interfaces.ProductMention, error) {
	return nil, nil
}

func (m *fakeMatcher) Classify(ctx context.Context, name, brand, ingredientsText string) (*interfaces.ProductClassification, error) {
	m.classifyCalls++
	return &interfaces.ProductClassification{Category: "serum", StoreScore: 4.2, CreatorScore: 3.5}, nil
}

func newTestRunner(fake *coordinatortest.Fake, itemsPerTick int) (*Runner, *fakeMatcher) {
	logger := common.GetLogger()
	sink := events.NewService(fake, "w1", "info", logger)
	matcher := &fakeMatcher{}
	runner := NewRunner(fake, sink, &noopHeartbeat{}, matcher, itemsPerTick, logger)
	runner.now = fake.Now
	return runner, matcher
}

func seedCrawled(fake *coordinatortest.Fake, id, name, gtin string, rating float64) string {
	fake.Seed("source-products", map[string]interface{}{
		"id":     id,
		"source": "shop",
		"name":   name,
		"status": "crawled",
		"rating": rating,
	})
	fake.Seed("source-variants", map[string]interface{}{
		"sourceProduct": id,
		"url":           "https://shop.example.com/" + id,
		"gtin":          gtin,
	})
	return id
}

func seedJob(fake *coordinatortest.Fake, doc map[string]interface{}) *models.Job {
	base := map[string]interface{}{
		"type":           "all",
		"scope":          "basic",
		"status":         "pending",
		"claimedBy":      "w1",
		"claimedAt":      fake.Now().Format(time.RFC3339Nano),
		"totalItems":     0,
		"processedItems": 0,
		"errorItems":     0,
	}
	for k, v := range doc {
		base[k] = v
	}
	id := fake.Seed("aggregation-jobs", base)
	return reloadJob(fake, id)
}

func reloadJob(fake *coordinatortest.Fake, id string) *models.Job {
	var job models.Job
	if !fake.GetAs("aggregation-jobs", id, &job) {
		panic("job not found")
	}
	job.Stage = models.StageAggregation
	return &job
}

func runTick(t *testing.T, runner *Runner, job *models.Job) bool {
	t.Helper()
	batch, err := runner.Build(context.Background(), job)
	require.NoError(t, err)
	if batch == nil {
		return false
	}
	result, err := runner.Execute(context.Background(), batch)
	require.NoError(t, err)
	require.NoError(t, runner.Submit(context.Background(), batch, result))
	return true
}

func TestCursorScanWalksAllCrawledProducts(t *testing.T) {
	fake := coordinatortest.NewFake()
	runner, _ := newTestRunner(fake, 5)

	for i := 1; i <= 12; i++ {
		id := fmt.Sprintf("sp-%03d", i)
		seedCrawled(fake, id, "Product "+id, fmt.Sprintf("40%03d", i), 4.0)
	}
	// Not crawled yet: stays out of scope
	fake.Seed("source-products", map[string]interface{}{
		"id": "sp-999", "source": "shop", "name": "Pending", "status": "uncrawled",
	})

	job := seedJob(fake, nil)

	require.True(t, runTick(t, runner, job))
	doc := fake.Get("aggregation-jobs", job.ID)
	assert.Equal(t, "in_progress", doc["status"])
	assert.Equal(t, float64(12), doc["totalItems"])
	progress := doc["progress"].(map[string]interface{})
	assert.Equal(t, "sp-005", progress["lastCheckedSourceId"])

	require.True(t, runTick(t, runner, reloadJob(fake, job.ID)))
	progress = fake.Get("aggregation-jobs", job.ID)["progress"].(map[string]interface{})
	assert.Equal(t, "sp-010", progress["lastCheckedSourceId"])

	require.True(t, runTick(t, runner, reloadJob(fake, job.ID)))
	doc = fake.Get("aggregation-jobs", job.ID)
	assert.Equal(t, "completed", doc["status"])
	assert.Equal(t, float64(12), doc["processedItems"])
	assert.Equal(t, float64(0), doc["errorItems"])

	// Each crawled source-product landed in exactly one product
	assert.Len(t, fake.All("products"), 12)
	assert.Len(t, fake.All("aggregation-results"), 12)
}

func TestSharedGTINMergesIntoOneProduct(t *testing.T) {
	fake := coordinatortest.NewFake()
	runner, _ := newTestRunner(fake, 10)

	a := seedCrawled(fake, "sp-001", "Niacinamide 10%", "4001", 4.5)
	b := seedCrawled(fake, "sp-002", "Niacinamide 10% Zinc", "4001", 4.1)

	job := seedJob(fake, nil)
	require.True(t, runTick(t, runner, job))

	products := fake.All("products")
	require.Len(t, products, 1)
	sources, ok := products[0]["sourceProducts"].([]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []interface{}{a, b}, sources)

	variants := fake.All("product-variants")
	require.Len(t, variants, 1)
	assert.Equal(t, "4001", variants[0]["gtin"])
}

func TestScoreHistoryPrependsWithTrend(t *testing.T) {
	fake := coordinatortest.NewFake()
	runner, _ := newTestRunner(fake, 10)

	seedCrawled(fake, "sp-001", "Hyaluronic Serum", "4001", 4.0)
	require.True(t, runTick(t, runner, seedJob(fake, nil)))

	// Rating went up between crawls
	require.NoError(t, fake.UpdateByID(context.Background(), "source-products", "sp-001",
		map[string]interface{}{"rating": 4.6}, nil, nil))
	fake.Advance(24 * time.Hour)
	require.True(t, runTick(t, runner, seedJob(fake, nil)))

	// And back down
	require.NoError(t, fake.UpdateByID(context.Background(), "source-products", "sp-001",
		map[string]interface{}{"rating": 3.2}, nil, nil))
	fake.Advance(24 * time.Hour)
	require.True(t, runTick(t, runner, seedJob(fake, nil)))

	products := fake.All("products")
	require.Len(t, products, 1)
	history, ok := products[0]["scoreHistory"].([]interface{})
	require.True(t, ok)
	require.Len(t, history, 3)

	newest := history[0].(map[string]interface{})
	middle := history[1].(map[string]interface{})
	oldest := history[2].(map[string]interface{})
	assert.Equal(t, "drop", newest["trend"])
	assert.Equal(t, float64(3.2), newest["storeScore"])
	assert.Equal(t, "increase", middle["trend"])
	assert.Equal(t, "stable", oldest["trend"])
}

func TestSelectedGTINsCompletesInOneTick(t *testing.T) {
	fake := coordinatortest.NewFake()
	runner, _ := newTestRunner(fake, 10)

	seedCrawled(fake, "sp-001", "Target A", "4001", 4.0)
	seedCrawled(fake, "sp-002", "Target B", "4002", 4.0)
	seedCrawled(fake, "sp-003", "Bystander", "4003", 4.0)

	job := seedJob(fake, map[string]interface{}{
		"type":  "selected_gtins",
		"gtins": []interface{}{"4001", "4002"},
	})

	require.True(t, runTick(t, runner, job))

	doc := fake.Get("aggregation-jobs", job.ID)
	assert.Equal(t, "completed", doc["status"])
	assert.Equal(t, float64(2), doc["totalItems"])
	assert.Equal(t, float64(2), doc["processedItems"])

	assert.Len(t, fake.All("products"), 2)
	assert.Len(t, fake.All("aggregation-results"), 2)
}

func TestFullScopeEnrichment(t *testing.T) {
	fake := coordinatortest.NewFake()
	runner, matcher := newTestRunner(fake, 10)

	fake.Seed("source-products", map[string]interface{}{
		"id":              "sp-001",
		"source":          "shop",
		"name":            "Niacinamide 10%",
		"brand":           "the ordinary.",
		"status":          "crawled",
		"rating":          4.0,
		"ingredientsText": "AQUA, NIACINAMIDE, ZINC PCA",
		"imageUrl":        "https://cdn.example.com/niacinamide.jpg",
	})
	fake.Seed("source-variants", map[string]interface{}{
		"sourceProduct": "sp-001", "url": "https://shop.example.com/n10", "gtin": "4001",
	})
	aquaID := fake.Seed("ingredients", map[string]interface{}{"name": "Aqua"})
	fake.Seed("ingredients", map[string]interface{}{"name": "Retinol"})

	job := seedJob(fake, map[string]interface{}{"scope": "full"})
	require.True(t, runTick(t, runner, job))

	products := fake.All("products")
	require.Len(t, products, 1)
	p := products[0]
	assert.Equal(t, "The Ordinary", p["brand"])
	assert.Equal(t, "serum", p["category"])
	assert.Equal(t, "https://cdn.example.com/niacinamide.jpg", p["image"])

	ingredients, ok := p["ingredients"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{aquaID}, ingredients)

	history := p["scoreHistory"].([]interface{})
	require.Len(t, history, 1)
	entry := history[0].(map[string]interface{})
	assert.Equal(t, float64(4.2), entry["storeScore"])
	assert.Equal(t, float64(3.5), entry["creatorScore"])

	assert.Equal(t, 1, matcher.brandCalls)
	assert.Equal(t, 1, matcher.classifyCalls)
}

// createFailingFake rejects every insert into one collection
type createFailingFake struct {
	*coordinatortest.Fake
	collection string
}

func (f *createFailingFake) Create(ctx context.Context, collection string, data interface{}, out interface{}) error {
	if collection == f.collection {
		return errors.New("coordinator POST returned 502")
	}
	return f.Fake.Create(ctx, collection, data, out)
}

func TestPersistFailureCountsAsError(t *testing.T) {
	fake := coordinatortest.NewFake()
	coord := &createFailingFake{Fake: fake, collection: "products"}

	logger := common.GetLogger()
	sink := events.NewService(coord, "w1", "info", logger)
	runner := NewRunner(coord, sink, &noopHeartbeat{}, &fakeMatcher{}, 10, logger)
	runner.now = fake.Now

	seedCrawled(fake, "sp-001", "Niacinamide 10%", "4001", 4.0)
	job := seedJob(fake, nil)

	require.True(t, runTick(t, runner, job))

	// The merge could not create the product: the item is an error
	doc := fake.Get("aggregation-jobs", job.ID)
	assert.Equal(t, "completed", doc["status"])
	assert.Equal(t, float64(0), doc["processedItems"])
	assert.Equal(t, float64(1), doc["errorItems"])

	records := fake.All("aggregation-results")
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0]["error"])
	assert.Empty(t, records[0]["product"])

	assert.Empty(t, fake.All("products"))
}

func TestBasicScopeSkipsMatcher(t *testing.T) {
	fake := coordinatortest.NewFake()
	runner, matcher := newTestRunner(fake, 10)

	seedCrawled(fake, "sp-001", "Plain Cleanser", "4001", 3.8)
	require.True(t, runTick(t, runner, seedJob(fake, nil)))

	assert.Equal(t, 0, matcher.brandCalls)
	assert.Equal(t, 0, matcher.classifyCalls)

	products := fake.All("products")
	require.Len(t, products, 1)
	_, hasCategory := products[0]["category"]
	assert.False(t, hasCategory)
}
