package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
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

type noopHeartbeat struct{ beats int }

func (h *noopHeartbeat) Beat(ctx context.Context, stage models.JobStage, jobID string) { h.beats++ }

type fakeDriver struct {
	source  string
	pages   map[string]*interfaces.ScrapedProduct
	failing map[string]bool
	calls   int
}

func (d *fakeDriver) Source() string { return d.source }

func (d *fakeDriver) Scrape(ctx context.Context, url string) (*interfaces.ScrapedProduct, error) {
	d.calls++
	if d.failing[url] {
		return nil, errors.New("page returned 503")
	}
	if page, ok := d.pages[url]; ok {
		return page, nil
	}
	return &interfaces.ScrapedProduct{Name: "Product at " + url, Price: 9.99, Currency: "EUR"}, nil
}

func newTestRunner(fake *coordinatortest.Fake, driver *fakeDriver, itemsPerTick int) (*Runner, *noopHeartbeat) {
	logger := common.GetLogger()
	sink := events.NewService(fake, "w1", "info", logger)
	hb := &noopHeartbeat{}
	runner := NewRunner(fake, sink, hb, []interfaces.ScrapeDriver{driver}, itemsPerTick, logger)
	runner.now = fake.Now
	return runner, hb
}

func seedSource(fake *coordinatortest.Fake, source string, variantCount int) (parentID string, variantIDs []string) {
	parentID = fake.Seed("source-products", map[string]interface{}{
		"source": source,
		"name":   "Seeded product",
		"status": "uncrawled",
	})
	for i := 0; i < variantCount; i++ {
		id := fake.Seed("source-variants", map[string]interface{}{
			"sourceProduct": parentID,
			"url":           fmt.Sprintf("https://%s.example.com/p/%d", source, i),
		})
		variantIDs = append(variantIDs, id)
	}
	return parentID, variantIDs
}

func seedJob(fake *coordinatortest.Fake, doc map[string]interface{}) *models.Job {
	base := map[string]interface{}{
		"type":           "all",
		"status":         "pending",
		"claimedBy":      "w1",
		"claimedAt":      fake.Now().Format(time.RFC3339Nano),
		"totalItems":     0,
		"processedItems": 0,
		"errorItems":     0,
		"source":         "dm",
	}
	for k, v := range doc {
		base[k] = v
	}
	id := fake.Seed("crawl-jobs", base)

	var job models.Job
	if !fake.GetAs("crawl-jobs", id, &job) {
		panic("seeded job not found")
	}
	job.Stage = models.StageCrawl
	return &job
}

func reloadJob(t *testing.T, fake *coordinatortest.Fake, id string) *models.Job {
	t.Helper()
	var job models.Job
	require.True(t, fake.GetAs("crawl-jobs", id, &job))
	job.Stage = models.StageCrawl
	return &job
}

func runTick(t *testing.T, runner *Runner, job *models.Job) interfaces.Batch {
	t.Helper()
	batch, err := runner.Build(context.Background(), job)
	require.NoError(t, err)
	if batch == nil {
		return nil
	}
	result, err := runner.Execute(context.Background(), batch)
	require.NoError(t, err)
	require.NoError(t, runner.Submit(context.Background(), batch, result))
	return batch
}

func TestFreshPendingCrawlAcrossTwoTicks(t *testing.T) {
	fake := coordinatortest.NewFake()
	driver := &fakeDriver{source: "dm"}
	runner, hb := newTestRunner(fake, driver, 10)

	parentID, _ := seedSource(fake, "dm", 3)
	job := seedJob(fake, map[string]interface{}{"itemsPerTick": 2})

	// First tick: pending init + batch of 2
	batch := runTick(t, runner, job)
	require.NotNil(t, batch)
	assert.Equal(t, 2, batch.Size())

	doc := fake.Get("crawl-jobs", job.ID)
	assert.Equal(t, "in_progress", doc["status"])
	assert.Equal(t, float64(3), doc["totalItems"])
	assert.Equal(t, float64(2), doc["processedItems"])
	assert.Equal(t, float64(0), doc["errorItems"])
	assert.Nil(t, doc["claimedBy"])
	assert.NotNil(t, doc["startedAt"])
	assert.True(t, hb.beats >= 2)

	// Second tick: remaining variant, then completion
	batch = runTick(t, runner, reloadJob(t, fake, job.ID))
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Size())

	doc = fake.Get("crawl-jobs", job.ID)
	assert.Equal(t, "completed", doc["status"])
	assert.Equal(t, float64(3), doc["processedItems"])
	assert.NotNil(t, doc["completedAt"])

	// Join records: one per processed variant
	assert.Len(t, fake.All("crawl-results"), 3)

	// Parent flipped to crawled once every child has a timestamp
	assert.Equal(t, "crawled", fake.Get("source-products", parentID)["status"])

	// Events: one started, one success
	eventTypes := map[string]int{}
	for _, ev := range fake.All("events") {
		eventTypes[ev["type"].(string)]++
	}
	assert.Equal(t, 1, eventTypes["start"])
	assert.Equal(t, 1, eventTypes["success"])
}

func TestPerItemErrorContinuesBatch(t *testing.T) {
	fake := coordinatortest.NewFake()
	driver := &fakeDriver{source: "dm", failing: map[string]bool{"https://dm.example.com/p/0": true}}
	runner, _ := newTestRunner(fake, driver, 10)

	_, variantIDs := seedSource(fake, "dm", 2)
	job := seedJob(fake, nil)

	runTick(t, runner, job)

	doc := fake.Get("crawl-jobs", job.ID)
	assert.Equal(t, "completed", doc["status"])
	assert.Equal(t, float64(1), doc["processedItems"])
	assert.Equal(t, float64(1), doc["errorItems"])

	records := fake.All("crawl-results")
	require.Len(t, records, 2)
	withError := 0
	for _, rec := range records {
		if err, ok := rec["error"].(string); ok && err != "" {
			withError++
		}
	}
	assert.Equal(t, 1, withError)

	// The failed variant keeps no crawl timestamp and stays claimable
	failed := fake.Get("source-variants", variantIDs[0])
	assert.Nil(t, failed["crawledAt"])
}

func TestPersistAppendsPriceHistory(t *testing.T) {
	fake := coordinatortest.NewFake()
	driver := &fakeDriver{source: "dm"}
	runner, _ := newTestRunner(fake, driver, 10)

	_, variantIDs := seedSource(fake, "dm", 1)
	existing := []interface{}{
		map[string]interface{}{"price": 7.5, "currency": "EUR", "observedAt": "2026-07-01T00:00:00Z"},
	}
	require.NoError(t, fake.UpdateByID(context.Background(), "source-variants", variantIDs[0],
		map[string]interface{}{"priceHistory": existing}, nil, nil))

	job := seedJob(fake, nil)
	runTick(t, runner, job)

	var variant models.SourceVariant
	require.True(t, fake.GetAs("source-variants", variantIDs[0], &variant))
	require.Len(t, variant.PriceHistory, 2)
	assert.Equal(t, 7.5, variant.PriceHistory[0].Price)
	assert.Equal(t, 9.99, variant.PriceHistory[1].Price)
	require.NotNil(t, variant.CrawledAt)
}

func TestSiblingVariantsCreatedAndDeduped(t *testing.T) {
	fake := coordinatortest.NewFake()
	driver := &fakeDriver{
		source: "dm",
		pages: map[string]*interfaces.ScrapedProduct{
			"https://dm.example.com/p/0": {
				Name:  "Shampoo",
				Price: 4.5,
				Variants: []interfaces.ScrapedVariant{
					{URL: "https://dm.example.com/p/0", GTIN: "400"},        // self, already known
					{URL: "https://dm.example.com/p/0-500ml", GTIN: "401"}, // new sibling
				},
			},
		},
	}
	runner, _ := newTestRunner(fake, driver, 10)

	parentID, _ := seedSource(fake, "dm", 1)
	job := seedJob(fake, nil)
	runTick(t, runner, job)

	variants := fake.All("source-variants")
	require.Len(t, variants, 2)

	// Parent stays uncrawled while the new sibling lacks a timestamp
	assert.Equal(t, "uncrawled", fake.Get("source-products", parentID)["status"])

	// Job is not complete: the sibling extends the implicit queue, but
	// the original total still governs completion
	doc := fake.Get("crawl-jobs", job.ID)
	assert.Equal(t, "completed", doc["status"])
}

func TestSelectedURLsScope(t *testing.T) {
	fake := coordinatortest.NewFake()
	driver := &fakeDriver{source: "dm"}
	runner, _ := newTestRunner(fake, driver, 10)

	_, variantIDs := seedSource(fake, "dm", 3)
	target := fake.Get("source-variants", variantIDs[1])["url"].(string)

	job := seedJob(fake, map[string]interface{}{
		"type": "selected_urls",
		"urls": []interface{}{target},
	})

	batch := runTick(t, runner, job)
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Size())
	assert.Equal(t, 1, driver.calls)

	assert.Equal(t, "completed", fake.Get("crawl-jobs", job.ID)["status"])
	assert.NotNil(t, fake.Get("source-variants", variantIDs[1])["crawledAt"])
	assert.Nil(t, fake.Get("source-variants", variantIDs[0])["crawledAt"])
}

func TestRecrawlResetsCrawledState(t *testing.T) {
	fake := coordinatortest.NewFake()
	driver := &fakeDriver{source: "dm"}
	runner, _ := newTestRunner(fake, driver, 10)

	parentID, variantIDs := seedSource(fake, "dm", 1)
	require.NoError(t, fake.UpdateByID(context.Background(), "source-products", parentID,
		map[string]interface{}{"status": "crawled"}, nil, nil))
	require.NoError(t, fake.UpdateByID(context.Background(), "source-variants", variantIDs[0],
		map[string]interface{}{"crawledAt": fake.Now().Add(-48 * time.Hour).Format(time.RFC3339Nano)}, nil, nil))

	job := seedJob(fake, map[string]interface{}{"type": "recrawl", "minCrawlAge": "24h"})

	batch := runTick(t, runner, job)
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Size())
	assert.Equal(t, "completed", fake.Get("crawl-jobs", job.ID)["status"])
}

func TestRecrawlHonorsMinCrawlAge(t *testing.T) {
	fake := coordinatortest.NewFake()
	driver := &fakeDriver{source: "dm"}
	runner, _ := newTestRunner(fake, driver, 10)

	parentID, variantIDs := seedSource(fake, "dm", 1)
	require.NoError(t, fake.UpdateByID(context.Background(), "source-products", parentID,
		map[string]interface{}{"status": "crawled"}, nil, nil))
	// Crawled one hour ago, inside the 24h floor
	require.NoError(t, fake.UpdateByID(context.Background(), "source-variants", variantIDs[0],
		map[string]interface{}{"crawledAt": fake.Now().Add(-time.Hour).Format(time.RFC3339Nano)}, nil, nil))

	job := seedJob(fake, map[string]interface{}{"type": "recrawl", "minCrawlAge": "24h"})

	batch, err := runner.Build(context.Background(), job)
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.Equal(t, "completed", fake.Get("crawl-jobs", job.ID)["status"])
	assert.NotNil(t, fake.Get("source-variants", variantIDs[0])["crawledAt"])
}

// patchFailingFake rejects every patch against one collection
type patchFailingFake struct {
	*coordinatortest.Fake
	collection string
}

func (f *patchFailingFake) UpdateByID(ctx context.Context, collection, id string, patch interface{}, extraHeaders http.Header, out interface{}) error {
	if collection == f.collection {
		return errors.New("coordinator PATCH returned 502")
	}
	return f.Fake.UpdateByID(ctx, collection, id, patch, extraHeaders, out)
}

func TestPersistFailureCountsAsError(t *testing.T) {
	fake := coordinatortest.NewFake()
	coord := &patchFailingFake{Fake: fake, collection: "source-products"}

	logger := common.GetLogger()
	sink := events.NewService(coord, "w1", "info", logger)
	driver := &fakeDriver{source: "dm"}
	runner := NewRunner(coord, sink, &noopHeartbeat{}, []interfaces.ScrapeDriver{driver}, 10, logger)
	runner.now = fake.Now

	_, variantIDs := seedSource(fake, "dm", 1)
	job := seedJob(fake, nil)

	runTick(t, runner, job)

	// The scrape succeeded but persisting did not: the item is an error
	doc := fake.Get("crawl-jobs", job.ID)
	assert.Equal(t, "completed", doc["status"])
	assert.Equal(t, float64(0), doc["processedItems"])
	assert.Equal(t, float64(1), doc["errorItems"])

	records := fake.All("crawl-results")
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0]["error"])

	// No crawl timestamp: the variant stays claimable for a retry
	assert.Nil(t, fake.Get("source-variants", variantIDs[0])["crawledAt"])
}

func TestUnknownScopeFailsJobTerminally(t *testing.T) {
	fake := coordinatortest.NewFake()
	driver := &fakeDriver{source: "dm"}
	runner, _ := newTestRunner(fake, driver, 10)

	seedSource(fake, "dm", 1)
	job := seedJob(fake, map[string]interface{}{"type": "bogus"})

	batch, err := runner.Build(context.Background(), job)
	require.NoError(t, err)
	assert.Nil(t, batch)

	doc := fake.Get("crawl-jobs", job.ID)
	assert.Equal(t, "failed", doc["status"])
	assert.Nil(t, doc["claimedBy"])
	assert.NotNil(t, doc["completedAt"])
	assert.Equal(t, 0, driver.calls)

	errorEvents := 0
	for _, ev := range fake.All("events") {
		if ev["type"] == "error" {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)
}

func TestMissingDriverIsBatchFatal(t *testing.T) {
	fake := coordinatortest.NewFake()
	runner, _ := newTestRunner(fake, &fakeDriver{source: "rossmann"}, 10)

	seedSource(fake, "dm", 1)
	job := seedJob(fake, nil)

	batch, err := runner.Build(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, batch)

	_, err = runner.Execute(context.Background(), batch)
	assert.Error(t, err)
}
