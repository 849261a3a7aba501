package ingredients

import (
	"context"
	"errors"
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

type fakeCatalog struct {
	pages     map[string][]*interfaces.IngredientPage // term -> pages (1-based)
	tooBroad  map[string]bool
	failTerms map[string]bool
}

func (c *fakeCatalog) Catalog() string { return "cosing" }

func (c *fakeCatalog) Search(ctx context.Context, term string, page int) (*interfaces.IngredientPage, error) {
	if c.failTerms[term] {
		return nil, errors.New("catalog timeout")
	}
	if c.tooBroad[term] {
		return &interfaces.IngredientPage{TooBroad: true}, nil
	}
	pages := c.pages[term]
	if page > len(pages) || page < 1 {
		return &interfaces.IngredientPage{TotalPages: len(pages)}, nil
	}
	out := *pages[page-1]
	out.TotalPages = len(pages)
	return &out, nil
}

func entryPage(names ...string) *interfaces.IngredientPage {
	page := &interfaces.IngredientPage{}
	for _, name := range names {
		page.Entries = append(page.Entries, interfaces.IngredientEntry{Name: name, Function: "emollient"})
	}
	return page
}

func newTestRunner(fake *coordinatortest.Fake, catalog interfaces.IngredientCatalog) *Runner {
	logger := common.GetLogger()
	sink := events.NewService(fake, "w1", "info", logger)
	return NewRunner(fake, sink, &noopHeartbeat{}, []interfaces.IngredientCatalog{catalog}, logger)
}

func seedJob(fake *coordinatortest.Fake, initialTerms []interface{}) *models.Job {
	id := fake.Seed("ingredient-discovery-jobs", map[string]interface{}{
		"type":           "all",
		"status":         "pending",
		"claimedBy":      "w1",
		"claimedAt":      fake.Now().Format(time.RFC3339Nano),
		"totalItems":     0,
		"processedItems": 0,
		"errorItems":     0,
		"catalog":        "cosing",
		"initialTerms":   initialTerms,
	})
	return reloadJob(fake, id)
}

func reloadJob(fake *coordinatortest.Fake, id string) *models.Job {
	var job models.Job
	if !fake.GetAs("ingredient-discovery-jobs", id, &job) {
		panic("job not found")
	}
	job.Stage = models.StageIngredientDiscovery
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

func cursorOf(t *testing.T, fake *coordinatortest.Fake, jobID string) models.IngredientCursor {
	t.Helper()
	job := reloadJob(fake, jobID)
	var cursor models.IngredientCursor
	models.DecodeCursor(job.Progress, &cursor)
	return cursor
}

func TestTermWalkAcrossPages(t *testing.T) {
	fake := coordinatortest.NewFake()
	catalog := &fakeCatalog{pages: map[string][]*interfaces.IngredientPage{
		"aqua":     {entryPage("Aqua"), entryPage("Aqua Marina")},
		"glycerin": {entryPage("Glycerin")},
	}}
	runner := newTestRunner(fake, catalog)

	job := seedJob(fake, []interface{}{"aqua", "glycerin"})

	// Tick 1: page 1 of aqua, cursor advances within the term
	require.True(t, runTick(t, runner, job))
	cursor := cursorOf(t, fake, job.ID)
	assert.Equal(t, "aqua", cursor.CurrentTerm)
	assert.Equal(t, 2, cursor.CurrentPage)
	assert.Equal(t, 2, cursor.TotalPagesForTerm)

	// Tick 2: page 2 finishes aqua, glycerin next
	require.True(t, runTick(t, runner, reloadJob(fake, job.ID)))
	cursor = cursorOf(t, fake, job.ID)
	assert.Equal(t, "glycerin", cursor.CurrentTerm)
	assert.Equal(t, 1, cursor.CurrentPage)

	// Tick 3: glycerin done, queue empty, job completes
	require.True(t, runTick(t, runner, reloadJob(fake, job.ID)))
	doc := fake.Get("ingredient-discovery-jobs", job.ID)
	assert.Equal(t, "completed", doc["status"])
	assert.Equal(t, float64(2), doc["processedItems"])

	assert.Len(t, fake.All("ingredients"), 3)
	assert.Len(t, fake.All("ingredient-results"), 3)
}

func TestTooBroadTermSubdividesDepthFirst(t *testing.T) {
	fake := coordinatortest.NewFake()
	catalog := &fakeCatalog{
		tooBroad: map[string]bool{"a": true},
		pages:    map[string][]*interfaces.IngredientPage{"aa": {entryPage("Aqua")}},
	}
	runner := newTestRunner(fake, catalog)

	job := seedJob(fake, []interface{}{"a", "b"})

	require.True(t, runTick(t, runner, job))
	cursor := cursorOf(t, fake, job.ID)
	// Children of "a" jump ahead of "b"
	assert.Equal(t, "aa", cursor.CurrentTerm)
	assert.Equal(t, "ab", cursor.TermQueue[0])
	assert.Equal(t, "b", cursor.TermQueue[len(cursor.TermQueue)-1])

	require.True(t, runTick(t, runner, reloadJob(fake, job.ID)))
	assert.Equal(t, "ab", cursorOf(t, fake, job.ID).CurrentTerm)
	assert.Len(t, fake.All("ingredients"), 1)
}

func TestUpsertFillsNullFieldsOnly(t *testing.T) {
	fake := coordinatortest.NewFake()
	fake.Seed("ingredients", map[string]interface{}{
		"name":     "Aqua",
		"function": "solvent",
	})

	catalog := &fakeCatalog{pages: map[string][]*interfaces.IngredientPage{
		"aqua": {{
			Entries: []interfaces.IngredientEntry{{
				Name:     "Aqua",
				Function: "emollient", // must not overwrite "solvent"
				INCIName: "AQUA",      // fills the empty field
			}},
		}},
	}}
	runner := newTestRunner(fake, catalog)

	job := seedJob(fake, []interface{}{"aqua"})
	require.True(t, runTick(t, runner, job))

	ingredients := fake.All("ingredients")
	require.Len(t, ingredients, 1)
	assert.Equal(t, "solvent", ingredients[0]["function"])
	assert.Equal(t, "AQUA", ingredients[0]["inciName"])
}

func TestCatalogErrorAdvancesToNextTerm(t *testing.T) {
	fake := coordinatortest.NewFake()
	catalog := &fakeCatalog{
		failTerms: map[string]bool{"a": true},
		pages:     map[string][]*interfaces.IngredientPage{"b": {entryPage("Beeswax")}},
	}
	runner := newTestRunner(fake, catalog)

	job := seedJob(fake, []interface{}{"a", "b"})

	require.True(t, runTick(t, runner, job))
	assert.Equal(t, "b", cursorOf(t, fake, job.ID).CurrentTerm)

	require.True(t, runTick(t, runner, reloadJob(fake, job.ID)))
	doc := fake.Get("ingredient-discovery-jobs", job.ID)
	assert.Equal(t, "completed", doc["status"])
	assert.Equal(t, float64(1), doc["processedItems"])
	assert.Equal(t, float64(1), doc["errorItems"])
}

func TestDefaultSeedTermsWhenJobNamesNone(t *testing.T) {
	fake := coordinatortest.NewFake()
	catalog := &fakeCatalog{}
	runner := newTestRunner(fake, catalog)

	job := seedJob(fake, nil)

	batch, err := runner.Build(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, batch)

	doc := fake.Get("ingredient-discovery-jobs", job.ID)
	assert.Equal(t, float64(26), doc["totalItems"])
	assert.Equal(t, "a", cursorOf(t, fake, job.ID).CurrentTerm)
}
