// -----------------------------------------------------------------------
// Ingredient-discovery stage - walk a reference catalog term by term
// -----------------------------------------------------------------------

package ingredients

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

// subdivisionAlphabet expands a too-broad term into narrower children
const subdivisionAlphabet = "abcdefghijklmnopqrstuvwxyz"

// defaultSeedTerms kicks off a full catalog walk when the job names no
// initial terms.
func defaultSeedTerms() []string {
	terms := make([]string, 0, len(subdivisionAlphabet))
	for _, c := range subdivisionAlphabet {
		terms = append(terms, string(c))
	}
	return terms
}

// Runner implements the ingredient-discovery stage. The cursor walks a
// term queue page by page; terms that match too many rows subdivide
// recursively and their children jump the queue.
type Runner struct {
	coord     interfaces.Coordinator
	sink      *events.Service
	heartbeat interfaces.Heartbeater
	catalogs  map[string]interfaces.IngredientCatalog
	logger    arbor.ILogger
}

// NewRunner wires the ingredient-discovery stage
func NewRunner(coord interfaces.Coordinator, sink *events.Service, heartbeat interfaces.Heartbeater, catalogs []interfaces.IngredientCatalog, logger arbor.ILogger) *Runner {
	byName := make(map[string]interfaces.IngredientCatalog, len(catalogs))
	for _, c := range catalogs {
		byName[c.Catalog()] = c
	}
	return &Runner{
		coord:     coord,
		sink:      sink,
		heartbeat: heartbeat,
		catalogs:  byName,
		logger:    logger,
	}
}

func (r *Runner) Stage() models.JobStage {
	return models.StageIngredientDiscovery
}

// Batch is one page fetch for the cursor's current term
type Batch struct {
	job     *models.Job
	payload *models.IngredientDiscoveryJob
	cursor  models.IngredientCursor
}

func (b *Batch) Job() *models.Job { return b.job }
func (b *Batch) Size() int        { return 1 }

// Result is the catalog page for the current term, or its error
type Result struct {
	Page *interfaces.IngredientPage
	Err  string
}

func (r *Result) Counts() (int, int) {
	if r.Err != "" {
		return 0, 1
	}
	return 1, 0
}

// Build expands a claimed job into a single-page batch
func (r *Runner) Build(ctx context.Context, job *models.Job) (interfaces.Batch, error) {
	var payload models.IngredientDiscoveryJob
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusPending {
		terms := payload.InitialTerms
		if len(terms) == 0 {
			terms = defaultSeedTerms()
		}
		cursor := models.IngredientCursor{
			CurrentTerm: terms[0],
			CurrentPage: 1,
			TermQueue:   terms[1:],
		}
		message := fmt.Sprintf("Ingredient discovery on %s started: %d seed terms", payload.Catalog, len(terms))
		if err := workerutil.Start(ctx, r.coord, r.sink, job, len(terms), cursor, message); err != nil {
			return nil, err
		}
	}

	var cursor models.IngredientCursor
	models.DecodeCursor(job.Progress, &cursor)

	if cursor.CurrentTerm == "" {
		message := fmt.Sprintf("Ingredient discovery on %s finished: %d terms processed, %d errors",
			payload.Catalog, job.ProcessedItems, job.ErrorItems)
		if err := workerutil.Complete(ctx, r.coord, r.sink, job, 0, 0, message); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &Batch{job: job, payload: &payload, cursor: cursor}, nil
}

// Execute fetches one catalog page for the current term
func (r *Runner) Execute(ctx context.Context, batch interfaces.Batch) (interfaces.BatchResult, error) {
	b, ok := batch.(*Batch)
	if !ok {
		return nil, fmt.Errorf("ingredient runner received foreign batch type %T", batch)
	}

	catalog, ok := r.catalogs[b.payload.Catalog]
	if !ok {
		return nil, fmt.Errorf("no ingredient catalog registered for %q", b.payload.Catalog)
	}

	r.heartbeat.Beat(ctx, models.StageIngredientDiscovery, b.job.ID)

	page, err := catalog.Search(ctx, b.cursor.CurrentTerm, b.cursor.CurrentPage)
	if err != nil {
		r.logger.Warn().Err(err).Str("term", b.cursor.CurrentTerm).Int("page", b.cursor.CurrentPage).Msg("Catalog search failed")
		return &Result{Err: err.Error()}, nil
	}
	return &Result{Page: page}, nil
}

// Submit upserts the page's entries, advances the term cursor and
// releases or completes.
func (r *Runner) Submit(ctx context.Context, batch interfaces.Batch, batchResult interfaces.BatchResult) error {
	b := batch.(*Batch)
	res := batchResult.(*Result)

	next := b.cursor
	processed, errored := 0, 0

	switch {
	case res.Err != "":
		record := models.IngredientResult{Job: b.job.ID, Term: b.cursor.CurrentTerm, Error: res.Err}
		if err := r.coord.Create(ctx, coordinator.CollectionIngredientResults, record, nil); err != nil {
			return fmt.Errorf("failed to write ingredient error record: %w", err)
		}
		errored = 1
		advanceTerm(&next)

	case res.Page.TooBroad:
		// Children jump the queue so subdivision stays depth-first
		children := subdivide(b.cursor.CurrentTerm)
		next.TermQueue = append(children, next.TermQueue...)
		processed = 1
		advanceTerm(&next)
		r.logger.Info().Str("term", b.cursor.CurrentTerm).Int("children", len(children)).Msg("Term too broad, subdivided")

	default:
		for _, entry := range res.Page.Entries {
			ingredientID, err := r.upsertIngredient(ctx, entry)
			record := models.IngredientResult{Job: b.job.ID, Term: b.cursor.CurrentTerm, Ingredient: ingredientID}
			if err != nil {
				record.Error = err.Error()
				r.logger.Warn().Err(err).Str("ingredient", entry.Name).Msg("Ingredient upsert failed")
			}
			if err := r.coord.Create(ctx, coordinator.CollectionIngredientResults, record, nil); err != nil {
				return fmt.Errorf("failed to write ingredient result: %w", err)
			}
		}

		next.TotalPagesForTerm = res.Page.TotalPages
		if next.CurrentPage < res.Page.TotalPages {
			next.CurrentPage++
		} else {
			processed = 1
			advanceTerm(&next)
		}
	}

	if next.CurrentTerm == "" {
		message := fmt.Sprintf("Ingredient discovery on %s finished: %d terms processed, %d errors",
			b.payload.Catalog, b.job.ProcessedItems+processed, b.job.ErrorItems+errored)
		return workerutil.Complete(ctx, r.coord, r.sink, b.job, processed, errored, message)
	}
	return workerutil.Release(ctx, r.coord, b.job, processed, errored, next)
}

// upsertIngredient inserts by name or fills previously-empty fields of
// an existing record; existing values are never overwritten.
func (r *Runner) upsertIngredient(ctx context.Context, entry interfaces.IngredientEntry) (string, error) {
	where := coordinator.Eq("name", entry.Name)
	list, err := r.coord.Find(ctx, coordinator.CollectionIngredients, coordinator.FindParams{Where: &where, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("failed to probe ingredient %s: %w", entry.Name, err)
	}

	if len(list.Docs) == 0 {
		var created models.Ingredient
		doc := models.Ingredient{
			Name:        entry.Name,
			INCIName:    entry.INCIName,
			Function:    entry.Function,
			Description: entry.Description,
			Safety:      entry.Safety,
		}
		if err := r.coord.Create(ctx, coordinator.CollectionIngredients, doc, &created); err != nil {
			return "", fmt.Errorf("failed to create ingredient %s: %w", entry.Name, err)
		}
		return created.ID, nil
	}

	existing, err := coordinator.DecodeDocs[models.Ingredient](list)
	if err != nil {
		return "", err
	}
	current := existing[0]

	patch := map[string]interface{}{}
	if current.INCIName == "" && entry.INCIName != "" {
		patch["inciName"] = entry.INCIName
	}
	if current.Function == "" && entry.Function != "" {
		patch["function"] = entry.Function
	}
	if current.Description == "" && entry.Description != "" {
		patch["description"] = entry.Description
	}
	if current.Safety == "" && entry.Safety != "" {
		patch["safety"] = entry.Safety
	}
	if len(patch) > 0 {
		if err := r.coord.UpdateByID(ctx, coordinator.CollectionIngredients, current.ID, patch, nil, nil); err != nil {
			return "", fmt.Errorf("failed to fill ingredient %s: %w", current.ID, err)
		}
	}
	return current.ID, nil
}

// advanceTerm pops the next queue head into the cursor
func advanceTerm(cursor *models.IngredientCursor) {
	cursor.CurrentPage = 1
	cursor.TotalPagesForTerm = 0
	if len(cursor.TermQueue) == 0 {
		cursor.CurrentTerm = ""
		return
	}
	cursor.CurrentTerm = cursor.TermQueue[0]
	cursor.TermQueue = cursor.TermQueue[1:]
}

func subdivide(term string) []string {
	children := make([]string, 0, len(subdivisionAlphabet))
	for _, c := range subdivisionAlphabet {
		children = append(children, term+string(c))
	}
	return children
}
