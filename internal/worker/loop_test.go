package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/coordinator/coordinatortest"
	"github.com/gleanr/gleaner/internal/interfaces"
	"github.com/gleanr/gleaner/internal/models"
)

func TestAuthenticateActiveWorker(t *testing.T) {
	fake := coordinatortest.NewFake()
	fake.User = activeWorker("w1", "crawl")

	w, err := Authenticate(context.Background(), fake)
	require.NoError(t, err)
	assert.Equal(t, "w1", w.ID)
}

func TestAuthenticateUnrecognizedKey(t *testing.T) {
	fake := coordinatortest.NewFake()

	_, err := Authenticate(context.Background(), fake)
	assert.ErrorIs(t, err, ErrAuthDenied)
}

func TestAuthenticateDisabledWorker(t *testing.T) {
	fake := coordinatortest.NewFake()
	fake.User = &models.Worker{ID: "w1", Name: "w1", Status: models.WorkerStatusDisabled}

	_, err := Authenticate(context.Background(), fake)
	assert.ErrorIs(t, err, ErrNotActive)
}

func newTestLoop(fake *coordinatortest.Fake, w *models.Worker, runners ...interfaces.JobRunner) *Loop {
	engine := newTestEngine(fake, w, runners...)
	loop := NewLoop(fake, engine, w, 10*time.Second, common.GetLogger())
	loop.now = fake.Now
	loop.sleep = func(ctx context.Context, d time.Duration) {}
	return loop
}

func TestTickIdleWhenNoWork(t *testing.T) {
	fake := coordinatortest.NewFake()
	w := activeWorker("w1", "crawl")
	fake.SeedObject("workers", w)

	loop := newTestLoop(fake, w, &stubRunner{stage: models.StageCrawl})

	assert.True(t, loop.tick(context.Background()))
	// Liveness refresh still happened
	assert.NotNil(t, fake.Get("workers", "w1")["lastSeenAt"])
}

func TestTickClaimsExecutesAndSubmits(t *testing.T) {
	fake := coordinatortest.NewFake()
	w := activeWorker("w1", "crawl")
	fake.SeedObject("workers", w)
	seedCrawlJob(fake, nil)

	runner := &stubRunner{stage: models.StageCrawl}
	loop := newTestLoop(fake, w, runner)

	idle := loop.tick(context.Background())
	assert.False(t, idle)
	assert.Equal(t, 1, runner.executed)
	assert.Equal(t, 1, runner.submitted)
}

type explodingRunner struct {
	stubRunner
}

func (r *explodingRunner) Execute(ctx context.Context, batch interfaces.Batch) (interfaces.BatchResult, error) {
	panic("driver segfault")
}

func TestTickRecoversFromPanic(t *testing.T) {
	fake := coordinatortest.NewFake()
	w := activeWorker("w1", "crawl")
	fake.SeedObject("workers", w)
	jobID := seedCrawlJob(fake, nil)

	runner := &explodingRunner{stubRunner{stage: models.StageCrawl}}
	loop := newTestLoop(fake, w, runner)

	idle := loop.tick(context.Background())
	assert.True(t, idle)

	// The lease stays set; peers reclaim it through the timeout path
	assert.Equal(t, "w1", fake.Get("crawl-jobs", jobID)["claimedBy"])
}

type failingSubmitRunner struct {
	stubRunner
}

func (r *failingSubmitRunner) Submit(ctx context.Context, batch interfaces.Batch, result interfaces.BatchResult) error {
	return errors.New("coordinator unavailable")
}

func TestTickAbsorbsSubmitFailure(t *testing.T) {
	fake := coordinatortest.NewFake()
	w := activeWorker("w1", "crawl")
	fake.SeedObject("workers", w)
	seedCrawlJob(fake, nil)

	loop := newTestLoop(fake, w, &failingSubmitRunner{stubRunner{stage: models.StageCrawl}})

	assert.True(t, loop.tick(context.Background()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fake := coordinatortest.NewFake()
	w := activeWorker("w1", "crawl")
	fake.SeedObject("workers", w)

	loop := newTestLoop(fake, w, &stubRunner{stage: models.StageCrawl})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}
