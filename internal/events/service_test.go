package events

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/coordinator/coordinatortest"
	"github.com/gleanr/gleaner/internal/models"
)

func newTestService(fake *coordinatortest.Fake, minLevel string) *Service {
	return NewService(fake, "w1", minLevel, common.GetLogger())
}

func TestEmitLinksJobByStage(t *testing.T) {
	fake := coordinatortest.NewFake()
	svc := newTestService(fake, "info")

	svc.Started(context.Background(), models.StageCrawl, "crawl-job-1", "Crawl started")
	svc.Succeeded(context.Background(), models.StageAggregation, "aggregation-job-1", "Aggregation finished")

	recorded := fake.All("events")
	require.Len(t, recorded, 2)

	assert.Equal(t, "start", recorded[0]["type"])
	assert.Equal(t, "crawl", recorded[0]["component"])
	assert.Equal(t, "crawl-job-1", recorded[0]["crawlJob"])
	assert.Equal(t, "w1", recorded[0]["worker"])
	_, hasOther := recorded[0]["aggregationJob"]
	assert.False(t, hasOther)

	assert.Equal(t, "success", recorded[1]["type"])
	assert.Equal(t, "aggregation-job-1", recorded[1]["aggregationJob"])
}

func TestMinLevelFiltersLeveledEvents(t *testing.T) {
	fake := coordinatortest.NewFake()
	svc := newTestService(fake, "error")

	ref := JobRef(models.StageDiscovery, "discovery-job-1")
	svc.Emit(context.Background(), models.EventInfo, "discovery", "ignored", ref)
	svc.Warning(context.Background(), models.StageDiscovery, "discovery-job-1", "also ignored")
	svc.Error(context.Background(), models.StageDiscovery, "discovery-job-1", "kept")

	// start and success are lifecycle markers, not log levels: they
	// publish regardless of the filter
	svc.Started(context.Background(), models.StageDiscovery, "discovery-job-1", "kept too")

	recorded := fake.All("events")
	require.Len(t, recorded, 2)
	assert.Equal(t, "error", recorded[0]["type"])
	assert.Equal(t, "start", recorded[1]["type"])
}

func TestUnknownMinLevelDefaultsToInfo(t *testing.T) {
	fake := coordinatortest.NewFake()
	svc := newTestService(fake, "verbose")

	svc.Emit(context.Background(), models.EventInfo, "worker", "published",
		coordinator.RecordRef{})

	require.Len(t, fake.All("events"), 1)
}

func TestEventWithoutJobCarriesNoLink(t *testing.T) {
	fake := coordinatortest.NewFake()
	svc := newTestService(fake, "info")

	svc.Emit(context.Background(), models.EventInfo, "worker", "no job", coordinator.RecordRef{})

	recorded := fake.All("events")
	require.Len(t, recorded, 1)
	for _, key := range []string{"crawlJob", "discoveryJob", "ingredientDiscoveryJob",
		"videoDiscoveryJob", "videoProcessingJob", "aggregationJob"} {
		_, present := recorded[0][key]
		assert.False(t, present, key)
	}
}

type failingCoordinator struct {
	*coordinatortest.Fake
}

func (f *failingCoordinator) Create(ctx context.Context, collection string, data interface{}, out interface{}) error {
	return &coordinator.APIError{
		Status: http.StatusBadGateway,
		Method: http.MethodPost,
		Path:   "/api/" + collection,
		Body:   "upstream down",
	}
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	fake := &failingCoordinator{Fake: coordinatortest.NewFake()}
	svc := NewService(fake, "w1", "info", common.GetLogger())

	assert.NotPanics(t, func() {
		svc.Error(context.Background(), models.StageCrawl, "crawl-job-1", "boom")
	})
	assert.Empty(t, fake.All("events"))
}

func TestJobRefRoundTrip(t *testing.T) {
	ref := JobRef(models.StageVideoProcessing, "video-processing-job-7")
	assert.Equal(t, coordinator.KindVideoProcessingJob, ref.Kind)
	assert.Equal(t, "video-processing-job-7", ref.ID)
}
