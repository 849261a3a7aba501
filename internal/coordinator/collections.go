package coordinator

import "fmt"

// Collection slugs owned by the coordinator. Job collections are derived
// from models.JobStage; everything else is listed here.
const (
	CollectionWorkers = "workers"
	CollectionEvents  = "events"

	CollectionSourceProducts  = "source-products"
	CollectionSourceVariants  = "source-variants"
	CollectionProducts        = "products"
	CollectionProductVariants = "product-variants"
	CollectionIngredients     = "ingredients"
	CollectionCreators        = "creators"
	CollectionChannels        = "channels"
	CollectionVideos          = "videos"
	CollectionSnippets        = "snippets"
	CollectionMentions        = "mentions"
	CollectionMedia           = "media"

	CollectionCrawlJobs               = "crawl-jobs"
	CollectionDiscoveryJobs           = "discovery-jobs"
	CollectionIngredientDiscoveryJobs = "ingredient-discovery-jobs"
	CollectionVideoDiscoveryJobs      = "video-discovery-jobs"
	CollectionVideoProcessingJobs     = "video-processing-jobs"
	CollectionAggregationJobs         = "aggregation-jobs"

	CollectionCrawlResults           = "crawl-results"
	CollectionDiscoveryResults       = "discovery-results"
	CollectionIngredientResults      = "ingredient-results"
	CollectionVideoDiscoveryResults  = "video-discovery-results"
	CollectionVideoProcessingResults = "video-processing-results"
	CollectionAggregationResults     = "aggregation-results"
)

// RecordKind identifies a record type that heterogeneous collections
// (events and the like) can link to.
type RecordKind string

const (
	KindCrawlJob               RecordKind = "crawl-job"
	KindDiscoveryJob           RecordKind = "discovery-job"
	KindIngredientDiscoveryJob RecordKind = "ingredient-discovery-job"
	KindVideoDiscoveryJob      RecordKind = "video-discovery-job"
	KindVideoProcessingJob     RecordKind = "video-processing-job"
	KindAggregationJob         RecordKind = "aggregation-job"
)

// RecordRef is a discriminated reference into a kind-dependent collection
type RecordRef struct {
	Kind RecordKind
	ID   string
}

var kindCollections = map[RecordKind]string{
	KindCrawlJob:               CollectionCrawlJobs,
	KindDiscoveryJob:           CollectionDiscoveryJobs,
	KindIngredientDiscoveryJob: CollectionIngredientDiscoveryJobs,
	KindVideoDiscoveryJob:      CollectionVideoDiscoveryJobs,
	KindVideoProcessingJob:     CollectionVideoProcessingJobs,
	KindAggregationJob:         CollectionAggregationJobs,
}

// Collection resolves the kind to its coordinator collection slug
func (r RecordRef) Collection() (string, error) {
	collection, ok := kindCollections[r.Kind]
	if !ok {
		return "", fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return collection, nil
}
