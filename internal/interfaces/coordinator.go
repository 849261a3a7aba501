// -----------------------------------------------------------------------
// Coordinator Interface - Typed access to coordinator collections
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"net/http"

	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/models"
)

// Coordinator is the typed facade over the coordinator's REST API. All
// durable state lives behind this interface; workers hold nothing.
type Coordinator interface {
	// Find lists documents of a collection filtered by params
	Find(ctx context.Context, collection string, params coordinator.FindParams) (*coordinator.ListResult, error)

	// FindByID fetches a single document by id into out
	FindByID(ctx context.Context, collection, id string, out interface{}) error

	// Create inserts a document, decoding the created record into out when non-nil
	Create(ctx context.Context, collection string, data interface{}, out interface{}) error

	// CreateWithFile inserts a document with an attached binary blob (multipart)
	CreateWithFile(ctx context.Context, collection string, data interface{}, filename, mimeType string, blob []byte, out interface{}) error

	// UpdateByID patches a document; extraHeaders carry out-of-band hints
	UpdateByID(ctx context.Context, collection, id string, patch interface{}, extraHeaders http.Header, out interface{}) error

	// UpdateWhere patches every document matching where
	UpdateWhere(ctx context.Context, collection string, where coordinator.Where, patch interface{}) error

	// Delete removes every document matching where
	Delete(ctx context.Context, collection string, where coordinator.Where) error

	// Count returns the number of documents matching where
	Count(ctx context.Context, collection string, where *coordinator.Where) (int, error)

	// Me authenticates the API key, returning nil when unrecognized
	Me(ctx context.Context) (*models.Worker, error)
}
