// -----------------------------------------------------------------------
// Ingredient catalog driver - paged term search over a JSON API
// -----------------------------------------------------------------------

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/interfaces"
)

const maxResponseBytes = 4 << 20

// Client implements the ingredient catalog against a JSON search API:
// GET {base}/api/ingredients?q={term}&page={n} returning items with a
// total page count. The API reports tooBroad when a term matches more
// results than it will page through.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  arbor.ILogger
}

// New creates a catalog driver from configuration
func New(cfg *common.CatalogConfig, logger arbor.ILogger) *Client {
	delay := parseDurationOr(cfg.RequestDelay, time.Second)
	timeout := parseDurationOr(cfg.RequestTimeout, 30*time.Second)
	return &Client{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		logger:  logger,
	}
}

func (c *Client) Catalog() string {
	return c.name
}

// searchResponse is the catalog API's search envelope
type searchResponse struct {
	Items []struct {
		Name        string `json:"name"`
		INCIName    string `json:"inciName"`
		Function    string `json:"function"`
		Description string `json:"description"`
		Safety      string `json:"safety"`
	} `json:"items"`
	TotalPages int  `json:"totalPages"`
	TooBroad   bool `json:"tooBroad"`
}

// Search fetches one result page for a term. Page numbers are 1-based.
func (c *Client) Search(ctx context.Context, term string, page int) (*interfaces.IngredientPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("q", term)
	query.Set("page", strconv.Itoa(page))
	endpoint := c.baseURL + "/api/ingredients?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog search %q failed: %w", term, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog search %q returned status %d", term, resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("catalog search %q returned malformed body: %w", term, err)
	}

	result := &interfaces.IngredientPage{
		TotalPages: body.TotalPages,
		TooBroad:   body.TooBroad,
	}
	for _, item := range body.Items {
		result.Entries = append(result.Entries, interfaces.IngredientEntry{
			Name:        item.Name,
			INCIName:    item.INCIName,
			Function:    item.Function,
			Description: item.Description,
			Safety:      item.Safety,
		})
	}
	return result, nil
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
