package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleanr/gleaner/internal/common"
)

const listingPageOne = `<!doctype html>
<html><body>
<div class="product-tile">
  <a itemprop="url" href="/p/serum-a"><span itemprop="name">Serum A</span>
    <span itemprop="brand">BrandX</span></a>
</div>
<div class="product-tile">
  <a itemprop="url" href="/p/serum-b"><span itemprop="name">Serum B</span></a>
</div>
<div class="product-tile">
  <a itemprop="url" href="/p/serum-a"><span itemprop="name">Serum A duplicate</span></a>
</div>
<a rel="next" href="/list?page=2">Next</a>
</body></html>`

const listingPageTwo = `<!doctype html>
<html><body>
<div class="product-tile">
  <a itemprop="url" href="/p/cream-c"><span itemprop="name">Cream C</span></a>
</div>
</body></html>`

func TestListerWalksPagination(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, listingPageTwo)
			return
		}
		fmt.Fprint(w, listingPageOne)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	lister := NewLister("shop", DefaultListerSelectors(), testConfig(), common.GetLogger())

	page, err := lister.DiscoverPage(context.Background(), server.URL+"/list", nil)
	require.NoError(t, err)
	require.Len(t, page.URLs, 2)
	assert.Equal(t, server.URL+"/p/serum-a", page.URLs[0].URL)
	assert.Equal(t, "Serum A", page.URLs[0].Name)
	assert.Equal(t, "BrandX", page.URLs[0].Brand)
	assert.Equal(t, server.URL+"/p/serum-b", page.URLs[1].URL)
	assert.False(t, page.Done)
	require.NotEmpty(t, page.NextProgress)

	page2, err := lister.DiscoverPage(context.Background(), server.URL+"/list", page.NextProgress)
	require.NoError(t, err)
	require.Len(t, page2.URLs, 1)
	assert.Equal(t, server.URL+"/p/cream-c", page2.URLs[0].URL)
	assert.True(t, page2.Done)
	assert.Empty(t, page2.NextProgress)
}

func TestListerIgnoresBadProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingPageTwo)
	}))
	defer server.Close()

	lister := NewLister("shop", DefaultListerSelectors(), testConfig(), common.GetLogger())

	// Unparseable resume state restarts from the source URL
	page, err := lister.DiscoverPage(context.Background(), server.URL+"/list", []byte("{broken"))
	require.NoError(t, err)
	require.Len(t, page.URLs, 1)
	assert.True(t, page.Done)
}
