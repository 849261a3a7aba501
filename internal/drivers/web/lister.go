// -----------------------------------------------------------------------
// Web discovery driver - paginated listing pages
// -----------------------------------------------------------------------

package web

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/interfaces"
)

// ListerSelectors name the page structure a source's listing uses
type ListerSelectors struct {
	// ProductLink matches anchors pointing at product pages
	ProductLink string
	// ProductName optionally matches a name element within the link
	ProductName string
	// ProductBrand optionally matches a brand element within the link
	ProductBrand string
	// NextPage matches the pagination link to the following page
	NextPage string
}

// DefaultListerSelectors cover listings that annotate products with
// schema.org itemprops and a rel=next pagination link.
func DefaultListerSelectors() ListerSelectors {
	return ListerSelectors{
		ProductLink:  `a[itemprop="url"], .product-tile a`,
		ProductName:  `[itemprop="name"]`,
		ProductBrand: `[itemprop="brand"]`,
		NextPage:     `a[rel="next"]`,
	}
}

// listerProgress is the opaque resume state between ticks
type listerProgress struct {
	NextURL string `json:"nextUrl"`
}

// Lister walks a source's paginated listing pages one page per tick,
// emitting product URLs. It shares the scraper's HTTP plumbing.
type Lister struct {
	source    string
	selectors ListerSelectors
	fetcher   *Scraper
	logger    arbor.ILogger
}

// NewLister creates a discovery driver for the given source key
func NewLister(source string, selectors ListerSelectors, cfg *common.ScraperConfig, logger arbor.ILogger) *Lister {
	return &Lister{
		source:    source,
		selectors: selectors,
		fetcher:   NewScraper(source, cfg, logger),
		logger:    logger,
	}
}

func (l *Lister) Source() string {
	return l.source
}

// DiscoverPage fetches the page named by progress (or sourceURL on the
// first visit), extracts product links and reports whether a following
// page exists.
func (l *Lister) DiscoverPage(ctx context.Context, sourceURL string, progress json.RawMessage) (*interfaces.DiscoveryPage, error) {
	pageURL := sourceURL
	if len(progress) > 0 {
		var resume listerProgress
		if err := json.Unmarshal(progress, &resume); err == nil && resume.NextURL != "" {
			pageURL = resume.NextURL
		}
	}

	doc, err := l.fetcher.fetchDocument(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}

	page := &interfaces.DiscoveryPage{}
	seen := make(map[string]bool)
	doc.Find(l.selectors.ProductLink).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		absolute := resolveURL(base, href)
		if absolute == "" || seen[absolute] {
			return
		}
		seen[absolute] = true

		found := interfaces.DiscoveredURL{URL: absolute}
		if l.selectors.ProductName != "" {
			found.Name = strings.TrimSpace(sel.Find(l.selectors.ProductName).First().Text())
		}
		if l.selectors.ProductBrand != "" {
			found.Brand = strings.TrimSpace(sel.Find(l.selectors.ProductBrand).First().Text())
		}
		page.URLs = append(page.URLs, found)
	})

	next, _ := doc.Find(l.selectors.NextPage).First().Attr("href")
	if next == "" {
		page.Done = true
		return page, nil
	}

	nextProgress, err := json.Marshal(listerProgress{NextURL: resolveURL(base, next)})
	if err != nil {
		return nil, err
	}
	page.NextProgress = nextProgress
	return page, nil
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}
