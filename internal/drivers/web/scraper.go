// -----------------------------------------------------------------------
// Web scrape driver - schema.org product pages over plain HTTP
// -----------------------------------------------------------------------

package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/interfaces"
)

// Scraper fetches product pages of one source and extracts fields from
// schema.org Product JSON-LD, falling back to meta tags. Requests are
// rate limited per driver instance.
type Scraper struct {
	source    string
	client    *http.Client
	limiter   *rate.Limiter
	converter *md.Converter
	userAgent string
	maxBody   int64
	logger    arbor.ILogger
}

// NewScraper creates a scrape driver for the given source key
func NewScraper(source string, cfg *common.ScraperConfig, logger arbor.ILogger) *Scraper {
	delay := parseDurationOr(cfg.RequestDelay, time.Second)
	timeout := parseDurationOr(cfg.RequestTimeout, 30*time.Second)
	maxBody := int64(cfg.MaxBodySize)
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	return &Scraper{
		source:    source,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Every(delay), 1),
		converter: md.NewConverter("", true, nil),
		userAgent: cfg.UserAgent,
		maxBody:   maxBody,
		logger:    logger,
	}
}

func (s *Scraper) Source() string {
	return s.source
}

// Scrape fetches url and extracts the product it presents
func (s *Scraper) Scrape(ctx context.Context, url string) (*interfaces.ScrapedProduct, error) {
	doc, err := s.fetchDocument(ctx, url)
	if err != nil {
		return nil, err
	}

	product := &interfaces.ScrapedProduct{}
	if ld := findProductLD(doc); ld != nil {
		applyProductLD(product, ld)
	}
	s.applyFallbacks(doc, product)

	if product.Name == "" {
		return nil, fmt.Errorf("no product data found at %s", url)
	}
	if product.CanonicalURL == "" {
		if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
			product.CanonicalURL = canonical
		}
	}
	return product, nil
}

// fetchDocument performs a rate-limited GET and parses the body
func (s *Scraper) fetchDocument(ctx context.Context, url string) (*goquery.Document, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s returned status %d", url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, s.maxBody))
	if err != nil {
		return nil, fmt.Errorf("parse %s failed: %w", url, err)
	}
	return doc, nil
}

// productLD is the subset of schema.org Product this driver reads
type productLD struct {
	Type        string          `json:"@type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	GTIN13      string          `json:"gtin13"`
	GTIN        string          `json:"gtin"`
	Image       json.RawMessage `json:"image"`
	Brand       json.RawMessage `json:"brand"`
	Offers      json.RawMessage `json:"offers"`
	Rating      *struct {
		Value json.RawMessage `json:"ratingValue"`
		Count json.RawMessage `json:"reviewCount"`
	} `json:"aggregateRating"`
}

type offerLD struct {
	URL      string          `json:"url"`
	Price    json.RawMessage `json:"price"`
	Currency string          `json:"priceCurrency"`
	GTIN13   string          `json:"gtin13"`
	Name     string          `json:"name"`
	Size     string          `json:"size"`
}

// findProductLD locates the first Product node among the page's JSON-LD
// blocks, including @graph containers.
func findProductLD(doc *goquery.Document) *productLD {
	var found *productLD
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		raw := strings.TrimSpace(sel.Text())
		if raw == "" {
			return true
		}
		for _, node := range flattenLD(json.RawMessage(raw)) {
			var candidate productLD
			if err := json.Unmarshal(node, &candidate); err != nil {
				continue
			}
			if strings.EqualFold(candidate.Type, "Product") {
				found = &candidate
				return false
			}
		}
		return true
	})
	return found
}

// flattenLD expands arrays and @graph wrappers into individual nodes
func flattenLD(raw json.RawMessage) []json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil
		}
		var out []json.RawMessage
		for _, item := range items {
			out = append(out, flattenLD(item)...)
		}
		return out
	}

	var wrapper struct {
		Graph []json.RawMessage `json:"@graph"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Graph) > 0 {
		var out []json.RawMessage
		for _, item := range wrapper.Graph {
			out = append(out, flattenLD(item)...)
		}
		return out
	}
	return []json.RawMessage{raw}
}

func applyProductLD(product *interfaces.ScrapedProduct, ld *productLD) {
	product.Name = ld.Name
	product.Description = ld.Description
	product.GTIN = firstNonEmpty(ld.GTIN13, ld.GTIN)
	product.Brand = ldBrand(ld.Brand)
	product.ImageURL = ldImage(ld.Image)

	if ld.Rating != nil {
		product.Rating = ldNumber(ld.Rating.Value)
		product.RatingCount = int(ldNumber(ld.Rating.Count))
	}

	offers := ldOffers(ld.Offers)
	if len(offers) > 0 {
		product.Price = ldNumber(offers[0].Price)
		product.Currency = offers[0].Currency
		if product.GTIN == "" {
			product.GTIN = offers[0].GTIN13
		}
	}
	for _, offer := range offers[min(1, len(offers)):] {
		product.Variants = append(product.Variants, interfaces.ScrapedVariant{
			URL:   offer.URL,
			GTIN:  offer.GTIN13,
			Size:  offer.Size,
			Price: ldNumber(offer.Price),
		})
	}
}

// applyFallbacks fills fields the JSON-LD block left empty from common
// page structure, and renders the description to markdown when it came
// from an HTML fragment.
func (s *Scraper) applyFallbacks(doc *goquery.Document, product *interfaces.ScrapedProduct) {
	if product.Name == "" {
		if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
			product.Name = strings.TrimSpace(og)
		}
	}
	if product.ImageURL == "" {
		if og, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
			product.ImageURL = og
		}
	}
	if product.Description == "" {
		if html, err := doc.Find(`[itemprop="description"], .product-description`).First().Html(); err == nil && html != "" {
			if markdown, err := s.converter.ConvertString(html); err == nil {
				product.Description = strings.TrimSpace(markdown)
			}
		}
	}
	if product.IngredientsText == "" {
		text := doc.Find(`[itemprop="ingredients"], .product-ingredients`).First().Text()
		product.IngredientsText = strings.TrimSpace(text)
	}
}

func ldBrand(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Name
	}
	return ""
}

func ldImage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var url string
	if err := json.Unmarshal(raw, &url); err == nil {
		return url
	}
	var urls []string
	if err := json.Unmarshal(raw, &urls); err == nil && len(urls) > 0 {
		return urls[0]
	}
	return ""
}

func ldOffers(raw json.RawMessage) []offerLD {
	if len(raw) == 0 {
		return nil
	}
	var many []offerLD
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	var one offerLD
	if err := json.Unmarshal(raw, &one); err == nil && (one.Price != nil || one.URL != "") {
		return []offerLD{one}
	}
	return nil
}

// ldNumber reads a JSON number that stores may emit as a quoted string
func ldNumber(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
			return f
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
