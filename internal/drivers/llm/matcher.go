// -----------------------------------------------------------------------
// LLM matcher - Claude-backed analysis for processing and aggregation
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/interfaces"
)

const systemPrompt = "You analyze cosmetics retail data. Always answer with a single JSON value and nothing else."

// Matcher implements the LLM-backed steps of video processing and
// aggregation against the Anthropic API. Every operation asks for JSON
// output and fails on responses that do not parse.
type Matcher struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	logger      arbor.ILogger
}

// NewMatcher creates a matcher from the Claude configuration
func NewMatcher(cfg *common.ClaudeConfig, logger arbor.ILogger) (*Matcher, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("claude api key is not configured")
	}
	return &Matcher{
		client:      anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:       cfg.Model,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: float64(cfg.Temperature),
		logger:      logger,
	}, nil
}

// MatchBrand normalizes a raw brand string against the known brand list
func (m *Matcher) MatchBrand(ctx context.Context, raw string, known []string) (*interfaces.BrandMatch, error) {
	prompt := fmt.Sprintf(`A product page reports the brand %q.
Known brands: %s
Pick the known brand this refers to, or a cleaned-up canonical spelling when none matches.
Answer as JSON: {"brand": string, "confidence": number between 0 and 1}`,
		raw, jsonList(known))

	var out struct {
		Brand      string  `json:"brand"`
		Confidence float64 `json:"confidence"`
	}
	if err := m.ask(ctx, prompt, &out); err != nil {
		return nil, err
	}
	if out.Brand == "" {
		return nil, fmt.Errorf("brand match returned empty brand for %q", raw)
	}
	return &interfaces.BrandMatch{Brand: out.Brand, Confidence: out.Confidence}, nil
}

// MatchProduct resolves a free-form name to one of the candidates,
// returning the index or -1 when nothing matches.
func (m *Matcher) MatchProduct(ctx context.Context, rawName string, candidates []string) (int, error) {
	if len(candidates) == 0 {
		return -1, nil
	}
	prompt := fmt.Sprintf(`A video mentions a product called %q.
Candidate products, by index: %s
Pick the candidate that is the same product, or -1 when none is.
Answer as JSON: {"index": number}`,
		rawName, jsonList(candidates))

	var out struct {
		Index int `json:"index"`
	}
	if err := m.ask(ctx, prompt, &out); err != nil {
		return -1, err
	}
	if out.Index < 0 || out.Index >= len(candidates) {
		return -1, nil
	}
	return out.Index, nil
}

// AnalyzeTranscript extracts product mentions with sentiment from
// transcript segments.
func (m *Matcher) AnalyzeTranscript(ctx context.Context, segments []interfaces.TranscriptSegment) ([]interfaces.ProductMention, error) {
	if len(segments) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&sb, "[%d] %s\n", i, seg.Text)
	}
	prompt := fmt.Sprintf(`Transcript segments of a cosmetics video, numbered:
%s
List every specific product mentioned. For each give the segment index, the product name as spoken, a GTIN/EAN when one is spoken, and the speaker's sentiment toward it.
Answer as a JSON array: [{"segmentIndex": number, "rawName": string, "gtin": string, "sentiment": "positive"|"neutral"|"negative"}]`,
		sb.String())

	var out []struct {
		SegmentIndex int    `json:"segmentIndex"`
		RawName      string `json:"rawName"`
		GTIN         string `json:"gtin"`
		Sentiment    string `json:"sentiment"`
	}
	if err := m.ask(ctx, prompt, &out); err != nil {
		return nil, err
	}

	mentions := make([]interfaces.ProductMention, 0, len(out))
	for _, item := range out {
		if item.RawName == "" {
			continue
		}
		mentions = append(mentions, interfaces.ProductMention{
			SegmentIndex: item.SegmentIndex,
			RawName:      item.RawName,
			GTIN:         item.GTIN,
			Sentiment:    normalizeSentiment(item.Sentiment),
		})
	}
	return mentions, nil
}

// Classify derives category and scores from aggregated product data
func (m *Matcher) Classify(ctx context.Context, name, brand, ingredientsText string) (*interfaces.ProductClassification, error) {
	prompt := fmt.Sprintf(`Classify this cosmetics product.
Name: %s
Brand: %s
Ingredients: %s
Give a short category label, a store score and a creator score, both 0-5.
Answer as JSON: {"category": string, "storeScore": number, "creatorScore": number}`,
		name, brand, ingredientsText)

	var out struct {
		Category     string  `json:"category"`
		StoreScore   float64 `json:"storeScore"`
		CreatorScore float64 `json:"creatorScore"`
	}
	if err := m.ask(ctx, prompt, &out); err != nil {
		return nil, err
	}
	return &interfaces.ProductClassification{
		Category:     out.Category,
		StoreScore:   out.StoreScore,
		CreatorScore: out.CreatorScore,
	}, nil
}

// ask sends one user message and decodes the JSON the model answers with
func (m *Matcher) ask(ctx context.Context, prompt string, out interface{}) error {
	message, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(m.model),
		MaxTokens:   m.maxTokens,
		Temperature: anthropic.Float(m.temperature),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return fmt.Errorf("claude request failed: %w", err)
	}

	text := ""
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	payload := extractJSON(text)
	if payload == "" {
		return fmt.Errorf("claude returned no JSON: %s", truncate(text, 200))
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("claude returned malformed JSON: %w", err)
	}
	return nil
}

// extractJSON locates the first JSON value in text, tolerating code
// fences and prose around it.
func extractJSON(text string) string {
	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return ""
	}
	open := text[start]
	var closer byte = '}'
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func normalizeSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return "positive"
	case "negative":
		return "negative"
	default:
		return "neutral"
	}
}

func jsonList(items []string) string {
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
