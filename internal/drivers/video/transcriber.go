// -----------------------------------------------------------------------
// Transcriber - WebVTT caption tracks from the platform gateway
// -----------------------------------------------------------------------

package video

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gleanr/gleaner/internal/interfaces"
)

// Transcriber fetches a video's caption track from the platform gateway
// at /api/v1/captions/{id} and parses the WebVTT cues into timed
// segments. Videos without captions are errors; the handler records
// them per item.
type Transcriber struct {
	platform *Platform
}

// NewTranscriber creates a caption-based transcriber sharing the
// platform driver's HTTP plumbing.
func NewTranscriber(platform *Platform) *Transcriber {
	return &Transcriber{platform: platform}
}

// Transcribe fetches and parses the caption track for videoURL
func (t *Transcriber) Transcribe(ctx context.Context, videoURL string) ([]interfaces.TranscriptSegment, error) {
	id, err := lastPathSegment(videoURL)
	if err != nil {
		return nil, err
	}

	endpoint := t.platform.apiURL + "/api/v1/captions/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if t.platform.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.platform.apiKey)
	}

	resp, err := t.platform.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("caption fetch for %s failed: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("video %s has no caption track", id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("caption fetch for %s returned status %d", id, resp.StatusCode)
	}

	segments, err := parseWebVTT(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("caption track for %s is malformed: %w", id, err)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("caption track for %s is empty", id)
	}
	return segments, nil
}

// parseWebVTT reads cues from a WebVTT stream. Cue identifiers, NOTE
// blocks and styling are skipped; consecutive text lines of one cue are
// joined with spaces.
func parseWebVTT(r io.Reader) ([]interfaces.TranscriptSegment, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var segments []interfaces.TranscriptSegment
	var current *interfaces.TranscriptSegment

	flush := func() {
		if current != nil && current.Text != "" {
			segments = append(segments, *current)
		}
		current = nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "" || strings.HasPrefix(line, "WEBVTT") ||
			strings.HasPrefix(line, "NOTE") || strings.HasPrefix(line, "STYLE"):
			flush()
		case strings.Contains(line, "-->"):
			flush()
			start, end, err := parseCueTiming(line)
			if err != nil {
				return nil, err
			}
			current = &interfaces.TranscriptSegment{StartSec: start, EndSec: end}
		case current != nil:
			text := stripCueTags(line)
			if text == "" {
				continue
			}
			if current.Text != "" {
				current.Text += " "
			}
			current.Text += text
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return segments, nil
}

func parseCueTiming(line string) (float64, float64, error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad cue timing %q", line)
	}
	start, err := parseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	// Trailing cue settings (position, align) follow the end timestamp
	endField := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("bad cue timing %q", line)
	}
	end, err := parseTimestamp(endField[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// parseTimestamp reads hh:mm:ss.mmm or mm:ss.mmm
func parseTimestamp(ts string) (float64, error) {
	parts := strings.Split(ts, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("bad timestamp %q", ts)
	}

	var total float64
	for _, part := range parts {
		value, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, fmt.Errorf("bad timestamp %q", ts)
		}
		total = total*60 + value
	}
	return total, nil
}

// stripCueTags removes inline WebVTT tags like <c> and <00:00:01.000>
func stripCueTags(line string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range line {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}
