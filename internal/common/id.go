package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewMediaFilename builds a unique, URL-safe filename for an uploaded
// blob. The coordinator's media collection rejects duplicate filenames,
// so every upload carries a fresh suffix.
func NewMediaFilename(prefix, mimeType string) string {
	return sanitizeFilename(prefix) + "-" + uuid.New().String() + extensionFor(mimeType)
}

func sanitizeFilename(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	out := strings.Trim(sb.String(), "-")
	if out == "" {
		return "media"
	}
	return out
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
