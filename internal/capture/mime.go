package capture

import (
	"strings"

	"github.com/bowerhall/medibuddy/internal/conversation"
)

// Extension picks a file extension (with dot) for a mime type, falling back
// on the media kind.
func Extension(mimeType string, kind conversation.MediaKind) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/mp4", "audio/x-m4a", "audio/m4a":
		return ".m4a"
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	}

	switch {
	case strings.HasPrefix(mimeType, "audio/"), kind == conversation.MediaAudio:
		return ".m4a"
	default:
		return ".jpg"
	}
}

// MimeType is the inverse of Extension for files we wrote ourselves.
func MimeType(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	case ".webm":
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}
