package media

import (
	"encoding/base64"
	"path"
	"time"

	"github.com/google/uuid"

	"omnigate/internal/domain"
)

// buildKey lays out storage keys as <type>/yyyy/MM/dd/<id><ext>, where id
// is the content hash or, for streams hashed in flight, a random UUID.
func buildKey(mediaType domain.MediaType, id, ext string, now time.Time) string {
	return string(mediaType) + "/" + now.UTC().Format("2006/01/02") + "/" + id + ext
}

// hashID encodes a SHA-256 digest as URL-safe base64 without padding.
func hashID(sum []byte) string {
	return base64.RawURLEncoding.EncodeToString(sum)
}

// randomID substitutes for the content hash when the bytes cannot be hashed
// before the key is needed.
func randomID() string {
	return uuid.NewString()
}

// extensionFor derives a file extension from the original file name when
// present, else from the content type. Unknown types get no extension.
func extensionFor(contentType, fileName string) string {
	if ext := path.Ext(fileName); ext != "" {
		return ext
	}
	switch contentType {
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/flac":
		return ".flac"
	case "application/json":
		return ".json"
	default:
		return ""
	}
}
