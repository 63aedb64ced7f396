// Package validation holds side-effect free checks and formatters for
// uploaded audio.
package validation

import (
	"fmt"
	"math"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// SniffBytes is how much of an upload is inspected when the declared type is unknown.
const SniffBytes = 3072

var allowedMIMETypes = map[string]struct{}{
	"audio/mpeg":   {},
	"audio/mp3":    {},
	"audio/wav":    {},
	"audio/x-wav":  {},
	"audio/wave":   {},
	"audio/webm":   {},
	"audio/ogg":    {},
	"audio/mp4":    {},
	"audio/x-m4a":  {},
	"audio/m4a":    {},
	"audio/aac":    {},
	"audio/flac":   {},
	"audio/x-flac": {},
}

var allowedExtensions = map[string]struct{}{
	".mp3":  {},
	".wav":  {},
	".webm": {},
	".ogg":  {},
	".m4a":  {},
	".mp4":  {},
	".aac":  {},
	".flac": {},
}

func CheckSize(size, maxBytes int64) error {
	if size <= 0 {
		return fmt.Errorf("audio file is empty")
	}
	if maxBytes > 0 && size > maxBytes {
		return fmt.Errorf("audio file is %s, limit is %s", FormatFileSize(size), FormatFileSize(maxBytes))
	}
	return nil
}

// IsAllowedAudio reports whether either the declared MIME type or the file
// extension is on the allow-list.
func IsAllowedAudio(mimeType, fileName string) bool {
	if base := normalizeMIME(mimeType); base != "" {
		if _, ok := allowedMIMETypes[base]; ok {
			return true
		}
	}
	_, ok := allowedExtensions[strings.ToLower(filepath.Ext(fileName))]
	return ok
}

// IsAllowedMIME reports whether mimeType alone is on the allow-list.
func IsAllowedMIME(mimeType string) bool {
	_, ok := allowedMIMETypes[normalizeMIME(mimeType)]
	return ok
}

// SniffAudio detects the content type of head and reports whether it is audio.
func SniffAudio(head []byte) (string, bool) {
	if len(head) == 0 {
		return "", false
	}
	detected := mimetype.Detect(head)
	for m := detected; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") {
			return normalizeMIME(detected.String()), true
		}
	}
	return normalizeMIME(detected.String()), false
}

func normalizeMIME(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	base, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return strings.ToLower(base)
}

// FormatFileSize renders a byte count using binary units, e.g. "2.0 MB".
func FormatFileSize(size int64) string {
	if size < 1024 {
		return fmt.Sprintf("%d B", size)
	}
	units := []string{"KB", "MB", "GB", "TB"}
	value := float64(size)
	unit := ""
	for _, u := range units {
		value /= 1024
		unit = u
		if value < 1024 {
			break
		}
	}
	return fmt.Sprintf("%.1f %s", value, unit)
}

// FormatDuration renders a duration as m:ss or h:mm:ss.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(math.Round(d.Seconds()))
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
