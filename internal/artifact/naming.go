package artifact

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// contentTypeExt maps response Content-Type values to file extensions.
var contentTypeExt = map[string]string{
	"image/png":        ".png",
	"image/jpeg":       ".jpg",
	"image/jpg":        ".jpg",
	"image/webp":       ".webp",
	"image/gif":        ".gif",
	"image/bmp":        ".bmp",
	"image/tiff":       ".tiff",
	"video/mp4":        ".mp4",
	"video/webm":       ".webm",
	"video/quicktime":  ".mov",
	"video/x-msvideo":  ".avi",
	"video/mpeg":       ".mpeg",
	"audio/mpeg":       ".mp3",
	"audio/wav":        ".wav",
	"audio/x-wav":      ".wav",
	"audio/ogg":        ".ogg",
	"audio/flac":       ".flac",
	"audio/aac":        ".aac",
	"application/pdf":  ".pdf",
	"application/json": ".json",
	"application/zip":  ".zip",
	"text/plain":       ".txt",
	"text/html":        ".html",
	"text/csv":         ".csv",
}

// resolveExt picks the artifact extension: the explicit output file's
// extension, else the Content-Type map, else a short extension from the URL
// path. Returns "" when nothing applies.
func resolveExt(outputFile, contentType, rawURL string) string {
	if outputFile != "" {
		if ext := filepath.Ext(outputFile); ext != "" {
			return ext
		}
	}
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if ext, ok := contentTypeExt[mt]; ok {
				return ext
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 6 { // "." + up to 5 chars
			return ext
		}
	}
	return ""
}

// sanitizeID keeps alphanumerics, dash and underscore; everything else
// becomes an underscore. Used for auto-generated filenames.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

// autoFilename builds "{sanitised-id}_{timestamp}{ext}".
func autoFilename(remoteID string, now time.Time, ext string) string {
	return fmt.Sprintf("%s_%s%s", sanitizeID(remoteID), now.Format("20060102_150405"), ext)
}

// dispositionFilename extracts filename= from a Content-Disposition header.
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// urlBasename returns the final path element of a URL, without query string.
func urlBasename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// indexedName inserts _{n} before the extension: "out.png", 2 → "out_2.png".
func indexedName(name string, n int) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%d%s", stem, n, ext)
}
