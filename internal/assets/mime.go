package assets

import "strings"

// DefaultMimeType is returned for any extension not in the table.
const DefaultMimeType = "application/octet-stream"

var mimeTypes = map[string]string{
	"js":    "application/javascript",
	"css":   "text/css",
	"html":  "text/html",
	"png":   "image/png",
	"jpg":   "image/jpeg",
	"jpeg":  "image/jpeg",
	"gif":   "image/gif",
	"svg":   "image/svg+xml",
	"ico":   "image/x-icon",
	"json":  "application/json",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"ttf":   "font/ttf",
}

// MimeType resolves a content type from the text after the last "." in
// path, compared case-insensitively.
func MimeType(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return DefaultMimeType
	}
	if t, ok := mimeTypes[strings.ToLower(path[i+1:])]; ok {
		return t
	}
	return DefaultMimeType
}
