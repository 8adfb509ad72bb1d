// Package assets is the decrypted, in-memory asset table: logical path to
// base64 file content, decoded on every lookup.
package assets

import "encoding/base64"

// Table maps a logical path (no leading slash, case-sensitive) to the
// standard base64 encoding of the file's bytes. Lookups are exact-match.
type Table map[string]string

// Asset is a decoded table entry ready to be written to a response.
type Asset struct {
	Path        string
	Body        []byte
	ContentType string
}

// Lookup decodes the entry for path. A value that is not valid base64 is
// reported as a miss.
func (t Table) Lookup(path string) (Asset, bool) {
	enc, ok := t[path]
	if !ok {
		return Asset{}, false
	}
	body, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return Asset{}, false
	}
	return Asset{Path: path, Body: body, ContentType: MimeType(path)}, true
}

func (t Table) Len() int { return len(t) }

// DecodedSize estimates the total decoded size of all entries in bytes.
func (t Table) DecodedSize() int64 {
	var n int64
	for _, v := range t {
		n += int64(base64.StdEncoding.DecodedLen(len(v)))
	}
	return n
}
