package intercept

import "strings"

// RootDocument is the table key the site root maps to.
const RootDocument = "index.html"

// LogicalPath turns a request path into an asset table key: one leading
// "/" is stripped, and the empty path maps to RootDocument. No cleaning
// or prefix matching is done; table keys are exact.
func LogicalPath(urlPath string) string {
	p := strings.TrimPrefix(urlPath, "/")
	if p == "" {
		return RootDocument
	}
	return p
}
