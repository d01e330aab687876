// Package render merges spreadsheet row values into email templates.
package render

import (
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render replaces every {{Field}} placeholder in tmpl with row["Field"].
// A placeholder whose field is absent from the row renders as the empty
// string; that is the documented lossy policy, not an error. Rendering is
// pure: identical inputs always yield identical output.
func Render(tmpl string, row map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		field := placeholderRe.FindStringSubmatch(m)[1]
		return row[field]
	})
}
