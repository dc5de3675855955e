package wiki

import "strings"

// Canonical namespace prefixes the archiver recognises in bracket links.
// Project wikis can alias these; the archiver only needs the stock set.
var namespacePrefixes = map[string]string{
	"file":     "file",
	"image":    "file",
	"media":    "file",
	"category": "category",
	"template": "template",
}

// stripNamespacePrefix removes the namespace prefix from an API title.
// Titles are stored bare; the namespace integer travels separately.
func stripNamespacePrefix(title string, ns int) string {
	if ns == 0 {
		return title
	}
	if idx := strings.Index(title, ":"); idx > 0 {
		return title[idx+1:]
	}
	return title
}

// NormalizeTitle applies MediaWiki title conventions: underscores become
// spaces, runs of whitespace collapse, and the first letter is uppercased.
func NormalizeTitle(title string) string {
	title = strings.TrimSpace(strings.ReplaceAll(title, "_", " "))
	for strings.Contains(title, "  ") {
		title = strings.ReplaceAll(title, "  ", " ")
	}
	if title == "" {
		return title
	}
	return strings.ToUpper(title[:1]) + title[1:]
}
