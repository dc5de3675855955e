// Package extract pulls the internal link graph out of raw wikitext.
// It is deliberately a lexical pass, not a wikitext parser: it finds
// link and transclusion markup and classifies the targets, which is all
// the link graph needs. One consequence: a single all-caps word in
// braces cannot be told apart from a magic word, so templates named
// that way ({{NPOV}}) are not recorded as transclusions.
package extract

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/wikivault/wikivault/internal/storage"
)

var (
	// [[Target]] and [[Target|label]]; the target never contains
	// brackets or pipes.
	wikiLinkRe = regexp.MustCompile(`\[\[([^\[\]|{}\n]+)(?:\|[^\[\]]*)?\]\]`)

	// {{Name}} and {{Name|args...}}. Only the top-level template name is
	// taken; arguments are not scanned for nested transclusions.
	templateRe = regexp.MustCompile(`\{\{([^{}|]+)(?:\|[^{}]*)?\}\}`)
)

// filePrefixes and categoryPrefix classify bracketed links by their
// namespace prefix, matched case-insensitively.
var filePrefixes = []string{"file:", "image:", "media:"}

const categoryPrefix = "category:"

// Links extracts the deduplicated set of internal links from wikitext.
// Four classes come out: page links, template transclusions, file
// references, and category memberships. External links, interwiki
// links, and anchors-only links are ignored.
func Links(wikitext string) []storage.Link {
	seen := make(map[storage.Link]bool)
	var out []storage.Link

	add := func(target string, typ storage.LinkType) {
		target = NormalizeTarget(target)
		if target == "" {
			return
		}
		l := storage.Link{TargetTitle: target, LinkType: typ}
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}

	for _, m := range wikiLinkRe.FindAllStringSubmatch(wikitext, -1) {
		target := strings.TrimSpace(m[1])
		// Strip a section anchor; a bare anchor links within the page.
		if i := strings.IndexByte(target, '#'); i >= 0 {
			target = strings.TrimSpace(target[:i])
			if target == "" {
				continue
			}
		}
		lower := strings.ToLower(target)
		switch {
		case hasFilePrefix(lower):
			add(stripPrefix(target), storage.LinkFile)
		case strings.HasPrefix(lower, categoryPrefix):
			add(stripPrefix(target), storage.LinkCategory)
		case strings.Contains(target, ":") && looksInterwiki(lower):
			// Interwiki and language links point off-wiki.
		default:
			add(target, storage.LinkPage)
		}
	}

	for _, m := range templateRe.FindAllStringSubmatch(wikitext, -1) {
		name := strings.TrimSpace(m[1])
		// Parser functions and magic words ({{#if:...}}, {{PAGENAME}})
		// are not transclusions of template pages. The magic-word check
		// is lexical: any single word of three or more characters that is
		// entirely upper case counts, which also excludes genuine
		// all-caps template names.
		if name == "" || strings.HasPrefix(name, "#") ||
			(name == strings.ToUpper(name) && !strings.ContainsAny(name, " _") && len(name) > 2) {
			continue
		}
		add(name, storage.LinkTemplate)
	}

	return out
}

// NormalizeTarget canonicalises a link target the way page titles are
// stored: underscores become spaces, runs of whitespace collapse, and
// the first rune is uppercased.
func NormalizeTarget(target string) string {
	target = strings.ReplaceAll(target, "_", " ")
	target = strings.Join(strings.Fields(target), " ")
	if target == "" {
		return ""
	}
	first, size := utf8.DecodeRuneInString(target)
	return string(unicode.ToUpper(first)) + target[size:]
}

func hasFilePrefix(lower string) bool {
	for _, p := range filePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func stripPrefix(target string) string {
	i := strings.IndexByte(target, ':')
	if i < 0 {
		return target
	}
	return strings.TrimSpace(target[i+1:])
}

// interwikiPrefixes covers the common off-wiki prefixes; anything else
// with a colon is treated as an on-wiki namespaced page.
var interwikiPrefixes = map[string]bool{
	"w": true, "wikipedia": true, "wikt": true, "wiktionary": true,
	"commons": true, "meta": true, "mw": true, "wikisource": true,
	"en": true, "de": true, "fr": true, "es": true, "ja": true,
	"ru": true, "zh": true, "pt": true, "it": true, "nl": true,
}

func looksInterwiki(lower string) bool {
	i := strings.IndexByte(lower, ':')
	if i <= 0 {
		return false
	}
	return interwikiPrefixes[lower[:i]]
}
