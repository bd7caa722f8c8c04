// Package filter post-processes rendered HTML before it's cached or
// returned: stripping script tags (other than structured-data blocks)
// and the fragment-indicator meta tag left over from the pre-render
// contract, since neither is useful to a crawler reading prerendered
// markup.
package filter

import (
	"regexp"
	"strings"
)

var (
	scriptTagRe       = regexp.MustCompile(`(?is)<script(.*?)>([\s\S]*?)</script>`)
	metaFragmentTagRe = regexp.MustCompile(`(?i)<meta[^<>]*name=['"]fragment['"][^<>]*content=['"]!['"][^<>]*>`)
)

// Filter transforms rendered HTML.
type Filter func(html string) string

// Apply runs html through each filter in order.
func Apply(html string, filters ...Filter) string {
	for _, f := range filters {
		html = f(html)
	}
	return html
}

// RemoveScriptTags strips every <script> element except ones whose
// opening tag carries an application/ld+json type — structured-data
// blocks are the point of serving prerendered markup to a crawler, so
// they survive even though every other script is dead weight without a
// browser to run it.
func RemoveScriptTags(html string) string {
	return scriptTagRe.ReplaceAllStringFunc(html, func(match string) string {
		groups := scriptTagRe.FindStringSubmatch(match)
		attrs := groups[1]
		if !strings.Contains(attrs, "application/ld+json") {
			return ""
		}
		return match
	})
}

// RemoveMetaFragmentTag strips the <meta name="fragment" content="!">
// hash-bang escaped-fragment marker, which signals crawlers to request
// this prerendered copy in the first place and has no further purpose
// once they have it.
func RemoveMetaFragmentTag(html string) string {
	return metaFragmentTagRe.ReplaceAllString(html, "")
}
