package conversion

import "regexp"

// bareURLPattern matches http(s) URLs up to the next whitespace.
var bareURLPattern = regexp.MustCompile(`https?://[^\s<]+`)

// Linkify wraps bare http(s) URLs in already-escaped HTML with anchors that
// open in a new tab.
func Linkify(escaped string) string {
	return bareURLPattern.ReplaceAllStringFunc(escaped, func(u string) string {
		return `<a href="` + u + `" target="_blank" rel="noopener">` + u + `</a>`
	})
}

// TextToHTML escapes plain text and links its URLs.
func TextToHTML(text string) string {
	return Linkify(EscapeHTML(text))
}
