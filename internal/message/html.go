package message

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s<>"']+`)
	imageSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".webp"}
)

const trailingPunctuation = ".,;:!?)]}'\""

// Sanitizer strips active content from campaign markup
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer creates a sanitizer allowing user-generated-content markup.
// Scripts, styles, event handler attributes and javascript: URLs are removed.
func NewSanitizer() *Sanitizer {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Globally()
	p.AllowAttrs("width", "height", "alt").OnElements("img")
	return &Sanitizer{policy: p}
}

func (s *Sanitizer) Sanitize(markup string) string {
	return s.policy.Sanitize(markup)
}

// Autolink turns bare URLs in text nodes into links. URLs ending in a
// known image extension are embedded as images instead. Text already
// inside an anchor is left alone.
func Autolink(markup string) string {
	z := html.NewTokenizer(strings.NewReader(markup))
	var out bytes.Buffer
	anchorDepth := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return out.String()
			}
			// Malformed input: keep what the tokenizer could not consume
			out.Write(z.Raw())
			return out.String()
		case html.StartTagToken:
			if name, _ := z.TagName(); atom.Lookup(name) == atom.A {
				anchorDepth++
			}
			out.Write(z.Raw())
		case html.EndTagToken:
			if name, _ := z.TagName(); atom.Lookup(name) == atom.A && anchorDepth > 0 {
				anchorDepth--
			}
			out.Write(z.Raw())
		case html.TextToken:
			raw := z.Raw()
			if anchorDepth > 0 {
				out.Write(raw)
				continue
			}
			out.WriteString(linkText(html.UnescapeString(string(raw))))
		default:
			out.Write(z.Raw())
		}
	}
}

func linkText(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		u := strings.TrimRight(text[start:end], trailingPunctuation)
		end = start + len(u)
		if len(u) <= len("https://") {
			continue
		}

		b.WriteString(html.EscapeString(text[last:start]))
		escaped := html.EscapeString(u)
		if isImageURL(u) {
			b.WriteString(`<img src="` + escaped + `" alt="" style="max-width:100%">`)
		} else {
			b.WriteString(`<a href="` + escaped + `">` + escaped + `</a>`)
		}
		last = end
	}
	b.WriteString(html.EscapeString(text[last:]))
	return b.String()
}

func isImageURL(u string) bool {
	path := strings.ToLower(u)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, suffix := range imageSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// Wrap places the body in the campaign container followed by the
// invisible tracking pixel and returns a complete HTML document.
func Wrap(body, pixelURL string) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"UTF-8\"></head><body>\n")
	b.WriteString(`<div class="campaign-body">`)
	b.WriteString(body)
	b.WriteString("</div>\n")
	if pixelURL != "" {
		b.WriteString(`<img src="` + html.EscapeString(pixelURL) +
			`" width="1" height="1" alt="" style="display:block;width:1px;height:1px;border:0;opacity:0" />`)
		b.WriteString("\n")
	}
	b.WriteString("</body></html>\n")
	return b.String()
}
