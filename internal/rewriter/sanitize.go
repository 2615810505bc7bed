package rewriter

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// allowedTags is the sanitizer allowlist for non-unlock callers. Anything
// else is unwrapped or dropped.
var allowedTags = map[string]bool{
	"a": true, "abbr": true, "article": true, "aside": true, "b": true,
	"blockquote": true, "br": true, "caption": true, "code": true,
	"dd": true, "div": true, "dl": true, "dt": true, "em": true,
	"figcaption": true, "figure": true, "footer": true, "h1": true,
	"h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "i": true, "img": true, "li": true,
	"main": true, "mark": true, "nav": true, "ol": true, "p": true,
	"pre": true, "section": true, "small": true, "span": true,
	"strong": true, "sub": true, "sup": true, "table": true,
	"tbody": true, "td": true, "tfoot": true, "th": true, "thead": true,
	"time": true, "tr": true, "u": true, "ul": true,
}

// droppedTags are removed with their content.
var droppedTags = []string{
	"script", "style", "iframe", "object", "embed", "form", "input",
	"button", "select", "textarea", "link", "meta", "noscript", "svg",
	"canvas", "template", "audio", "video",
}

// allowedAttrs survive sanitization per tag; href/src are additionally
// rebased against the document base.
var allowedAttrs = map[string]bool{
	"href": true, "src": true, "alt": true, "title": true,
	"width": true, "height": true, "colspan": true, "rowspan": true,
	"datetime": true,
}

// Sanitizer reduces a page to an allowlisted fragment for callers that
// asked for plain reading rather than the full unlock rewrite.
type Sanitizer struct {
	logger *slog.Logger
}

// NewSanitizer creates a sanitizer.
func NewSanitizer(logger *slog.Logger) *Sanitizer {
	return &Sanitizer{logger: logger.With("component", "sanitizer")}
}

// Sanitize filters body down to the allowlist, resolving relative URLs
// against baseURL, and returns a minimal standalone document.
func (s *Sanitizer) Sanitize(body, baseURL string) string {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return RewriteErrorPage()
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawSweep(body)))
	if err != nil {
		s.logger.Warn("sanitize parse failed", "base", baseURL, "error", err)
		return RewriteErrorPage()
	}

	title := strings.TrimSpace(doc.Find("head > title").First().Text())

	for _, tag := range droppedTags {
		doc.Find(tag).Remove()
	}

	doc.Find("body *").Each(func(_ int, sel *goquery.Selection) {
		node := sel.Get(0)
		if !allowedTags[node.Data] {
			// Unwrap: keep the content, lose the element.
			if sel.Contents().Length() > 0 {
				sel.Contents().Unwrap()
			} else {
				sel.Remove()
			}
			return
		}
		for _, attr := range node.Attr {
			if !allowedAttrs[attr.Key] {
				sel.RemoveAttr(attr.Key)
				continue
			}
			if attr.Key == "href" || attr.Key == "src" {
				resolved, ok := resolveRef(base, attr.Val)
				if !ok {
					sel.RemoveAttr(attr.Key)
					continue
				}
				sel.SetAttr(attr.Key, resolved)
			}
		}
	})

	content, err := doc.Find("body").First().Html()
	if err != nil {
		s.logger.Warn("sanitize serialize failed", "base", baseURL, "error", err)
		return RewriteErrorPage()
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">")
	if title != "" {
		b.WriteString("<title>" + htmlEscape(title) + "</title>")
	}
	b.WriteString("</head><body>")
	b.WriteString(content)
	b.WriteString("</body></html>")
	return b.String()
}
