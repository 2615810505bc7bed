// Package rewriter transforms fetched HTML so a downstream viewer can
// display it safely: URLs rebased absolute, anti-copy machinery removed,
// integrity pins relaxed, webfonts neutralized, and a notice banner plus
// helper script injected.
package rewriter

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"unveil/internal/config"
)

// Anti-copy patterns stripped from raw text and matched against inline
// scripts. Assignment form first, addEventListener form second.
var antiCopyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)(?:document|window)\.on(?:copy|cut|contextmenu|selectstart)\s*=\s*function\s*\([^)]*\)\s*\{.*?\}\s*;?`),
	regexp.MustCompile(`(?is)(?:document|window)\.addEventListener\s*\(\s*['"](?:copy|cut|contextmenu|selectstart)['"]`),
}

// Inline handler attributes removed during the raw sweep. The DOM pass
// removes the same set again so attributes the parser normalizes are caught.
var (
	inlineHandlerDQRe = regexp.MustCompile(`(?i)\s+on(?:copy|cut|contextmenu|selectstart|mousedown)\s*=\s*"[^"]*"`)
	inlineHandlerSQRe = regexp.MustCompile(`(?i)\s+on(?:copy|cut|contextmenu|selectstart|mousedown)\s*=\s*'[^']*'`)
	fontFaceRe        = regexp.MustCompile(`(?is)@font-face\s*\{[^}]*\}`)
	doctypeRe         = regexp.MustCompile(`(?is)^\s*<!doctype[^>]*>`)
)

// restrictedEventAttrs are deleted from every element.
var restrictedEventAttrs = []string{"oncopy", "oncut", "oncontextmenu", "onselectstart", "onmousedown"}

// rebaseTargets are the element/attribute pairs whose URLs get resolved
// against the document base.
var rebaseTargets = []struct{ tag, attr string }{
	{"link", "href"},
	{"script", "src"},
	{"img", "src"},
	{"iframe", "src"},
	{"audio", "src"},
	{"video", "src"},
	{"source", "src"},
	{"a", "href"},
	{"form", "action"},
}

// droppedSchemes make an attribute value unsalvageable.
var droppedSchemes = []string{"javascript:", "data:", "mailto:", "tel:", "blob:", "about:", "vbscript:"}

// fontCDNHosts are stylesheet hosts treated as webfont machinery.
var fontCDNHosts = map[string]bool{
	"fonts.googleapis.com": true,
	"fonts.gstatic.com":    true,
	"use.typekit.net":      true,
	"p.typekit.net":        true,
	"fast.fonts.net":       true,
	"use.fontawesome.com":  true,
	"kit.fontawesome.com":  true,
	"cloud.typography.com": true,
}

var webFontExtRe = regexp.MustCompile(`(?i)\.(?:woff2?|ttf|otf|eot)(?:[?#]|$)`)

// analyticsHosts exempt external scripts from anti-copy removal.
var analyticsHosts = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"analytics.",
	"segment.com",
	"plausible.io",
}

// maxInlineScriptLen exempts large app bundles from anti-copy removal.
const maxInlineScriptLen = 8000

// Rewriter applies the unlock transform sequence over a parsed DOM.
type Rewriter struct {
	cfg    *config.RewriterConfig
	logger *slog.Logger
}

// New creates a rewriter.
func New(cfg *config.RewriterConfig, logger *slog.Logger) *Rewriter {
	return &Rewriter{
		cfg:    cfg,
		logger: logger.With("component", "html_rewriter"),
	}
}

// Rewrite runs the full transform sequence. baseURL anchors relative URL
// resolution. When the primary parse produces a visibly truncated tree, or
// any transform fails, the fallback parser reruns the URL/image/integrity
// steps; if that also fails a short error document is returned.
func (rw *Rewriter) Rewrite(body, baseURL string) string {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		rw.logger.Warn("unparseable base URL, skipping rewrite", "base", baseURL)
		return RewriteErrorPage()
	}

	swept := rawSweep(body)
	hadDoctype := doctypeRe.MatchString(swept)

	out, err := rw.rewritePrimary(swept, base)
	if err != nil || rw.looksTruncated(swept, out) {
		if err != nil {
			rw.logger.Warn("primary rewrite failed, using fallback parser", "base", baseURL, "error", err)
		} else {
			rw.logger.Warn("primary rewrite output truncated, using fallback parser",
				"base", baseURL, "in_len", len(swept), "out_len", len(out))
		}
		out, err = rewriteFallback(swept, base)
		if err != nil {
			rw.logger.Error("fallback rewrite failed", "base", baseURL, "error", err)
			return RewriteErrorPage()
		}
	}

	if hadDoctype && !doctypeRe.MatchString(out) {
		out = doctypeRe.FindString(swept) + "\n" + out
	}
	return injectTrailer(out)
}

// rawSweep is the pre-parse regex pass: anti-copy assignments, inline
// handler attributes, and NUL bytes removed; text renormalized to UTF-8.
func rawSweep(body string) string {
	out := antiCopyPatterns[0].ReplaceAllString(body, "")
	out = inlineHandlerDQRe.ReplaceAllString(out, "")
	out = inlineHandlerSQRe.ReplaceAllString(out, "")
	out = strings.ReplaceAll(out, "\x00", "")
	return strings.ToValidUTF8(out, "�")
}

// rewritePrimary runs all DOM transforms through goquery. Parser panics are
// translated to errors so the fallback path can take over.
func (rw *Rewriter) rewritePrimary(body string, base *url.URL) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("primary parser panic: %v", r)
		}
	}()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("primary parse: %w", err)
	}

	rebaseURLs(doc, base)
	dropUnsafeRefs(doc)
	promoteLazyImages(doc, base)
	relaxIntegrity(doc)
	neutralizeFonts(doc)
	cleanAntiCopyScripts(doc)

	rendered, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return rendered, nil
}

// looksTruncated applies the structural heuristic: missing root tags, empty
// output, or output shrunk below the configured ratio of the input.
func (rw *Rewriter) looksTruncated(input, output string) bool {
	if strings.TrimSpace(output) == "" {
		return true
	}
	low := strings.ToLower(output)
	if !strings.Contains(low, "<html") || !strings.Contains(low, "<head") || !strings.Contains(low, "<body") {
		return true
	}
	ratio := rw.cfg.TruncationRatio
	if ratio <= 0 {
		ratio = 0.70
	}
	return float64(len(output)) < ratio*float64(len(input))
}

// rebaseURLs resolves the known element/attribute pairs against base and
// drops unsafe or empty values.
func rebaseURLs(doc *goquery.Document, base *url.URL) {
	for _, target := range rebaseTargets {
		attr := target.attr
		doc.Find(target.tag + "[" + attr + "]").Each(func(_ int, sel *goquery.Selection) {
			val, _ := sel.Attr(attr)
			resolved, ok := resolveRef(base, val)
			if !ok {
				sel.RemoveAttr(attr)
				return
			}
			sel.SetAttr(attr, resolved)
		})
	}
}

// dropUnsafeRefs strips dangerous scheme values from every href/src/action,
// catching tags outside the rebase pairs (area, embed, track, ...).
func dropUnsafeRefs(doc *goquery.Document) {
	for _, attr := range []string{"href", "src", "action"} {
		a := attr
		doc.Find("[" + a + "]").Each(func(_ int, sel *goquery.Selection) {
			val, _ := sel.Attr(a)
			if hasDroppedScheme(val) {
				sel.RemoveAttr(a)
			}
		})
	}
}

func hasDroppedScheme(val string) bool {
	low := strings.ToLower(strings.TrimSpace(val))
	for _, scheme := range droppedSchemes {
		if strings.HasPrefix(low, scheme) {
			return true
		}
	}
	return false
}

// resolveRef rebases one attribute value. ok=false means the attribute
// should be dropped entirely.
func resolveRef(base *url.URL, val string) (string, bool) {
	trimmed := strings.TrimSpace(val)
	if trimmed == "" || trimmed == ":" || strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	if hasDroppedScheme(trimmed) {
		return "", false
	}
	ref, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	return resolved.String(), true
}

// promoteLazyImages copies the first present lazy-loading attribute into
// src for images that lack one. Promotion happens after the rebase pass, so
// the promoted value is resolved here.
func promoteLazyImages(doc *goquery.Document, base *url.URL) {
	doc.Find("img:not([src])").Each(func(_ int, sel *goquery.Selection) {
		for _, lazy := range []string{"data-src", "data-lazy-src", "data-original"} {
			if val, ok := sel.Attr(lazy); ok && strings.TrimSpace(val) != "" {
				if resolved, ok := resolveRef(base, val); ok {
					sel.SetAttr("src", resolved)
				}
				return
			}
		}
	})
}

// relaxIntegrity deletes subresource-integrity pins so rebased assets still
// load.
func relaxIntegrity(doc *goquery.Document) {
	for _, attr := range []string{"integrity", "crossorigin", "referrerpolicy"} {
		doc.Find("[" + attr + "]").Each(func(_ int, sel *goquery.Selection) {
			sel.RemoveAttr(attr)
		})
	}
}

// neutralizeFonts strips webfont machinery and pins the document to a
// system font stack.
func neutralizeFonts(doc *goquery.Document) {
	doc.Find("link[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if webFontExtRe.MatchString(href) || isFontCDN(href) {
			sel.Remove()
			return
		}
		rel, _ := sel.Attr("rel")
		as, _ := sel.Attr("as")
		if strings.EqualFold(rel, "preload") && strings.EqualFold(as, "font") {
			sel.Remove()
		}
	})

	doc.Find("style").Each(func(_ int, sel *goquery.Selection) {
		css := sel.Text()
		if strings.Contains(strings.ToLower(css), "@font-face") {
			sel.SetText(fontFaceRe.ReplaceAllString(css, ""))
		}
	})

	head := doc.Find("head").First()
	if head.Length() > 0 {
		head.AppendHtml(fontOverrideStyle)
	}
}

func isFontCDN(href string) bool {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return false
	}
	return fontCDNHosts[strings.ToLower(u.Hostname())]
}

// cleanAntiCopyScripts removes inline scripts that reinstall copy
// restrictions, and the restrictive handler attributes everywhere. External
// analytics, JSON data blocks, and large app bundles are left alone.
func cleanAntiCopyScripts(doc *goquery.Document) {
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		if src, ok := sel.Attr("src"); ok && isAnalyticsSrc(src) {
			return
		}
		if typ, ok := sel.Attr("type"); ok {
			low := strings.ToLower(typ)
			if strings.Contains(low, "json") {
				return
			}
		}
		text := sel.Text()
		if len(text) >= maxInlineScriptLen {
			return
		}
		for _, pattern := range antiCopyPatterns {
			if pattern.MatchString(text) {
				sel.Remove()
				return
			}
		}
	})

	for _, attr := range restrictedEventAttrs {
		doc.Find("[" + attr + "]").Each(func(_ int, sel *goquery.Selection) {
			sel.RemoveAttr(attr)
		})
	}
}

func isAnalyticsSrc(src string) bool {
	low := strings.ToLower(src)
	for _, host := range analyticsHosts {
		if strings.Contains(low, host) {
			return true
		}
	}
	return false
}
