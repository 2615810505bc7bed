package rewriter

import (
	"fmt"
	"strings"
)

// Placeholder documents returned verbatim as outcome HTML. Inline-styled,
// no external resources.

const blockedTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Page unavailable</title></head>
<body style="font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;max-width:40em;margin:4em auto;padding:0 1em;color:#333;">
<h1 style="font-size:1.4em;">This page is protected</h1>
<p><strong>%s</strong> is behind a bot-protection challenge that could not be passed automatically. The site may work in a regular browser.</p>
%s</body></html>`

const rayIDBlock = `<p style="color:#888;font-size:0.85em;">Ray ID: <code>%s</code></p>`

const upgradeRequiredDoc = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Upgrade required</title></head>
<body style="font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;max-width:40em;margin:4em auto;padding:0 1em;color:#333;">
<h1 style="font-size:1.4em;">Upgrade required</h1>
<p>This site is behind a bot-protection challenge. Passing it needs the browser-grade fetcher, which is not available on your current plan.</p>
</body></html>`

const tooLargeTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Page too large</title></head>
<body style="font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;max-width:40em;margin:4em auto;padding:0 1em;color:#333;">
<h1 style="font-size:1.4em;">Page too large</h1>
<p>The page at <strong>%s</strong> exceeds the size this service will process.</p>
</body></html>`

const heavyPageTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Page too heavy</title></head>
<body style="font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;max-width:40em;margin:4em auto;padding:0 1em;color:#333;">
<h1 style="font-size:1.4em;">Page too heavy to rewrite</h1>
<p>The page at <strong>%s</strong> is too large for the rewriter. The raw page may still load in a regular browser.</p>
</body></html>`

const fetchErrorTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Fetch failed</title></head>
<body style="font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;max-width:40em;margin:4em auto;padding:0 1em;color:#333;">
<h1 style="font-size:1.4em;">Could not fetch the page</h1>
<p>Fetching <strong>%s</strong> failed after several attempts: %s</p>
</body></html>`

const rewriteErrorDoc = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Rewrite failed</title></head>
<body style="font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;max-width:40em;margin:4em auto;padding:0 1em;color:#333;">
<p>The page could not be rewritten for display.</p>
</body></html>`

const invalidURLDoc = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Invalid URL</title></head>
<body style="font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;max-width:40em;margin:4em auto;padding:0 1em;color:#333;">
<p>Only http and https URLs are supported.</p>
</body></html>`

const ssrfRefusedDoc = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Address refused</title></head>
<body style="font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;max-width:40em;margin:4em auto;padding:0 1em;color:#333;">
<p>The requested host resolves to a private or reserved address and was refused.</p>
</body></html>`

// banner is appended to every rewritten page.
const banner = `<div style="position:relative;margin:1.5em 0 0;padding:0.75em 1em;border-top:1px solid #ddd;background:#fafafa;color:#666;font:0.8em/1.4 -apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;">Reader view: links resolved, copy restrictions removed. Formatting may differ from the original page.</div>`

// clientScript is the pre-bundled unlock helper injected before </body>.
// It keeps text selectable after the page's own scripts have run.
const clientScript = `<script>(function(){var stop=function(e){e.stopImmediatePropagation();};['copy','cut','contextmenu','selectstart','mousedown'].forEach(function(t){document.addEventListener(t,stop,true);document.removeEventListener(t,stop,true);var k='on'+t;try{document[k]=null;window[k]=null;}catch(_){}});var s=document.createElement('style');s.textContent='*{-webkit-user-select:text!important;user-select:text!important;}';document.documentElement.appendChild(s);})();</script>`

// fontOverrideStyle forces the document onto the system font stack.
const fontOverrideStyle = `<style>html,body,body *{font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,'Helvetica Neue',Arial,sans-serif!important;}code,pre,kbd,samp{font-family:ui-monospace,SFMono-Regular,Menlo,Consolas,monospace!important;}</style>`

// BlockedPage renders the branded block placeholder. The ray id is optional
// so the cached copy can omit it.
func BlockedPage(hostname, rayID string) string {
	ray := ""
	if rayID != "" {
		ray = fmt.Sprintf(rayIDBlock, htmlEscape(rayID))
	}
	return fmt.Sprintf(blockedTemplate, htmlEscape(hostname), ray)
}

// UpgradeRequiredPage renders the fixed upgrade-required document.
func UpgradeRequiredPage() string { return upgradeRequiredDoc }

// TooLargePage renders the oversize placeholder.
func TooLargePage(hostname string) string {
	return fmt.Sprintf(tooLargeTemplate, htmlEscape(hostname))
}

// HeavyPage renders the parse-skipped placeholder.
func HeavyPage(hostname string) string {
	return fmt.Sprintf(heavyPageTemplate, htmlEscape(hostname))
}

// FetchErrorPage renders the exhausted-retries document.
func FetchErrorPage(hostname, detail string) string {
	return fmt.Sprintf(fetchErrorTemplate, htmlEscape(hostname), htmlEscape(detail))
}

// RewriteErrorPage renders the both-parsers-failed document.
func RewriteErrorPage() string { return rewriteErrorDoc }

// InvalidURLPage renders the bad-scheme note.
func InvalidURLPage() string { return invalidURLDoc }

// SSRFRefusedPage renders the refused-address note.
func SSRFRefusedPage() string { return ssrfRefusedDoc }

// injectTrailer appends the banner and client script immediately before
// </body>, or at end-of-document when no body tag exists.
func injectTrailer(doc string) string {
	trailer := banner + clientScript
	idx := strings.LastIndex(strings.ToLower(doc), "</body>")
	if idx < 0 {
		return doc + trailer
	}
	return doc[:idx] + trailer + doc[idx:]
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
