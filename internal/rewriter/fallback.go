package rewriter

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// fallbackRebaseAttr maps the rebase targets by element for the node walk.
var fallbackRebaseAttr = map[atom.Atom]string{
	atom.Link:   "href",
	atom.Script: "src",
	atom.Img:    "src",
	atom.Iframe: "src",
	atom.Audio:  "src",
	atom.Video:  "src",
	atom.Source: "src",
	atom.A:      "href",
	atom.Form:   "action",
}

// rewriteFallback is the tolerant second try: a direct x/net/html walk
// applying URL rebasing, lazy-image promotion, and integrity relaxation,
// then a plain render. Invoked when the primary parser breaks or truncates.
func rewriteFallback(body string, base *url.URL) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fallback parser panic: %v", r)
		}
	}()

	root, err := html.ParseWithOptions(strings.NewReader(body),
		html.ParseOptionEnableScripting(false))
	if err != nil {
		return "", fmt.Errorf("fallback parse: %w", err)
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			transformFallbackNode(n, base)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	var b strings.Builder
	if err := html.Render(&b, root); err != nil {
		return "", fmt.Errorf("fallback render: %w", err)
	}
	return b.String(), nil
}

func transformFallbackNode(n *html.Node, base *url.URL) {
	if attr, ok := fallbackRebaseAttr[n.DataAtom]; ok {
		rebaseNodeAttr(n, attr, base)
	}
	for _, attr := range []string{"href", "src", "action"} {
		if hasDroppedScheme(getAttr(n, attr)) {
			removeAttrs(n, attr)
		}
	}

	if n.DataAtom == atom.Img && getAttr(n, "src") == "" {
		for _, lazy := range []string{"data-src", "data-lazy-src", "data-original"} {
			if val := getAttr(n, lazy); strings.TrimSpace(val) != "" {
				if resolved, ok := resolveRef(base, val); ok {
					setAttr(n, "src", resolved)
				}
				break
			}
		}
	}

	removeAttrs(n, "integrity", "crossorigin", "referrerpolicy")
	removeAttrs(n, restrictedEventAttrs...)
}

func rebaseNodeAttr(n *html.Node, name string, base *url.URL) {
	val := getAttr(n, name)
	if val == "" && !hasAttr(n, name) {
		return
	}
	resolved, ok := resolveRef(base, val)
	if !ok {
		removeAttrs(n, name)
		return
	}
	setAttr(n, name, resolved)
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func getAttr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, name, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == name {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: val})
}

func removeAttrs(n *html.Node, names ...string) {
	if len(n.Attr) == 0 {
		return
	}
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		drop := false
		for _, name := range names {
			if strings.EqualFold(a.Key, name) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}
