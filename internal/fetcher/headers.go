package fetcher

import (
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
)

// acceptLanguages is the closed set the synthesizer randomizes over.
var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"en-US,en;q=0.8,fr;q=0.5",
	"en-US,en;q=0.9,de;q=0.6",
	"en-US,en;q=0.9,es;q=0.7",
}

// defaultUserAgents rotate when the caller supplies none.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

var (
	chromeVersionRe = regexp.MustCompile(`Chrome/(\d+)`)
	edgeVersionRe   = regexp.MustCompile(`Edg(?:e|A|iOS)?/(\d+)`)
)

// SynthesizeHeaders builds the request header bag for a session. userAgent
// and referer may be empty. When browserMode is set the Sec-Fetch family is
// included, and Chromium-derived UAs additionally get the Sec-CH-UA triple
// with brand/version strings parsed from the UA itself.
func SynthesizeHeaders(userAgent, referer, platform string, mobile, browserMode bool) http.Header {
	if userAgent == "" {
		userAgent = defaultUserAgents[rand.Intn(len(defaultUserAgents))]
	}

	h := make(http.Header)
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
	h.Set("Accept-Language", acceptLanguages[rand.Intn(len(acceptLanguages))])
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("DNT", "1")

	if referer != "" {
		h.Set("Referer", referer)
	}

	if browserMode {
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		if referer != "" {
			h.Set("Sec-Fetch-Site", "same-origin")
		} else {
			h.Set("Sec-Fetch-Site", "none")
			h.Set("Sec-Fetch-User", "?1")
		}

		if brand, version, ok := parseChromiumUA(userAgent); ok {
			h.Set("Sec-Ch-Ua", fmt.Sprintf(`"Chromium";v="%s", "Not?A_Brand";v="8", "%s";v="%s"`, version, brand, version))
			if mobile {
				h.Set("Sec-Ch-Ua-Mobile", "?1")
			} else {
				h.Set("Sec-Ch-Ua-Mobile", "?0")
			}
			if platform == "" {
				platform = "Windows"
			}
			h.Set("Sec-Ch-Ua-Platform", fmt.Sprintf("%q", platform))
		}
	}

	return h
}

// parseChromiumUA extracts the brand name and major version from a
// Chromium-derived user agent. Returns ok=false for Firefox/Safari UAs.
func parseChromiumUA(ua string) (brand, version string, ok bool) {
	if m := edgeVersionRe.FindStringSubmatch(ua); m != nil {
		return "Microsoft Edge", m[1], true
	}
	if !strings.Contains(ua, "Chrome/") {
		return "", "", false
	}
	m := chromeVersionRe.FindStringSubmatch(ua)
	if m == nil {
		return "", "", false
	}
	return "Google Chrome", m[1], true
}
