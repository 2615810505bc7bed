// Package classifier decides whether a response is a bot challenge rather
// than content, and with what confidence. Evidence is weighed in a fixed
// order: provider+status first, explicit challenge markers second, generic
// keywords last.
package classifier

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"

	"unveil/internal/types"
)

// strongMarkers are explicit challenge fingerprints. Any hit is a
// high-confidence block regardless of status code.
var strongMarkers = []string{
	"/cdn-cgi/",
	"cf-chl-",
	"cf-turnstile",
	"just a moment",
	"checking your browser before accessing",
	"attention required",
	"challenge-platform",
}

// weakMarkers are generic keywords that also appear on legitimate pages.
// They only ever produce a low-confidence signal on a 200.
var weakMarkers = []string{
	"enable javascript",
	"enable cookies",
	"access denied",
	"verify you are human",
	"captcha",
}

// blockStatuses are the codes that, combined with a known WAF provider,
// mean a high-confidence block.
var blockStatuses = map[int]bool{401: true, 403: true, 429: true, 503: true}

var rayIDBodyRe = regexp.MustCompile(`(?i)ray id[:\s#]*([a-f0-9]{8,})`)

// maxProbeBytes bounds the DOM probe used for ray-id extraction.
const maxProbeBytes = 1 << 20

// Classifier inspects status, headers, and body text.
type Classifier struct {
	logger *slog.Logger
}

// New creates a classifier.
func New(logger *slog.Logger) *Classifier {
	return &Classifier{logger: logger.With("component", "block_classifier")}
}

// Classify applies the decision rules in order and returns the verdict.
// Invariants: is_blocked implies high confidence; low confidence implies
// not blocked.
func (c *Classifier) Classify(resp *types.Response, hostname string) types.ClassificationResult {
	provider := DetectProvider(resp)
	body := strings.ToLower(resp.BodyText)

	result := types.ClassificationResult{
		Provider: provider,
		Hostname: hostname,
		RayID:    extractRayID(resp),
	}

	// Rule 1: block status from a known WAF provider.
	if blockStatuses[resp.StatusCode] && isWAFProvider(provider) {
		result.IsBlocked = true
		result.Confidence = types.ConfidenceHigh
		result.Reasons = []string{statusReason(resp.StatusCode, provider)}
		return result
	}

	// Rule 2: explicit challenge markers.
	var strong []string
	for _, marker := range strongMarkers {
		if strings.Contains(body, marker) {
			strong = append(strong, marker)
		}
	}
	if len(strong) > 0 {
		result.IsBlocked = true
		result.Confidence = types.ConfidenceHigh
		result.Reasons = append(strong, "strong_challenge_marker")
		return result
	}

	// Rule 3: generic keywords on an otherwise fine page.
	if resp.StatusCode == 200 {
		var weak []string
		for _, marker := range weakMarkers {
			if strings.Contains(body, marker) {
				weak = append(weak, marker)
			}
		}
		if len(weak) > 0 {
			result.IsBlocked = false
			result.Confidence = types.ConfidenceLow
			result.Reasons = append(weak, "keyword_only_low_conf")
			return result
		}
	}

	result.IsBlocked = false
	result.Confidence = types.ConfidenceNone
	return result
}

// DetectProvider identifies the protection layer from response headers.
func DetectProvider(resp *types.Response) types.Provider {
	server := strings.ToLower(resp.Header("Server"))

	switch {
	case strings.Contains(server, "cloudflare"),
		resp.Header("CF-RAY") != "",
		resp.Header("CF-Cache-Status") != "":
		return types.ProviderCloudflare
	case strings.Contains(server, "litespeed"):
		return types.ProviderLiteSpeed
	case resp.Header("X-Akamai-Transformed") != "",
		strings.Contains(server, "akamai"):
		return types.ProviderAkamai
	case hasPerimeterXHeader(resp):
		return types.ProviderPerimeterX
	default:
		return types.ProviderUnknown
	}
}

func hasPerimeterXHeader(resp *types.Response) bool {
	for name := range resp.Headers {
		if strings.HasPrefix(strings.ToLower(name), "x-px-") {
			return true
		}
	}
	return false
}

// isWAFProvider reports whether a provider's block statuses are conclusive.
// LiteSpeed serves plenty of plain origin errors, so it does not qualify.
func isWAFProvider(p types.Provider) bool {
	switch p {
	case types.ProviderCloudflare, types.ProviderAkamai, types.ProviderPerimeterX:
		return true
	default:
		return false
	}
}

func statusReason(status int, provider types.Provider) string {
	return "status_" + strconv.Itoa(status) + "_" + string(provider)
}

// extractRayID pulls the Cloudflare ray id: header first, then the block
// page's ray-id element, then a body regex as the safety net.
func extractRayID(resp *types.Response) string {
	if ray := resp.Header("CF-RAY"); ray != "" {
		return ray
	}

	body := resp.BodyText
	if body == "" {
		return ""
	}
	if len(body) <= maxProbeBytes {
		if doc, err := htmlquery.Parse(strings.NewReader(body)); err == nil {
			if node := htmlquery.FindOne(doc, `//*[contains(@class,'ray-id')]//code`); node != nil {
				if ray := strings.TrimSpace(htmlquery.InnerText(node)); ray != "" {
					return ray
				}
			}
		}
	}
	if m := rayIDBodyRe.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}
