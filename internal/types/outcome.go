package types

// Provider identifies the protection layer in front of the origin.
type Provider string

const (
	ProviderCloudflare Provider = "cloudflare"
	ProviderAkamai     Provider = "akamai"
	ProviderPerimeterX Provider = "perimeterx"
	ProviderLiteSpeed  Provider = "litespeed"
	ProviderUnknown    Provider = "unknown"
)

// Confidence grades how sure the classifier is about a block verdict.
type Confidence string

const (
	ConfidenceNone Confidence = "none"
	ConfidenceLow  Confidence = "low"
	ConfidenceHigh Confidence = "high"
)

// OutcomeReason explains why the pipeline returned what it did.
type OutcomeReason string

const (
	ReasonOK              OutcomeReason = "ok"
	ReasonSuspectedLow    OutcomeReason = "suspected_block_low_conf"
	ReasonFetchError      OutcomeReason = "fetch_error"
	ReasonPageTooLarge    OutcomeReason = "page_too_large"
	ReasonInvalidURL      OutcomeReason = "invalid_url"
	ReasonSSRFRefused     OutcomeReason = "ssrf_refused"
	reasonBlockedByPrefix               = "blocked_by_"
)

// BlockedBy builds the outcome reason for a high-confidence block.
func BlockedBy(p Provider) OutcomeReason {
	return OutcomeReason(reasonBlockedByPrefix + string(p))
}

// FetchOutcome is the pipeline's output record. Built once by the
// orchestrator, never mutated afterwards.
type FetchOutcome struct {
	Success    bool          `json:"success"`
	HTML       string        `json:"html"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Attempts   int           `json:"attempts"`
	Reason     OutcomeReason `json:"outcome_reason"`
	Provider   Provider      `json:"provider"`
	Confidence Confidence    `json:"confidence"`
	Reasons    []string      `json:"reasons,omitempty"`
	RayID      string        `json:"ray_id,omitempty"`
	CacheHit   bool          `json:"cache_hit"`
}

// ClassificationResult is the block classifier's verdict.
type ClassificationResult struct {
	IsBlocked  bool
	Confidence Confidence
	Reasons    []string
	Provider   Provider
	Hostname   string
	RayID      string
}
