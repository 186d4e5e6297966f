// Package audit defines core types shared across the audit pipeline.
package audit

import (
	"errors"
	"net/http"
	"time"

	"github.com/sitescore/auditor/internal/extract"
	"github.com/sitescore/auditor/internal/links"
	"github.com/sitescore/auditor/internal/scoring"
)

// JobState represents the lifecycle state of an audit job.
type JobState string

// Job state values. A job is terminal in completed, failed or cancelled.
const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether the state permits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// CrawlLimits caps the resources a single audit may consume.
type CrawlLimits struct {
	MaxPages int           `json:"max_pages"`
	MaxDepth int           `json:"max_depth"`
	Budget   time.Duration `json:"budget"`
}

// Job is the metadata tracked for each submitted audit. The orchestrator
// is the single writer of its state.
type Job struct {
	ID        string               `json:"id"`
	DomainKey string               `json:"domain_key"`
	StartURL  string               `json:"start_url"`
	State     JobState             `json:"state"`
	Submitted time.Time            `json:"submitted_at"`
	Started   *time.Time           `json:"started_at,omitempty"`
	Finished  *time.Time           `json:"finished_at,omitempty"`
	ErrorText string               `json:"error_text,omitempty"`
	Limits    CrawlLimits          `json:"limits"`
	Report    *scoring.ScoreReport `json:"report,omitempty"`
}

// PageRecord is persisted for each fetched page. ContentRef is a lookup key
// into the chunk store, never an ownership link.
type PageRecord struct {
	URL           string    `json:"url"`
	NormalizedURL string    `json:"normalized_url"`
	StatusCode    int       `json:"status_code"`
	Depth         int       `json:"depth"`
	FetchedAt     time.Time `json:"fetched_at"`
	DurationMs    int64     `json:"duration_ms"`
	ContentRef    string    `json:"content_ref"`
}

// PageChunk is the self-contained record serialized into the chunk store,
// one per page. Immutable after write.
type PageChunk struct {
	Page    PageRecord          `json:"page"`
	Content extract.PageContent `json:"content"`
	Links   []links.Link        `json:"links"`
}

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
// URL carries the final URL after any followed redirects.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Redirects  []string
}

// ErrTooManyRedirects is returned by fetchers when a page exceeds the
// configured redirect hop cap. It is a permanent failure, never retried.
var ErrTooManyRedirects = errors.New("too many redirects")
