package audit

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sitescore/auditor/internal/scoring"
)

// ErrReportNotFound is returned (wrapped) by ReportStore implementations when
// no report exists for a job ID.
var ErrReportNotFound = errors.New("report not found")

// ChunkStore persists one compressed serialized record per page.
// Get returns ErrNotFound (wrapped) for probes of unwritten keys.
type ChunkStore interface {
	Put(ctx context.Context, key string, chunk PageChunk) error
	Get(ctx context.Context, key string) (PageChunk, error)
	Keys(ctx context.Context) ([]string, error)
}

// Fetcher retrieves a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Publisher pushes audit completion events to external collaborators.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ReportStore persists score reports so they survive registry eviction.
// GetReport returns ErrReportNotFound (wrapped) for unknown job IDs.
type ReportStore interface {
	SaveReport(ctx context.Context, jobID string, report scoring.ScoreReport) error
	GetReport(ctx context.Context, jobID string) (scoring.ScoreReport, error)
}

// RetryPolicy decides whether a failed fetch is retried and how long to wait.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Workspace bundles the per-audit persistence surfaces: the chunk store and
// the append-only failure log.
type Workspace struct {
	Chunks     ChunkStore
	FailureLog io.WriteCloser
}

// WorkspaceFactory opens the storage namespace for one audit run. The
// namespace is partitioned per audit so concurrent audits never contend.
type WorkspaceFactory func(auditID string) (Workspace, error)
