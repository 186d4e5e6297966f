// Package orchestrator owns the audit job lifecycle: admission, single-flight
// deduplication per domain, crawl execution, scoring and result retention.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/sitescore/auditor/internal/audit"
	"github.com/sitescore/auditor/internal/frontier"
	"github.com/sitescore/auditor/internal/links"
	"github.com/sitescore/auditor/internal/metrics"
	"github.com/sitescore/auditor/internal/scoring"
	"github.com/sitescore/auditor/internal/stats"
)

// Sentinel errors returned by job lookups.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrReportNotReady = errors.New("report not ready")
	ErrShuttingDown   = errors.New("orchestrator is shutting down")
)

// Config tunes orchestrator behavior. Zero values fall back to defaults.
type Config struct {
	// DefaultLimits fills in any zero field of a submitted job's limits.
	DefaultLimits audit.CrawlLimits
	// Concurrency is the fetch worker count handed to each crawl.
	Concurrency int
	// ExternalChecks caps post-crawl external link probes per audit.
	// Zero disables probing.
	ExternalChecks int
	// RetainTerminal bounds how many finished jobs stay retrievable.
	RetainTerminal int
	// CompletionTopic names the channel completion events publish to.
	CompletionTopic string
}

// Deps bundles the collaborators an Orchestrator needs.
type Deps struct {
	Fetcher    audit.Fetcher
	Workspaces audit.WorkspaceFactory
	Reports    audit.ReportStore
	Publisher  audit.Publisher
	Retry      audit.RetryPolicy
	Clock      audit.Clock
	IDs        audit.IDGenerator
	Analyzers  map[scoring.Category]scoring.Analyzer
	Logger     *zap.Logger
}

// run tracks one live audit. Its own mutex guards the job record so status
// reads never block the registry lock on a long crawl.
type run struct {
	mu     sync.Mutex
	job    audit.Job
	cancel context.CancelFunc
	chunks audit.ChunkStore
}

func (r *run) snapshot() audit.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

func (r *run) update(fn func(*audit.Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.job)
}

// terminalEntry is what survives in the retention cache after a run ends.
// Chunks stay readable so page listings work after the run is gone.
type terminalEntry struct {
	job    audit.Job
	chunks audit.ChunkStore
}

// Orchestrator is the single writer of job state. One instance per process.
type Orchestrator struct {
	cfg        Config
	fetcher    audit.Fetcher
	workspaces audit.WorkspaceFactory
	reports    audit.ReportStore
	publisher  audit.Publisher
	retry      audit.RetryPolicy
	clock      audit.Clock
	ids        audit.IDGenerator
	analyzers  map[scoring.Category]scoring.Analyzer
	logger     *zap.Logger

	mu      sync.Mutex
	active  map[string]*run // keyed by domain key
	byID    map[string]*run
	done    *lru.Cache[string, terminalEntry]
	closing bool
	wg      sync.WaitGroup
}

// New constructs an Orchestrator. Fetcher, Workspaces, Reports, Clock and IDs
// are required; Publisher and Analyzers may be nil.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Workspaces == nil {
		return nil, fmt.Errorf("workspace factory is required")
	}
	if deps.Reports == nil {
		return nil, fmt.Errorf("report store is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RetainTerminal <= 0 {
		cfg.RetainTerminal = 128
	}
	if cfg.CompletionTopic == "" {
		cfg.CompletionTopic = "audit-completed"
	}

	cache, err := lru.New[string, terminalEntry](cfg.RetainTerminal)
	if err != nil {
		return nil, fmt.Errorf("build retention cache: %w", err)
	}

	return &Orchestrator{
		cfg:        cfg,
		fetcher:    deps.Fetcher,
		workspaces: deps.Workspaces,
		reports:    deps.Reports,
		publisher:  deps.Publisher,
		retry:      deps.Retry,
		clock:      deps.Clock,
		ids:        deps.IDs,
		analyzers:  deps.Analyzers,
		logger:     deps.Logger,
		active:     make(map[string]*run),
		byID:       make(map[string]*run),
		done:       cache,
	}, nil
}

// Submit registers an audit for the given domain. If a non-terminal audit
// for the same domain key already exists, its job is returned instead of
// starting another; callers distinguish the cases by the job ID.
func (o *Orchestrator) Submit(_ context.Context, domain string, limits audit.CrawlLimits) (audit.Job, error) {
	key := links.DomainKey(domain)
	if key == "" {
		return audit.Job{}, fmt.Errorf("invalid domain %q", domain)
	}
	limits = o.fillLimits(limits)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closing {
		return audit.Job{}, ErrShuttingDown
	}
	if existing, ok := o.active[key]; ok {
		return existing.snapshot(), nil
	}

	id, err := o.ids.NewID()
	if err != nil {
		return audit.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	workspace, err := o.workspaces(id)
	if err != nil {
		return audit.Job{}, fmt.Errorf("open audit workspace: %w", err)
	}

	// The run outlives the submitting request, so it gets its own context.
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		job: audit.Job{
			ID:        id,
			DomainKey: key,
			StartURL:  "https://" + key + "/",
			State:     audit.JobStatePending,
			Submitted: o.clock.Now(),
			Limits:    limits,
		},
		cancel: cancel,
		chunks: workspace.Chunks,
	}
	o.active[key] = r
	o.byID[id] = r
	metrics.ObserveJob(string(audit.JobStatePending))

	o.wg.Add(1)
	go o.runAudit(runCtx, r, workspace)

	o.logger.Info("audit submitted",
		zap.String("job_id", id),
		zap.String("domain", key),
		zap.Int("max_pages", limits.MaxPages),
	)
	return r.snapshot(), nil
}

// Status returns the job record for a live or recently finished audit.
func (o *Orchestrator) Status(jobID string) (audit.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if r, ok := o.byID[jobID]; ok {
		return r.snapshot(), nil
	}
	if entry, ok := o.done.Get(jobID); ok {
		return entry.job, nil
	}
	return audit.Job{}, ErrJobNotFound
}

// Cancel requests cooperative cancellation of a running audit. Cancelling a
// job that already reached a terminal state is a no-op.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	r, live := o.byID[jobID]
	if !live {
		_, finished := o.done.Get(jobID)
		o.mu.Unlock()
		if finished {
			return nil
		}
		return ErrJobNotFound
	}
	o.mu.Unlock()

	r.cancel()
	o.logger.Info("audit cancellation requested", zap.String("job_id", jobID))
	return nil
}

// Report returns the score report of a completed audit. Jobs already evicted
// from the retention cache fall back to the persisted report.
func (o *Orchestrator) Report(ctx context.Context, jobID string) (scoring.ScoreReport, error) {
	job, err := o.Status(jobID)
	switch {
	case err == nil:
		if job.Report == nil {
			return scoring.ScoreReport{}, ErrReportNotReady
		}
		return *job.Report, nil
	case errors.Is(err, ErrJobNotFound):
		report, serr := o.reports.GetReport(ctx, jobID)
		if serr != nil {
			if errors.Is(serr, audit.ErrReportNotFound) {
				return scoring.ScoreReport{}, ErrJobNotFound
			}
			return scoring.ScoreReport{}, fmt.Errorf("load report: %w", serr)
		}
		return report, nil
	default:
		return scoring.ScoreReport{}, err
	}
}

// Pages lists the page records stored for an audit, sorted by normalized URL.
// Chunks are read back one at a time.
func (o *Orchestrator) Pages(ctx context.Context, jobID string) ([]audit.PageRecord, error) {
	o.mu.Lock()
	var chunks audit.ChunkStore
	if r, ok := o.byID[jobID]; ok {
		chunks = r.chunks
	} else if entry, ok := o.done.Get(jobID); ok {
		chunks = entry.chunks
	}
	o.mu.Unlock()

	if chunks == nil {
		return nil, ErrJobNotFound
	}

	keys, err := chunks.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	pages := make([]audit.PageRecord, 0, len(keys))
	for _, key := range keys {
		chunk, err := chunks.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read chunk %s: %w", key, err)
		}
		pages = append(pages, chunk.Page)
	}
	sort.Slice(pages, func(i, j int) bool {
		return pages[i].NormalizedURL < pages[j].NormalizedURL
	})
	return pages, nil
}

// Shutdown cancels all live audits and waits for them to settle, bounded by
// the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	runs := make([]*run, 0, len(o.byID))
	for _, r := range o.byID {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}

	settled := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}

func (o *Orchestrator) fillLimits(limits audit.CrawlLimits) audit.CrawlLimits {
	if limits.MaxPages <= 0 {
		limits.MaxPages = o.cfg.DefaultLimits.MaxPages
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = o.cfg.DefaultLimits.MaxDepth
	}
	if limits.Budget <= 0 {
		limits.Budget = o.cfg.DefaultLimits.Budget
	}
	if limits.MaxPages <= 0 {
		limits.MaxPages = 100
	}
	return limits
}

func (o *Orchestrator) runAudit(ctx context.Context, r *run, workspace audit.Workspace) {
	defer o.wg.Done()

	started := o.clock.Now()
	r.update(func(j *audit.Job) {
		j.State = audit.JobStateRunning
		j.Started = &started
	})
	metrics.ObserveJob(string(audit.JobStateRunning))

	job := r.snapshot()
	logger := o.logger.With(zap.String("job_id", job.ID), zap.String("domain", job.DomainKey))
	logger.Info("audit started")

	aggregator := stats.New(workspace.FailureLog)
	report, err := o.execute(ctx, job, workspace, aggregator, logger)

	state := audit.JobStateCompleted
	errText := ""
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		state = audit.JobStateCancelled
		errText = "cancelled"
	default:
		state = audit.JobStateFailed
		errText = err.Error()
	}

	finished := o.clock.Now()
	r.update(func(j *audit.Job) {
		j.State = state
		j.Finished = &finished
		j.ErrorText = errText
		j.Report = report
	})
	metrics.ObserveJob(string(state))

	if workspace.FailureLog != nil {
		if cerr := workspace.FailureLog.Close(); cerr != nil {
			logger.Warn("close failure log", zap.Error(cerr))
		}
	}
	o.retire(r)

	if state == audit.JobStateCompleted {
		logger.Info("audit completed",
			zap.Float64("overall_score", report.OverallScore),
			zap.String("grade", string(report.OverallGrade)),
		)
		o.publishCompletion(r.snapshot(), logger)
	} else {
		logger.Warn("audit did not complete",
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

// execute runs the crawl, the analyzers, the scorer, and report persistence.
// The returned report is nil on any error.
func (o *Orchestrator) execute(
	ctx context.Context,
	job audit.Job,
	workspace audit.Workspace,
	aggregator *stats.Aggregator,
	logger *zap.Logger,
) (*scoring.ScoreReport, error) {
	fr, err := frontier.New(frontier.Config{
		StartURL:       job.StartURL,
		SiteDomain:     job.DomainKey,
		MaxPages:       job.Limits.MaxPages,
		MaxDepth:       job.Limits.MaxDepth,
		Concurrency:    o.cfg.Concurrency,
		Budget:         job.Limits.Budget,
		ExternalChecks: o.cfg.ExternalChecks,
	}, o.fetcher, workspace.Chunks, aggregator, o.retry, o.clock, logger.Named("frontier"))
	if err != nil {
		return nil, fmt.Errorf("build frontier: %w", err)
	}

	summary, err := fr.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("crawl: %w", err)
	}

	inputs, err := o.analyzeChunks(ctx, workspace.Chunks)
	if err != nil {
		return nil, fmt.Errorf("analyze pages: %w", err)
	}

	report := scoring.Score(aggregator.Snapshot(), scoring.CrawlStats{
		PagesCrawled: summary.PagesCrawled,
		PagesFailed:  summary.PagesFailed,
		AvgFetchMs:   summary.AvgFetchMs,
	}, inputs, o.clock.Now())

	if err := o.reports.SaveReport(ctx, job.ID, report); err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}
	return &report, nil
}

// analyzeChunks streams stored chunks through every analyzer, decompressing
// one page at a time.
func (o *Orchestrator) analyzeChunks(ctx context.Context, chunks audit.ChunkStore) (map[scoring.Category]scoring.CategoryInput, error) {
	if len(o.analyzers) == 0 {
		return nil, nil
	}
	keys, err := chunks.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	sort.Strings(keys)

	acc := scoring.NewAccumulator()
	for _, key := range keys {
		chunk, err := chunks.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read chunk %s: %w", key, err)
		}
		for category, analyzer := range o.analyzers {
			acc.Add(category, analyzer.Analyze(chunk.Content, chunk.Page.URL))
		}
	}
	return acc.Inputs(), nil
}

// retire moves a finished run from the live registry into the bounded
// retention cache.
func (o *Orchestrator) retire(r *run) {
	job := r.snapshot()
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active[job.DomainKey] == r {
		delete(o.active, job.DomainKey)
	}
	delete(o.byID, job.ID)
	o.done.Add(job.ID, terminalEntry{job: job, chunks: r.chunks})
}

func (o *Orchestrator) publishCompletion(job audit.Job, logger *zap.Logger) {
	if o.publisher == nil {
		return
	}
	event := completionEvent{
		JobID:     job.ID,
		Domain:    job.DomainKey,
		State:     string(job.State),
		Generated: job.Report.GeneratedAt,
	}
	event.OverallScore = job.Report.OverallScore
	event.Grade = string(job.Report.OverallGrade)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.publisher.Publish(ctx, o.cfg.CompletionTopic, event); err != nil {
		// Notification failures never invalidate a persisted report.
		logger.Warn("publish completion event", zap.Error(err))
	}
}

type completionEvent struct {
	JobID        string    `json:"job_id"`
	Domain       string    `json:"domain"`
	State        string    `json:"state"`
	OverallScore float64   `json:"overall_score"`
	Grade        string    `json:"grade"`
	Generated    time.Time `json:"generated_at"`
}
