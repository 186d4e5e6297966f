// Package frontier implements the breadth-first crawl engine driving one
// audit run.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitescore/auditor/internal/audit"
	"github.com/sitescore/auditor/internal/chunkstore"
	"github.com/sitescore/auditor/internal/extract"
	"github.com/sitescore/auditor/internal/links"
	"github.com/sitescore/auditor/internal/metrics"
	"github.com/sitescore/auditor/internal/stats"
)

// State is the lifecycle state of one crawl run.
type State string

// Crawl run states.
const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateAborted     State = "aborted"
)

// ErrBudgetExceeded aborts a crawl whose wall-clock budget ran out.
// Partial results remain available in the stats tables and chunk store.
var ErrBudgetExceeded = errors.New("crawl budget exceeded")

// Config holds the settings for one crawl run.
type Config struct {
	StartURL    string
	SiteDomain  string
	MaxPages    int
	MaxDepth    int
	Concurrency int
	Budget      time.Duration
	// ExternalChecks caps how many distinct external links are health-probed
	// after the site crawl finishes. Zero disables probing.
	ExternalChecks int
}

// Summary reports frontier-level outcomes once a run terminates.
type Summary struct {
	State        State
	PagesCrawled int
	PagesFailed  int
	AvgFetchMs   int64
}

type item struct {
	url    string
	depth  int
	source string
}

// Frontier is a FIFO crawl frontier with a bounded worker pool. One Frontier
// drives exactly one run; construct a new one per audit.
type Frontier struct {
	cfg     Config
	fetcher audit.Fetcher
	chunks  audit.ChunkStore
	stats   *stats.Aggregator
	retry   audit.RetryPolicy
	clock   audit.Clock
	logger  *zap.Logger

	mu           sync.Mutex
	state        State
	queue        []item
	seen         map[string]struct{}
	external     []string
	externalSeen map[string]struct{}
	crawled      int
	failed       int
	totalFetchMs int64
	fatalErr     error
}

// New constructs a Frontier seeded with the configured start URL.
func New(
	cfg Config,
	fetcher audit.Fetcher,
	chunks audit.ChunkStore,
	aggregator *stats.Aggregator,
	retry audit.RetryPolicy,
	clock audit.Clock,
	logger *zap.Logger,
) (*Frontier, error) {
	if cfg.StartURL == "" {
		return nil, fmt.Errorf("start url is required")
	}
	if cfg.SiteDomain == "" {
		return nil, fmt.Errorf("site domain is required")
	}
	if cfg.MaxPages <= 0 {
		return nil, fmt.Errorf("max pages must be > 0")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	seed, err := links.Normalize(cfg.StartURL)
	if err != nil {
		return nil, fmt.Errorf("normalize start url: %w", err)
	}

	return &Frontier{
		cfg:          cfg,
		fetcher:      fetcher,
		chunks:       chunks,
		stats:        aggregator,
		retry:        retry,
		clock:        clock,
		logger:       logger,
		state:        StateInitialized,
		queue:        []item{{url: seed, depth: 0}},
		seen:         map[string]struct{}{seed: {}},
		externalSeen: make(map[string]struct{}),
	}, nil
}

// State returns the current run state.
func (f *Frontier) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Run drives the crawl to a terminal state. It blocks until the frontier
// empties, the page cap is hit, the budget expires, the context ends, or a
// storage failure aborts the run. Cancellation is cooperative: it is checked
// between dequeue iterations and in-flight fetches drain first.
func (f *Frontier) Run(ctx context.Context) (Summary, error) {
	f.mu.Lock()
	if f.state != StateInitialized {
		f.mu.Unlock()
		return f.summaryLocked(), fmt.Errorf("frontier already ran (state %s)", f.state)
	}
	f.state = StateRunning
	f.mu.Unlock()

	metrics.IncActiveCrawls()
	defer metrics.DecActiveCrawls()

	var deadline time.Time
	if f.cfg.Budget > 0 {
		deadline = f.clock.Now().Add(f.cfg.Budget)
	}

	for {
		if err := ctx.Err(); err != nil {
			return f.abort(err)
		}
		if !deadline.IsZero() && f.clock.Now().After(deadline) {
			return f.abort(ErrBudgetExceeded)
		}

		batch := f.nextBatch()
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, it := range batch {
			wg.Add(1)
			go func(it item) {
				defer wg.Done()
				f.processItem(ctx, it)
			}(it)
		}
		wg.Wait()

		f.mu.Lock()
		fatal := f.fatalErr
		f.mu.Unlock()
		if fatal != nil {
			return f.abort(fatal)
		}
	}

	f.probeExternal(ctx)

	f.mu.Lock()
	f.state = StateCompleted
	summary := f.summaryLocked()
	f.mu.Unlock()

	f.logger.Info("crawl completed",
		zap.String("domain", f.cfg.SiteDomain),
		zap.Int("pages_crawled", summary.PagesCrawled),
		zap.Int("pages_failed", summary.PagesFailed),
	)
	return summary, nil
}

func (f *Frontier) abort(cause error) (Summary, error) {
	f.mu.Lock()
	f.state = StateAborted
	summary := f.summaryLocked()
	f.mu.Unlock()

	f.logger.Warn("crawl aborted",
		zap.String("domain", f.cfg.SiteDomain),
		zap.Int("pages_crawled", summary.PagesCrawled),
		zap.Error(cause),
	)
	return summary, cause
}

// nextBatch dequeues up to Concurrency items, bounded by the remaining
// page budget.
func (f *Frontier) nextBatch() []item {
	f.mu.Lock()
	defer f.mu.Unlock()

	remaining := f.cfg.MaxPages - (f.crawled + f.failed)
	if remaining <= 0 || len(f.queue) == 0 {
		return nil
	}
	n := min(min(f.cfg.Concurrency, remaining), len(f.queue))
	batch := make([]item, n)
	copy(batch, f.queue[:n])
	f.queue = f.queue[n:]
	return batch
}

func (f *Frontier) processItem(ctx context.Context, it item) {
	resp, err := f.fetchWithRetry(ctx, it.url)
	if err != nil {
		// A fetch cut short by run termination says nothing about the page.
		if ctx.Err() != nil {
			return
		}
		f.recordFailure(it, 0, err.Error())
		// A seed that cannot be fetched at all is unrecoverable.
		if it.depth == 0 {
			f.mu.Lock()
			f.fatalErr = fmt.Errorf("seed fetch failed: %w", err)
			f.mu.Unlock()
		}
		return
	}

	metrics.ObservePage(it.url, resp.StatusCode, resp.Duration)

	if resp.StatusCode >= 400 {
		f.recordFailure(it, resp.StatusCode, http.StatusText(resp.StatusCode))
		return
	}

	if err := f.processPage(ctx, it, resp); err != nil {
		f.mu.Lock()
		f.fatalErr = err
		f.mu.Unlock()
	}
}

func (f *Frontier) recordFailure(it item, status int, reason string) {
	f.stats.RecordBadRequest(it.url, status, reason, it.source)
	metrics.ObserveBadRequest(it.url)
	f.mu.Lock()
	f.failed++
	f.mu.Unlock()
	f.logger.Debug("page failed",
		zap.String("url", it.url),
		zap.Int("status", status),
		zap.String("reason", reason),
	)
}

// processPage extracts content and links, feeds the aggregator, enqueues
// newly discovered internal pages, and persists the page chunk. A chunk
// store failure is fatal to the run: silently dropping page content would
// corrupt the eventual score.
func (f *Frontier) processPage(ctx context.Context, it item, resp audit.FetchResponse) error {
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = it.url
	}
	pageURL, err := url.Parse(finalURL)
	if err != nil {
		f.recordFailure(it, 0, fmt.Sprintf("unparseable final url: %v", err))
		return nil
	}
	normalized, err := links.Normalize(finalURL)
	if err != nil {
		f.recordFailure(it, 0, fmt.Sprintf("unnormalizable final url: %v", err))
		return nil
	}

	content, err := extract.Parse(resp.Body)
	if err != nil {
		f.recordFailure(it, resp.StatusCode, fmt.Sprintf("parse html: %v", err))
		return nil
	}

	pageLinks := f.collectLinks(content.Anchors, pageURL, normalized)
	for _, link := range pageLinks {
		f.stats.RecordLink(link)
	}
	f.enqueueInternal(pageLinks, it.depth, normalized)
	f.noteExternal(pageLinks)

	key := chunkstore.Key(normalized)
	chunk := audit.PageChunk{
		Page: audit.PageRecord{
			URL:           finalURL,
			NormalizedURL: normalized,
			StatusCode:    resp.StatusCode,
			Depth:         it.depth,
			FetchedAt:     f.clock.Now(),
			DurationMs:    resp.Duration.Milliseconds(),
			ContentRef:    key,
		},
		Content: content,
		Links:   pageLinks,
	}
	if err := f.chunks.Put(ctx, key, chunk); err != nil {
		return fmt.Errorf("store page chunk: %w", err)
	}

	f.mu.Lock()
	f.crawled++
	f.totalFetchMs += resp.Duration.Milliseconds()
	// The redirect target counts as seen so links to it are not refetched.
	f.seen[normalized] = struct{}{}
	f.mu.Unlock()
	return nil
}

// collectLinks classifies every anchor found on a page. Internal and
// external hrefs are resolved to absolute normalized form so stats keys
// dedupe across pages; functional hrefs keep their literal form.
func (f *Frontier) collectLinks(anchors []extract.Anchor, base *url.URL, sourceURL string) []links.Link {
	out := make([]links.Link, 0, len(anchors))
	for _, a := range anchors {
		classification := links.Classify(a.Href, base, f.cfg.SiteDomain)
		href := a.Href
		if classification == links.ClassInternal || classification == links.ClassExternal {
			resolved, err := links.Resolve(a.Href, base)
			if err != nil {
				classification = links.ClassNonFetchable
			} else {
				href = resolved
			}
		}
		out = append(out, links.Link{
			Href:           href,
			AnchorText:     a.Text,
			SourceURL:      sourceURL,
			Classification: classification,
		})
	}
	return out
}

func (f *Frontier) enqueueInternal(pageLinks []links.Link, depth int, _ string) {
	nextDepth := depth + 1
	if f.cfg.MaxDepth > 0 && nextDepth > f.cfg.MaxDepth {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, link := range pageLinks {
		if link.Classification != links.ClassInternal {
			continue
		}
		if _, ok := f.seen[link.Href]; ok {
			continue
		}
		f.seen[link.Href] = struct{}{}
		f.queue = append(f.queue, item{url: link.Href, depth: nextDepth, source: link.SourceURL})
	}
}

// noteExternal queues distinct external hrefs for the post-crawl health probe,
// up to the configured cap.
func (f *Frontier) noteExternal(pageLinks []links.Link) {
	if f.cfg.ExternalChecks <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, link := range pageLinks {
		if link.Classification != links.ClassExternal {
			continue
		}
		if len(f.external) >= f.cfg.ExternalChecks {
			return
		}
		if _, ok := f.externalSeen[link.Href]; ok {
			continue
		}
		f.externalSeen[link.Href] = struct{}{}
		f.external = append(f.external, link.Href)
	}
}

// probeExternal issues one single-attempt fetch per collected external href
// and folds status, headers and redirect chain into the stats tables. A probe
// failure leaves the entry unenriched; it never aborts the run.
func (f *Frontier) probeExternal(ctx context.Context) {
	f.mu.Lock()
	targets := append([]string(nil), f.external...)
	f.mu.Unlock()

	for _, href := range targets {
		if ctx.Err() != nil {
			return
		}
		resp, err := f.fetcher.Fetch(ctx, audit.FetchRequest{URL: href})
		if err != nil {
			f.logger.Debug("external link probe failed",
				zap.String("url", href),
				zap.Error(err),
			)
			continue
		}
		f.stats.RecordExternalFetch(href, resp.StatusCode, resp.Headers, resp.Redirects)
	}
}

func (f *Frontier) fetchWithRetry(ctx context.Context, rawURL string) (audit.FetchResponse, error) {
	attempt := 0
	for {
		resp, err := f.fetcher.Fetch(ctx, audit.FetchRequest{URL: rawURL})
		if err == nil {
			return resp, nil
		}
		attempt++
		if !f.retry.ShouldRetry(err, attempt) {
			return audit.FetchResponse{}, err
		}
		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return audit.FetchResponse{}, ctx.Err()
		case <-time.After(f.retry.Backoff(attempt)):
		}
	}
}

func (f *Frontier) summaryLocked() Summary {
	summary := Summary{
		State:        f.state,
		PagesCrawled: f.crawled,
		PagesFailed:  f.failed,
	}
	if f.crawled > 0 {
		summary.AvgFetchMs = f.totalFetchMs / int64(f.crawled)
	}
	return summary
}
