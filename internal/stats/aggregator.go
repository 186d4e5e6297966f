// Package stats accumulates link statistics for one crawl run. All tables
// are additive: entries are upserted, never removed, while a crawl is live.
package stats

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sitescore/auditor/internal/links"
)

// InternalLink aggregates every observation of one internal href.
type InternalLink struct {
	Count       int      `json:"count"`
	AnchorTexts []string `json:"anchor_texts"`
	Sources     []string `json:"sources"`
}

// ExternalLink aggregates observations of one external href, optionally
// enriched with the result of a follow-up fetch.
type ExternalLink struct {
	Count         int         `json:"count"`
	StatusCode    int         `json:"status_code,omitempty"`
	LastSeen      time.Time   `json:"last_seen"`
	Headers       http.Header `json:"headers,omitempty"`
	RedirectChain []string    `json:"redirect_chain,omitempty"`
	Sources       []string    `json:"sources"`
}

// BadRequest records a permanently failed fetch of one href.
type BadRequest struct {
	StatusCode int      `json:"status_code"`
	Reason     string   `json:"reason"`
	Sources    []string `json:"sources"`
}

// FunctionalLink records mailto/tel style hrefs; never fetched.
type FunctionalLink struct {
	Sources []string `json:"sources"`
}

// Snapshot is an immutable copy of all tables, with sets materialized as
// sorted slices so repeated snapshots of identical state are identical.
type Snapshot struct {
	Internal   map[string]InternalLink   `json:"internal"`
	External   map[string]ExternalLink   `json:"external"`
	BadRequest map[string]BadRequest     `json:"bad_requests"`
	Mailto     map[string]FunctionalLink `json:"mailto"`
	Tel        map[string]FunctionalLink `json:"tel"`
}

// TotalInternal sums occurrence counts across all internal hrefs.
func (s Snapshot) TotalInternal() int {
	total := 0
	for _, e := range s.Internal {
		total += e.Count
	}
	return total
}

// BrokenInternal counts internal hrefs that ended up in the bad-request table.
func (s Snapshot) BrokenInternal() int {
	broken := 0
	for href := range s.Internal {
		if _, bad := s.BadRequest[href]; bad {
			broken++
		}
	}
	return broken
}

type internalEntry struct {
	count   int
	anchors map[string]struct{}
	sources map[string]struct{}
}

type externalEntry struct {
	count     int
	status    int
	lastSeen  time.Time
	headers   http.Header
	redirects []string
	sources   map[string]struct{}
}

type badEntry struct {
	status  int
	reason  string
	sources map[string]struct{}
}

// Aggregator serializes all table writes behind one mutex so concurrent
// fetch completions never lose updates.
type Aggregator struct {
	mu         sync.Mutex
	now        func() time.Time
	failureLog io.Writer

	internal map[string]*internalEntry
	external map[string]*externalEntry
	bad      map[string]*badEntry
	mailto   map[string]map[string]struct{}
	tel      map[string]map[string]struct{}
}

// Option customizes a new Aggregator.
type Option func(*Aggregator)

// WithNow overrides the aggregator's time source.
func WithNow(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New constructs an Aggregator. failureLog receives one line per permanent
// fetch failure; pass io.Discard when offline diagnostics are not needed.
func New(failureLog io.Writer, opts ...Option) *Aggregator {
	if failureLog == nil {
		failureLog = io.Discard
	}
	a := &Aggregator{
		now:        func() time.Time { return time.Now().UTC() },
		failureLog: failureLog,
		internal:   make(map[string]*internalEntry),
		external:   make(map[string]*externalEntry),
		bad:        make(map[string]*badEntry),
		mailto:     make(map[string]map[string]struct{}),
		tel:        make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordLink files one classified link occurrence into the matching table.
// Non-fetchable links are intentionally dropped.
func (a *Aggregator) RecordLink(link links.Link) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch link.Classification {
	case links.ClassInternal:
		entry, ok := a.internal[link.Href]
		if !ok {
			entry = &internalEntry{
				anchors: make(map[string]struct{}),
				sources: make(map[string]struct{}),
			}
			a.internal[link.Href] = entry
		}
		entry.count++
		if link.AnchorText != "" {
			entry.anchors[link.AnchorText] = struct{}{}
		}
		if link.SourceURL != "" {
			entry.sources[link.SourceURL] = struct{}{}
		}
	case links.ClassExternal:
		entry := a.externalEntryLocked(link.Href)
		entry.count++
		entry.lastSeen = a.now()
		if link.SourceURL != "" {
			entry.sources[link.SourceURL] = struct{}{}
		}
	case links.ClassFunctional:
		a.recordFunctionalLocked(link)
	case links.ClassNonFetchable:
	}
}

// RecordExternalFetch upserts the last-seen fetch outcome for an external
// href. Status, headers and redirect chain reflect the latest observation;
// the source set accumulates across observations.
func (a *Aggregator) RecordExternalFetch(href string, status int, headers http.Header, redirects []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.externalEntryLocked(href)
	entry.status = status
	entry.lastSeen = a.now()
	if headers != nil {
		entry.headers = headers.Clone()
	}
	if len(redirects) > 0 {
		entry.redirects = append([]string(nil), redirects...)
	}
}

// RecordBadRequest files a permanently failed fetch, accumulating referring
// pages per href, and appends a line to the failure log.
func (a *Aggregator) RecordBadRequest(href string, status int, reason, source string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.bad[href]
	if !ok {
		entry = &badEntry{sources: make(map[string]struct{})}
		a.bad[href] = entry
	}
	entry.status = status
	entry.reason = reason
	if source != "" {
		entry.sources[source] = struct{}{}
	}

	fmt.Fprintf(a.failureLog, "%s\t%s\t%d\t%s\t%s\n",
		a.now().Format(time.RFC3339), href, status, reason, source)
}

// Snapshot copies all tables into an immutable, deterministic view.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Internal:   make(map[string]InternalLink, len(a.internal)),
		External:   make(map[string]ExternalLink, len(a.external)),
		BadRequest: make(map[string]BadRequest, len(a.bad)),
		Mailto:     make(map[string]FunctionalLink, len(a.mailto)),
		Tel:        make(map[string]FunctionalLink, len(a.tel)),
	}
	for href, e := range a.internal {
		snap.Internal[href] = InternalLink{
			Count:       e.count,
			AnchorTexts: sortedKeys(e.anchors),
			Sources:     sortedKeys(e.sources),
		}
	}
	for href, e := range a.external {
		snap.External[href] = ExternalLink{
			Count:         e.count,
			StatusCode:    e.status,
			LastSeen:      e.lastSeen,
			Headers:       e.headers.Clone(),
			RedirectChain: append([]string(nil), e.redirects...),
			Sources:       sortedKeys(e.sources),
		}
	}
	for href, e := range a.bad {
		snap.BadRequest[href] = BadRequest{
			StatusCode: e.status,
			Reason:     e.reason,
			Sources:    sortedKeys(e.sources),
		}
	}
	for href, sources := range a.mailto {
		snap.Mailto[href] = FunctionalLink{Sources: sortedKeys(sources)}
	}
	for href, sources := range a.tel {
		snap.Tel[href] = FunctionalLink{Sources: sortedKeys(sources)}
	}
	return snap
}

func (a *Aggregator) externalEntryLocked(href string) *externalEntry {
	entry, ok := a.external[href]
	if !ok {
		entry = &externalEntry{sources: make(map[string]struct{})}
		a.external[href] = entry
	}
	return entry
}

func (a *Aggregator) recordFunctionalLocked(link links.Link) {
	table := a.tel
	if len(link.Href) >= len("mailto:") && link.Href[:len("mailto:")] == "mailto:" {
		table = a.mailto
	}
	sources, ok := table[link.Href]
	if !ok {
		sources = make(map[string]struct{})
		table[link.Href] = sources
	}
	if link.SourceURL != "" {
		sources[link.SourceURL] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
