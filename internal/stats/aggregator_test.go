package stats

import (
	"bytes"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitescore/auditor/internal/links"
)

func fixedNow() time.Time {
	return time.Unix(1700000000, 0).UTC()
}

func TestRecordInternalLinkAccumulates(t *testing.T) {
	t.Parallel()

	agg := New(nil, WithNow(fixedNow))
	agg.RecordLink(links.Link{
		Href:           "https://example.com/about",
		AnchorText:     "About",
		SourceURL:      "https://example.com/",
		Classification: links.ClassInternal,
	})
	agg.RecordLink(links.Link{
		Href:           "https://example.com/about",
		AnchorText:     "About us",
		SourceURL:      "https://example.com/contact",
		Classification: links.ClassInternal,
	})

	snap := agg.Snapshot()
	entry := snap.Internal["https://example.com/about"]
	require.Equal(t, 2, entry.Count)
	require.Equal(t, []string{"About", "About us"}, entry.AnchorTexts)
	require.Equal(t, []string{"https://example.com/", "https://example.com/contact"}, entry.Sources)
}

func TestBadRequestAccumulatesSourcesIntoOneEntry(t *testing.T) {
	t.Parallel()

	var log bytes.Buffer
	agg := New(&log, WithNow(fixedNow))
	agg.RecordBadRequest("https://example.com/broken", 404, "Not Found", "https://example.com/a")
	agg.RecordBadRequest("https://example.com/broken", 404, "Not Found", "https://example.com/b")

	snap := agg.Snapshot()
	require.Len(t, snap.BadRequest, 1)
	entry := snap.BadRequest["https://example.com/broken"]
	require.Equal(t, 404, entry.StatusCode)
	require.Len(t, entry.Sources, 2)

	lines := strings.Split(strings.TrimSpace(log.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "https://example.com/broken")
	require.Contains(t, lines[0], "404")
}

func TestRecordExternalFetchUpserts(t *testing.T) {
	t.Parallel()

	agg := New(nil, WithNow(fixedNow))
	agg.RecordLink(links.Link{
		Href:           "https://other.com/",
		SourceURL:      "https://example.com/",
		Classification: links.ClassExternal,
	})
	agg.RecordExternalFetch("https://other.com/", 301,
		http.Header{"Location": {"https://other.com/home"}},
		[]string{"https://other.com/home"})
	agg.RecordExternalFetch("https://other.com/", 200, nil, nil)

	snap := agg.Snapshot()
	entry := snap.External["https://other.com/"]
	require.Equal(t, 200, entry.StatusCode)
	require.Equal(t, []string{"https://other.com/home"}, entry.RedirectChain)
	require.Equal(t, []string{"https://example.com/"}, entry.Sources)
}

func TestFunctionalLinksSplitIntoMailtoAndTel(t *testing.T) {
	t.Parallel()

	agg := New(nil)
	agg.RecordLink(links.Link{
		Href:           "mailto:sales@example.com",
		SourceURL:      "https://example.com/",
		Classification: links.ClassFunctional,
	})
	agg.RecordLink(links.Link{
		Href:           "tel:+15551234567",
		SourceURL:      "https://example.com/",
		Classification: links.ClassFunctional,
	})
	agg.RecordLink(links.Link{
		Href:           "tel:+15551234567",
		SourceURL:      "https://example.com/contact",
		Classification: links.ClassFunctional,
	})

	snap := agg.Snapshot()
	require.Len(t, snap.Mailto, 1)
	require.Len(t, snap.Tel, 1)
	require.Len(t, snap.Tel["tel:+15551234567"].Sources, 2)
}

func TestNonFetchableLinksAreDropped(t *testing.T) {
	t.Parallel()

	agg := New(nil)
	agg.RecordLink(links.Link{
		Href:           "javascript:void(0)",
		Classification: links.ClassNonFetchable,
	})
	snap := agg.Snapshot()
	require.Empty(t, snap.Internal)
	require.Empty(t, snap.External)
}

func TestConcurrentRecordsAreNotLost(t *testing.T) {
	t.Parallel()

	agg := New(nil)
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.RecordLink(links.Link{
				Href:           "https://example.com/popular",
				AnchorText:     "Popular",
				SourceURL:      "https://example.com/",
				Classification: links.ClassInternal,
			})
		}()
	}
	wg.Wait()

	snap := agg.Snapshot()
	require.Equal(t, n, snap.Internal["https://example.com/popular"].Count)
}

func TestSnapshotTotals(t *testing.T) {
	t.Parallel()

	agg := New(nil)
	agg.RecordLink(links.Link{Href: "https://example.com/a", SourceURL: "https://example.com/", Classification: links.ClassInternal})
	agg.RecordLink(links.Link{Href: "https://example.com/a", SourceURL: "https://example.com/b", Classification: links.ClassInternal})
	agg.RecordLink(links.Link{Href: "https://example.com/b", SourceURL: "https://example.com/", Classification: links.ClassInternal})
	agg.RecordBadRequest("https://example.com/b", 500, "Internal Server Error", "https://example.com/")

	snap := agg.Snapshot()
	require.Equal(t, 3, snap.TotalInternal())
	require.Equal(t, 1, snap.BrokenInternal())
}
