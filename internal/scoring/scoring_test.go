package scoring

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitescore/auditor/internal/extract"
	"github.com/sitescore/auditor/internal/stats"
)

func sampleSnapshot() stats.Snapshot {
	return stats.Snapshot{
		Internal: map[string]stats.InternalLink{
			"https://example.com/a": {Count: 3, Sources: []string{"https://example.com/"}},
			"https://example.com/b": {Count: 1, Sources: []string{"https://example.com/"}},
		},
		BadRequest: map[string]stats.BadRequest{
			"https://example.com/b": {StatusCode: 404, Reason: "Not Found"},
		},
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	t.Parallel()

	snap := sampleSnapshot()
	crawl := CrawlStats{PagesCrawled: 10, PagesFailed: 1, AvgFetchMs: 340}
	inputs := map[Category]CategoryInput{
		CategorySEO:     {Score: 82.5, Findings: []string{"missing meta description"}},
		CategoryContent: {Score: 77},
	}
	at := time.Unix(1700000000, 0).UTC()

	first := Score(snap, crawl, inputs, at)
	second := Score(snap, crawl, inputs, at)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
}

func TestGradeBoundaries(t *testing.T) {
	t.Parallel()

	require.Equal(t, GradeA, GradeFor(90))
	require.Equal(t, GradeB, GradeFor(89))
	require.Equal(t, GradeB, GradeFor(80))
	require.Equal(t, GradeC, GradeFor(79.9))
	require.Equal(t, GradeD, GradeFor(60))
	require.Equal(t, GradeF, GradeFor(59.9))
	require.Equal(t, GradeF, GradeFor(0))
}

func TestOverallScoreClamped(t *testing.T) {
	t.Parallel()

	inputs := make(map[Category]CategoryInput)
	for category := range categoryWeights {
		inputs[category] = CategoryInput{Score: 1000}
	}
	report := Score(stats.Snapshot{}, CrawlStats{}, inputs, time.Time{})
	require.Equal(t, 100.0, report.OverallScore)
	require.Equal(t, GradeA, report.OverallGrade)

	for category := range categoryWeights {
		inputs[category] = CategoryInput{Score: -500}
	}
	report = Score(stats.Snapshot{}, CrawlStats{}, inputs, time.Time{})
	require.Equal(t, 0.0, report.OverallScore)
	require.Equal(t, GradeF, report.OverallGrade)
}

func TestMissingInputsUseNeutralDefault(t *testing.T) {
	t.Parallel()

	report := Score(stats.Snapshot{}, CrawlStats{}, nil, time.Time{})

	seo := report.Categories[CategorySEO]
	require.True(t, seo.Defaulted)
	require.Equal(t, neutralScore, seo.Score)
	require.Contains(t, report.DefaultedCategories, CategorySEO)

	// Technical is derivable from crawl stats alone, never defaulted.
	require.False(t, report.Categories[CategoryTechnical].Defaulted)
	require.NotContains(t, report.DefaultedCategories, CategoryTechnical)
}

func TestWeightsSumToOne(t *testing.T) {
	t.Parallel()

	sum := 0.0
	for _, w := range categoryWeights {
		sum += w
	}
	require.InDelta(t, 1.0, sum, 1e-9)
}

func TestTechnicalScoreReflectsBrokenLinks(t *testing.T) {
	t.Parallel()

	healthy := Score(stats.Snapshot{}, CrawlStats{PagesCrawled: 5}, nil, time.Time{})
	broken := Score(sampleSnapshot(), CrawlStats{PagesCrawled: 5}, nil, time.Time{})
	require.Greater(t,
		healthy.Categories[CategoryTechnical].Score,
		broken.Categories[CategoryTechnical].Score)
}

func TestPerformanceBandsAreMonotonic(t *testing.T) {
	t.Parallel()

	fast := Score(stats.Snapshot{}, CrawlStats{PagesCrawled: 3, AvgFetchMs: 100}, nil, time.Time{})
	slow := Score(stats.Snapshot{}, CrawlStats{PagesCrawled: 3, AvgFetchMs: 2500}, nil, time.Time{})
	require.Greater(t,
		fast.Categories[CategoryPerformance].Score,
		slow.Categories[CategoryPerformance].Score)
}

func TestBuiltinAnalyzers(t *testing.T) {
	t.Parallel()

	analyzers := BuiltinAnalyzers()

	full := extract.PageContent{
		Title:           "Widgets",
		MetaDescription: "Buy widgets.",
		Canonical:       "https://example.com/widgets",
		Language:        "en",
		Headings:        map[string]int{"h1": 1, "h2": 2},
		WordCount:       800,
		HasViewportMeta: true,
	}
	bare := extract.PageContent{Headings: map[string]int{}}

	for _, category := range []Category{CategorySEO, CategoryContent, CategoryMobile, CategoryAccessibility} {
		good := analyzers[category].Analyze(full, "https://example.com/widgets")
		poor := analyzers[category].Analyze(bare, "http://example.com/widgets")
		require.Greater(t, good.Score, poor.Score, "category %s", category)
	}

	sec := analyzers[CategorySecurity].Analyze(extract.PageContent{HasLoginForm: true}, "http://example.com/login")
	require.Less(t, sec.Score, 50.0)
	require.Len(t, sec.Findings, 2)
}

func TestAccumulatorAveragesAndSortsFindings(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator()
	acc.Add(CategorySEO, CategoryResult{Score: 80, Findings: []string{"b", "a"}})
	acc.Add(CategorySEO, CategoryResult{Score: 60, Findings: []string{"a"}})

	inputs := acc.Inputs()
	require.Equal(t, 70.0, inputs[CategorySEO].Score)
	require.Equal(t, []string{"a", "b"}, inputs[CategorySEO].Findings)
}
