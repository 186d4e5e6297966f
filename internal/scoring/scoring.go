// Package scoring computes deterministic per-category and overall quality
// scores from crawl statistics and analyzer inputs. Identical inputs always
// produce identical reports; nothing in this package consults a random source.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/sitescore/auditor/internal/stats"
)

// MethodologyVersion identifies the scoring formula. Bump it whenever a
// category computation or weight changes.
const MethodologyVersion = "2024.2"

// Category is one scored dimension of site quality.
type Category string

// Scored categories.
const (
	CategorySEO           Category = "seo"
	CategoryTechnical     Category = "technical"
	CategoryPerformance   Category = "performance"
	CategoryAccessibility Category = "accessibility"
	CategoryContent       Category = "content"
	CategorySecurity      Category = "security"
	CategoryMobile        Category = "mobile"
	CategoryUX            Category = "ux"
)

// Weights per category; they sum to 1.0.
var categoryWeights = map[Category]float64{
	CategorySEO:           0.20,
	CategoryTechnical:     0.15,
	CategoryPerformance:   0.15,
	CategoryAccessibility: 0.10,
	CategoryContent:       0.15,
	CategorySecurity:      0.10,
	CategoryMobile:        0.10,
	CategoryUX:            0.05,
}

// neutralScore substitutes for categories whose inputs are unavailable.
const neutralScore = 50.0

// Grade is a letter grade derived from a 0-100 score.
type Grade string

// Grade bands.
const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// GradeFor maps a score to its letter grade.
func GradeFor(score float64) Grade {
	switch {
	case score >= 90:
		return GradeA
	case score >= 80:
		return GradeB
	case score >= 70:
		return GradeC
	case score >= 60:
		return GradeD
	default:
		return GradeF
	}
}

// CategoryInput is the opaque result supplied by one category analyzer.
type CategoryInput struct {
	Score    float64  `json:"score"`
	Findings []string `json:"findings,omitempty"`
}

// CategoryScore is the scored outcome for one category.
type CategoryScore struct {
	Score     float64  `json:"score"`
	Grade     Grade    `json:"grade"`
	Defaulted bool     `json:"defaulted,omitempty"`
	Findings  []string `json:"findings,omitempty"`
}

// CrawlStats summarizes frontier-level outcomes that feed the technical and
// performance categories.
type CrawlStats struct {
	PagesCrawled int   `json:"pages_crawled"`
	PagesFailed  int   `json:"pages_failed"`
	AvgFetchMs   int64 `json:"avg_fetch_ms"`
}

// ScoreReport is the immutable result of one completed audit.
type ScoreReport struct {
	OverallScore        float64                    `json:"overall_score"`
	OverallGrade        Grade                      `json:"overall_grade"`
	Categories          map[Category]CategoryScore `json:"categories"`
	DefaultedCategories []Category                 `json:"defaulted_categories,omitempty"`
	PagesCrawled        int                        `json:"pages_crawled"`
	GeneratedAt         time.Time                  `json:"generated_at"`
	MethodologyVersion  string                     `json:"methodology_version"`
}

// Score computes the full report. inputs may omit any category; omitted
// categories score the documented neutral default and are listed in
// DefaultedCategories. generatedAt is supplied by the caller so the
// computation itself stays a pure function of its arguments.
func Score(snap stats.Snapshot, crawl CrawlStats, inputs map[Category]CategoryInput, generatedAt time.Time) ScoreReport {
	report := ScoreReport{
		Categories:         make(map[Category]CategoryScore, len(categoryWeights)),
		PagesCrawled:       crawl.PagesCrawled,
		GeneratedAt:        generatedAt,
		MethodologyVersion: MethodologyVersion,
	}

	for category := range categoryWeights {
		cs := scoreCategory(category, snap, crawl, inputs)
		report.Categories[category] = cs
		if cs.Defaulted {
			report.DefaultedCategories = append(report.DefaultedCategories, category)
		}
	}
	sort.Slice(report.DefaultedCategories, func(i, j int) bool {
		return report.DefaultedCategories[i] < report.DefaultedCategories[j]
	})

	overall := 0.0
	for category, weight := range categoryWeights {
		overall += weight * report.Categories[category].Score
	}
	overall = clamp(round1(overall))
	report.OverallScore = overall
	report.OverallGrade = GradeFor(overall)
	return report
}

func scoreCategory(category Category, snap stats.Snapshot, crawl CrawlStats, inputs map[Category]CategoryInput) CategoryScore {
	if input, ok := inputs[category]; ok {
		score := clamp(round1(input.Score))
		return CategoryScore{
			Score:    score,
			Grade:    GradeFor(score),
			Findings: append([]string(nil), input.Findings...),
		}
	}

	switch category {
	case CategoryTechnical:
		score := clamp(round1(technicalScore(snap, crawl)))
		return CategoryScore{Score: score, Grade: GradeFor(score)}
	case CategoryPerformance:
		if crawl.PagesCrawled > 0 {
			score := clamp(performanceScore(crawl.AvgFetchMs))
			return CategoryScore{Score: score, Grade: GradeFor(score)}
		}
	}

	return CategoryScore{
		Score:     neutralScore,
		Grade:     GradeFor(neutralScore),
		Defaulted: true,
	}
}

// technicalScore blends link health with the crawl success ratio.
func technicalScore(snap stats.Snapshot, crawl CrawlStats) float64 {
	linkHealth := 1.0
	if total := snap.TotalInternal(); total > 0 {
		distinct := len(snap.Internal)
		if distinct > 0 {
			linkHealth = float64(distinct-snap.BrokenInternal()) / float64(distinct)
		}
	}

	successRatio := 1.0
	if attempts := crawl.PagesCrawled + crawl.PagesFailed; attempts > 0 {
		successRatio = float64(crawl.PagesCrawled) / float64(attempts)
	}

	return 70*linkHealth + 30*successRatio
}

// performanceScore bands average fetch latency into a fixed score.
func performanceScore(avgFetchMs int64) float64 {
	switch {
	case avgFetchMs < 200:
		return 95
	case avgFetchMs < 500:
		return 85
	case avgFetchMs < 1000:
		return 70
	case avgFetchMs < 2000:
		return 55
	default:
		return 40
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
