package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sitescore/auditor/internal/extract"
)

// CategoryResult is the per-page outcome produced by one analyzer.
type CategoryResult struct {
	Score    float64
	Findings []string
}

// Analyzer scores one category for a single page. External collaborators
// implement the same interface; built-in analyzers cover the basics.
type Analyzer interface {
	Analyze(content extract.PageContent, url string) CategoryResult
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(content extract.PageContent, url string) CategoryResult

// Analyze calls f.
func (f AnalyzerFunc) Analyze(content extract.PageContent, url string) CategoryResult {
	return f(content, url)
}

// BuiltinAnalyzers returns the default analyzer per category. Categories
// without a built-in (technical, performance, ux) are scored from crawl
// statistics or the neutral default.
func BuiltinAnalyzers() map[Category]Analyzer {
	return map[Category]Analyzer{
		CategorySEO:           AnalyzerFunc(analyzeSEO),
		CategoryContent:       AnalyzerFunc(analyzeContent),
		CategorySecurity:      AnalyzerFunc(analyzeSecurity),
		CategoryMobile:        AnalyzerFunc(analyzeMobile),
		CategoryAccessibility: AnalyzerFunc(analyzeAccessibility),
	}
}

func analyzeSEO(content extract.PageContent, _ string) CategoryResult {
	score := 100.0
	var findings []string

	if content.Title == "" {
		score -= 25
		findings = append(findings, "missing <title>")
	} else if len(content.Title) > 60 {
		score -= 5
		findings = append(findings, "title longer than 60 characters")
	}
	if content.MetaDescription == "" {
		score -= 15
		findings = append(findings, "missing meta description")
	}
	if h1 := content.Headings["h1"]; h1 == 0 {
		score -= 10
		findings = append(findings, "no <h1> heading")
	} else if h1 > 1 {
		score -= 5
		findings = append(findings, "multiple <h1> headings")
	}
	if content.Canonical == "" {
		score -= 5
		findings = append(findings, "missing canonical link")
	}
	if strings.Contains(strings.ToLower(content.MetaRobots), "noindex") {
		score -= 20
		findings = append(findings, "page is noindex")
	}
	return CategoryResult{Score: score, Findings: findings}
}

func analyzeContent(content extract.PageContent, _ string) CategoryResult {
	var findings []string
	var score float64
	switch {
	case content.WordCount >= 600:
		score = 95
	case content.WordCount >= 300:
		score = 85
	case content.WordCount >= 150:
		score = 70
	default:
		score = 45
		findings = append(findings, fmt.Sprintf("thin content: %d words", content.WordCount))
	}
	if content.Headings["h2"]+content.Headings["h3"] == 0 && content.WordCount >= 300 {
		score -= 10
		findings = append(findings, "long page without subheadings")
	}
	return CategoryResult{Score: score, Findings: findings}
}

func analyzeSecurity(content extract.PageContent, url string) CategoryResult {
	score := 100.0
	var findings []string
	if !strings.HasPrefix(strings.ToLower(url), "https://") {
		score -= 40
		findings = append(findings, "page served over plain HTTP")
		if content.HasLoginForm {
			score -= 30
			findings = append(findings, "login form on an unencrypted page")
		}
	}
	return CategoryResult{Score: score, Findings: findings}
}

func analyzeMobile(content extract.PageContent, _ string) CategoryResult {
	if content.HasViewportMeta {
		return CategoryResult{Score: 90}
	}
	return CategoryResult{
		Score:    40,
		Findings: []string{"missing viewport meta tag"},
	}
}

func analyzeAccessibility(content extract.PageContent, _ string) CategoryResult {
	score := 100.0
	var findings []string
	if content.ImageCount > 0 && content.ImagesNoAlt > 0 {
		ratio := float64(content.ImagesNoAlt) / float64(content.ImageCount)
		score -= 50 * ratio
		findings = append(findings, fmt.Sprintf("%d of %d images missing alt text", content.ImagesNoAlt, content.ImageCount))
	}
	if content.Language == "" {
		score -= 10
		findings = append(findings, "missing lang attribute on <html>")
	}
	return CategoryResult{Score: score, Findings: findings}
}

// Accumulator averages per-page analyzer results into category inputs.
// Findings are deduplicated and sorted so the final report is deterministic
// regardless of page processing order.
type Accumulator struct {
	sums     map[Category]float64
	counts   map[Category]int
	findings map[Category]map[string]struct{}
}

// NewAccumulator constructs an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		sums:     make(map[Category]float64),
		counts:   make(map[Category]int),
		findings: make(map[Category]map[string]struct{}),
	}
}

// Add folds one page's result into the running aggregate.
func (a *Accumulator) Add(category Category, result CategoryResult) {
	a.sums[category] += result.Score
	a.counts[category]++
	set, ok := a.findings[category]
	if !ok {
		set = make(map[string]struct{})
		a.findings[category] = set
	}
	for _, f := range result.Findings {
		set[f] = struct{}{}
	}
}

// Inputs materializes the averaged category inputs.
func (a *Accumulator) Inputs() map[Category]CategoryInput {
	inputs := make(map[Category]CategoryInput, len(a.sums))
	for category, sum := range a.sums {
		count := a.counts[category]
		if count == 0 {
			continue
		}
		set := a.findings[category]
		findings := make([]string, 0, len(set))
		for f := range set {
			findings = append(findings, f)
		}
		sort.Strings(findings)
		if len(findings) == 0 {
			findings = nil
		}
		inputs[category] = CategoryInput{
			Score:    sum / float64(count),
			Findings: findings,
		}
	}
	return inputs
}
