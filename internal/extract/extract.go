// Package extract parses fetched HTML into a single PageContent value so
// downstream consumers never touch a parser's object model.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Anchor is one raw <a href> occurrence before classification.
type Anchor struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// PageContent holds the structural signals extracted from one page.
// It is produced once per fetch and persisted verbatim in the chunk store.
type PageContent struct {
	Title           string         `json:"title"`
	MetaDescription string         `json:"meta_description"`
	MetaRobots      string         `json:"meta_robots"`
	Canonical       string         `json:"canonical"`
	Language        string         `json:"language"`
	Headings        map[string]int `json:"headings"`
	Anchors         []Anchor       `json:"anchors"`
	WordCount       int            `json:"word_count"`
	ImageCount      int            `json:"image_count"`
	ImagesNoAlt     int            `json:"images_no_alt"`
	ScriptCount     int            `json:"script_count"`
	StylesheetCount int            `json:"stylesheet_count"`
	HasViewportMeta bool           `json:"has_viewport_meta"`
	HasLoginForm    bool           `json:"has_login_form"`
	TextSample      string         `json:"text_sample,omitempty"`
}

const textSampleLimit = 2048

// Parse extracts page content from an HTML document body.
func Parse(body []byte) (PageContent, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return PageContent{}, fmt.Errorf("parse html: %w", err)
	}

	content := PageContent{
		Headings: map[string]int{"h1": 0, "h2": 0, "h3": 0, "h4": 0, "h5": 0, "h6": 0},
	}

	content.Title = strings.TrimSpace(doc.Find("head title").First().Text())
	content.MetaDescription = metaContent(doc, "description")
	content.MetaRobots = metaContent(doc, "robots")
	content.Canonical, _ = doc.Find(`head link[rel="canonical"]`).First().Attr("href")
	content.Language, _ = doc.Find("html").First().Attr("lang")

	for tag := range content.Headings {
		content.Headings[tag] = doc.Find(tag).Length()
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		content.Anchors = append(content.Anchors, Anchor{
			Href: strings.TrimSpace(href),
			Text: collapseSpace(s.Text()),
		})
	})

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		content.ImageCount++
		if alt, ok := s.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			content.ImagesNoAlt++
		}
	})

	content.ScriptCount = doc.Find("script[src]").Length()
	content.StylesheetCount = doc.Find(`link[rel="stylesheet"]`).Length()
	content.HasViewportMeta = doc.Find(`head meta[name="viewport"]`).Length() > 0
	content.HasLoginForm = doc.Find(`input[type="password"]`).Length() > 0

	text := collapseSpace(doc.Find("body").Text())
	content.WordCount = len(strings.Fields(text))
	if len(text) > textSampleLimit {
		text = text[:textSampleLimit]
	}
	content.TextSample = text

	return content, nil
}

func metaContent(doc *goquery.Document, name string) string {
	sel := doc.Find(fmt.Sprintf(`head meta[name=%q]`, name)).First()
	v, _ := sel.Attr("content")
	return strings.TrimSpace(v)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
