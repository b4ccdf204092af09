package processor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

// skipTypes are schema.org types that carry navigation or boilerplate rather
// than content, dropped during extraction.
var skipTypes = map[string]struct{}{
	"ListItem":                 {},
	"ItemList":                 {},
	"Organization":             {},
	"BreadcrumbList":           {},
	"Breadcrumb":               {},
	"WebSite":                  {},
	"SearchAction":             {},
	"SiteNavigationElement":    {},
	"WebPageElement":           {},
	"WebPage":                  {},
	"NewsMediaOrganization":    {},
	"MerchantReturnPolicy":     {},
	"ReturnPolicy":             {},
	"CollectionPage":           {},
	"Brand":                    {},
	"Corporation":              {},
	"ReadAction":               {},
}

// extractor accumulates schema.org records, keeping the first occurrence of
// each @id.
type extractor struct {
	seen    map[string]struct{}
	records []crawler.ExtractedRecord
}

func newExtractor() *extractor {
	return &extractor{seen: make(map[string]struct{})}
}

// addDocument walks one decoded JSON document: top-level object or array of
// objects, plus @graph arrays nested in objects that have no @id themselves.
func (e *extractor) addDocument(doc any) {
	items, ok := doc.([]any)
	if !ok {
		items = []any{doc}
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		e.addObject(obj)

		if _, hasID := obj["@id"]; hasID {
			continue
		}
		if graph, ok := obj["@graph"].([]any); ok {
			for _, node := range graph {
				if nodeObj, ok := node.(map[string]any); ok {
					e.addObject(nodeObj)
				}
			}
		}
	}
}

func (e *extractor) addObject(obj map[string]any) {
	id, ok := obj["@id"].(string)
	if !ok || id == "" {
		return
	}
	if shouldSkip(obj["@type"]) {
		return
	}
	if _, dup := e.seen[id]; dup {
		return
	}
	e.seen[id] = struct{}{}
	e.records = append(e.records, crawler.ExtractedRecord{
		ID:       id,
		Type:     typeLabel(obj["@type"]),
		Document: obj,
	})
}

// shouldSkip reports whether the @type value (string or list) names a
// skipped type.
func shouldSkip(typeValue any) bool {
	switch t := typeValue.(type) {
	case string:
		_, skip := skipTypes[t]
		return skip
	case []any:
		for _, entry := range t {
			if s, ok := entry.(string); ok {
				if _, skip := skipTypes[s]; skip {
					return true
				}
			}
		}
	}
	return false
}

func typeLabel(typeValue any) string {
	switch t := typeValue.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// extractJSON parses a whole JSON body (object or array).
func extractJSON(body []byte) ([]crawler.ExtractedRecord, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	ex := newExtractor()
	ex.addDocument(doc)
	return ex.records, nil
}

// extractTSV parses a body of URL<TAB>JSON lines. Lines without a tab or
// with broken JSON are skipped.
func extractTSV(body []byte) []crawler.ExtractedRecord {
	ex := newExtractor()
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		_, jsonPart, found := strings.Cut(line, "\t")
		if !found {
			continue
		}
		var doc any
		if err := json.Unmarshal([]byte(jsonPart), &doc); err != nil {
			continue
		}
		ex.addDocument(doc)
	}
	return ex.records
}

// extractHTML pulls records out of <script type="application/ld+json">
// blocks. Blocks with broken JSON are skipped.
func extractHTML(body []byte) ([]crawler.ExtractedRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	ex := newExtractor()
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var block any
		if err := json.Unmarshal([]byte(s.Text()), &block); err != nil {
			return
		}
		ex.addDocument(block)
	})
	return ex.records, nil
}
