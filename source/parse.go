package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-form-autofill/parser"
)

// List formats recognised by ParseList.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatHTML = "html"
)

// ParseList extracts items from a fetched document. JSON may be an array or
// an object with a "numbers" or "items" array; HTML lists are read from
// li/td/pre/option elements, falling back to the page text.
func ParseList(body []byte, contentType string) ([]string, string, error) {
	format := detectFormat(body, contentType)

	var (
		items []string
		err   error
	)
	switch format {
	case FormatJSON:
		items, err = parseJSONList(body)
	case FormatHTML:
		items, err = parseHTMLList(body)
	default:
		items = parser.ParseItems(string(body))
	}
	if err != nil {
		return nil, format, err
	}
	if len(items) == 0 {
		return nil, format, ErrEmptyList
	}
	return items, format, nil
}

func detectFormat(body []byte, contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return FormatJSON
	case strings.Contains(ct, "html"):
		return FormatHTML
	}

	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\ufeff")))
	switch {
	case bytes.HasPrefix(trimmed, []byte("[")), bytes.HasPrefix(trimmed, []byte("{")):
		return FormatJSON
	case bytes.HasPrefix(trimmed, []byte("<")):
		return FormatHTML
	}
	return FormatText
}

func parseJSONList(body []byte) ([]string, error) {
	decoder := json.NewDecoder(bytes.NewReader(bytes.TrimPrefix(body, []byte("\ufeff"))))
	decoder.UseNumber()

	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode json list: %w", err)
	}

	var entries []any
	switch v := raw.(type) {
	case []any:
		entries = v
	case map[string]any:
		for _, key := range []string{"numbers", "items"} {
			if list, ok := v[key].([]any); ok {
				entries = list
				break
			}
		}
		if entries == nil {
			return nil, fmt.Errorf("json object has no numbers or items array")
		}
	default:
		return nil, fmt.Errorf("json list must be an array or object, got %T", raw)
	}

	values := make([]string, 0, len(entries))
	for i, entry := range entries {
		switch v := entry.(type) {
		case string:
			values = append(values, v)
		case json.Number:
			values = append(values, v.String())
		case nil:
		default:
			return nil, fmt.Errorf("json list entry %d: unsupported %T", i, entry)
		}
	}
	return uniqueItems(values), nil
}

func parseHTMLList(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html list: %w", err)
	}
	doc.Find("script, style, noscript, head").Remove()

	var texts []string
	doc.Find("li, td, pre, option").Each(func(_ int, s *goquery.Selection) {
		if s.Find("li, td, pre, option").Length() > 0 {
			return
		}
		texts = append(texts, s.Text())
	})
	if len(texts) == 0 {
		texts = textNodes(doc.Find("body"))
	}
	return parser.ParseItems(strings.Join(texts, "\n")), nil
}

func textNodes(sel *goquery.Selection) []string {
	var texts []string
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "#text" {
			texts = append(texts, s.Text())
			return
		}
		texts = append(texts, textNodes(s)...)
	})
	return texts
}

func uniqueItems(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	items := make([]string, 0, len(values))
	for _, v := range values {
		item := parser.NormalizeItem(v)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		items = append(items, item)
	}
	return items
}
