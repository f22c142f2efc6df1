package core

import (
	"context"
	"strings"
)

// Advisor suggests a header-to-field mapping for a freshly parsed file.
// Implementations may call out to external services; callers bound every
// call with a timeout and never depend on a result.
type Advisor interface {
	Suggest(ctx context.Context, req AdvisorRequest) (Suggestion, error)
}

// AdvisorFunc adapts a function to the Advisor interface.
type AdvisorFunc func(ctx context.Context, req AdvisorRequest) (Suggestion, error)

// Suggest calls f.
func (f AdvisorFunc) Suggest(ctx context.Context, req AdvisorRequest) (Suggestion, error) {
	return f(ctx, req)
}

// AdvisorRequest is the input to an advisor.
type AdvisorRequest struct {
	Headers     []string
	PreviewRows []map[string]string
	Catalog     Catalog
}

// Suggestion is an advisor's proposed mapping.
type Suggestion struct {
	Mapping    Mapping
	Confidence Confidence
	Notes      string
}

// DefaultSuggestion is used whenever no advisor answer is available:
// every header becomes a new attribute with no confidence.
func DefaultSuggestion(headers []string) Suggestion {
	return Suggestion{
		Mapping:    DefaultMapping(headers),
		Confidence: ConfidenceNone,
	}
}

// SanitizeSuggestion makes an advisor answer safe to show as a default.
// Every header gets an entry; entries for unknown headers are dropped;
// targets outside the catalog, and any field claimed by more than one
// header, fall back to NewAttribute. An empty target is kept and means the
// header is ignored.
func SanitizeSuggestion(headers []string, catalog Catalog, s Suggestion) Suggestion {
	out := Suggestion{
		Mapping:    make(Mapping, len(headers)),
		Confidence: Confidence(strings.ToLower(string(s.Confidence))),
		Notes:      strings.TrimSpace(s.Notes),
	}
	if !out.Confidence.Valid() {
		out.Confidence = ConfidenceLow
	}

	claimed := make(map[string]int)
	for _, h := range headers {
		if t, ok := s.Mapping[h]; ok {
			claimed[t]++
		}
	}

	for _, h := range headers {
		target, ok := s.Mapping[h]
		switch {
		case !ok:
			target = NewAttribute
		case target == "" || target == NewAttribute:
		default:
			if _, known := catalog.Lookup(target); !known || claimed[target] > 1 {
				target = NewAttribute
			}
		}
		out.Mapping[h] = target
	}
	return out
}

// BuildPreview returns the first n rows of t keyed by header.
func BuildPreview(t *Table, n int) []map[string]string {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	preview := make([]map[string]string, n)
	for i := 0; i < n; i++ {
		row := make(map[string]string, len(t.Headers))
		for j, h := range t.Headers {
			row[h] = t.Rows[i][j]
		}
		preview[i] = row
	}
	return preview
}
