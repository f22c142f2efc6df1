// Package advisor provides mapping advisors for the import pipeline: an
// offline heuristic that matches headers against catalog names and aliases,
// and a Gemini-backed advisor for files whose headers need interpretation.
package advisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/equipimport/internal/core"
)

// Heuristic matches headers to catalog fields by name, label and alias.
// It never fails and never blocks.
type Heuristic struct{}

// NewHeuristic returns the offline advisor.
func NewHeuristic() Heuristic {
	return Heuristic{}
}

// Suggest maps every header whose normalized spelling matches a catalog
// field. The first header to claim a field wins; later ones become new
// attributes.
func (Heuristic) Suggest(ctx context.Context, req core.AdvisorRequest) (core.Suggestion, error) {
	if err := ctx.Err(); err != nil {
		return core.Suggestion{}, err
	}

	index := aliasIndex(req.Catalog)
	mapping := make(core.Mapping, len(req.Headers))
	claimed := make(map[string]string)
	var conflicts []string

	for _, h := range req.Headers {
		field, ok := index[normalizeHeader(h)]
		if !ok {
			mapping[h] = core.NewAttribute
			continue
		}
		if first, taken := claimed[field]; taken {
			mapping[h] = core.NewAttribute
			conflicts = append(conflicts, fmt.Sprintf("%q also looks like %s (kept %q)", h, field, first))
			continue
		}
		claimed[field] = h
		mapping[h] = field
	}

	return core.Suggestion{
		Mapping:    mapping,
		Confidence: scoreMatch(len(claimed), len(req.Headers), req.Catalog, claimed),
		Notes:      heuristicNotes(len(claimed), len(req.Headers), req.Catalog, claimed, conflicts),
	}, nil
}

// aliasIndex maps every normalized spelling of a field to its name.
// Field names take precedence over labels, labels over aliases.
func aliasIndex(catalog core.Catalog) map[string]string {
	index := make(map[string]string)
	add := func(spelling, field string) {
		key := normalizeHeader(spelling)
		if _, exists := index[key]; !exists && key != "" {
			index[key] = field
		}
	}
	for _, f := range catalog {
		add(f.Name, f.Name)
	}
	for _, f := range catalog {
		add(f.Label, f.Name)
	}
	for _, f := range catalog {
		for _, a := range f.Aliases {
			add(a, f.Name)
		}
	}
	return index
}

// normalizeHeader lowercases s and treats underscores, dashes and dots as
// spaces, so "Serial_No." and "serial no" compare equal.
func normalizeHeader(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// scoreMatch grades the share of headers matched, capped at medium when a
// required field is still unmapped.
func scoreMatch(matched, total int, catalog core.Catalog, claimed map[string]string) core.Confidence {
	if total == 0 || matched == 0 {
		return core.ConfidenceLow
	}

	ratio := float64(matched) / float64(total)
	conf := core.ConfidenceLow
	switch {
	case ratio >= 0.75:
		conf = core.ConfidenceHigh
	case ratio >= 0.4:
		conf = core.ConfidenceMedium
	}

	if conf == core.ConfidenceHigh && len(missingRequired(catalog, claimed)) > 0 {
		conf = core.ConfidenceMedium
	}
	return conf
}

func missingRequired(catalog core.Catalog, claimed map[string]string) []string {
	var out []string
	for _, name := range catalog.Required() {
		if _, ok := claimed[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

func heuristicNotes(matched, total int, catalog core.Catalog, claimed map[string]string, conflicts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Matched %d of %d columns by name.", matched, total)
	if missing := missingRequired(catalog, claimed); len(missing) > 0 {
		fmt.Fprintf(&b, " No column matched required field(s): %s.", strings.Join(missing, ", "))
	}
	if len(conflicts) > 0 {
		fmt.Fprintf(&b, " %s.", strings.Join(conflicts, "; "))
	}
	return b.String()
}
