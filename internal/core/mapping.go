package core

// mapping.go validates operator-confirmed column mappings.
//
// The advisor's suggestion is only ever an editable default; every execute
// re-validates the final mapping here, independent of what was suggested.

import (
	"sort"
)

// ValidateMapping checks mapping against the file headers and catalog and
// returns every problem found, or nil. Problems are reported in this order:
// headers not in the file, unknown target fields, fields mapped from more
// than one header, required fields with no header.
func ValidateMapping(headers []string, mapping Mapping, catalog Catalog) error {
	position := make(map[string]int, len(headers))
	for i, h := range headers {
		position[h] = i
	}

	var problems MappingErrors

	var unknownHeaders []string
	for h := range mapping {
		if _, ok := position[h]; !ok {
			unknownHeaders = append(unknownHeaders, h)
		}
	}
	if len(unknownHeaders) > 0 {
		sort.Strings(unknownHeaders)
		problems = append(problems, &MappingError{Kind: ErrUnknownHeader, Headers: unknownHeaders})
	}

	// Walk headers in file order so messages are stable.
	sources := make(map[string][]string)
	for _, h := range headers {
		target, ok := mapping[h]
		if !ok || target == "" || target == NewAttribute {
			continue
		}
		if _, known := catalog.Lookup(target); !known {
			problems = append(problems, &MappingError{Kind: ErrUnknownField, Field: target, Headers: []string{h}})
			continue
		}
		sources[target] = append(sources[target], h)
	}

	for _, f := range catalog {
		if hs := sources[f.Name]; len(hs) > 1 {
			problems = append(problems, &MappingError{Kind: ErrDuplicateFieldMapping, Field: f.Name, Headers: hs})
		}
	}

	for _, name := range catalog.Required() {
		if len(sources[name]) == 0 {
			problems = append(problems, &MappingError{Kind: ErrMissingRequiredField, Field: name})
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return problems
}

// NewAttributeHeaders returns, in file order, the headers mapped to NewAttribute.
func NewAttributeHeaders(headers []string, mapping Mapping) []string {
	var out []string
	for _, h := range headers {
		if mapping[h] == NewAttribute {
			out = append(out, h)
		}
	}
	return out
}

// DefaultMapping maps every header to NewAttribute.
func DefaultMapping(headers []string) Mapping {
	m := make(Mapping, len(headers))
	for _, h := range headers {
		m[h] = NewAttribute
	}
	return m
}
