package core

// schema.go registers extensible attributes for headers mapped to
// NewAttribute. Registration runs in one transaction that commits before any
// row is written, so a failed import never leaves half the attributes behind
// and every row writer sees the complete set.

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/text/cases"
)

// AttributePlan is the attribute a header will be stored under.
type AttributePlan struct {
	Header string
	Key    string // identity: trimmed, whitespace collapsed, case-folded
	Label  string // display name: trimmed, whitespace collapsed
}

// SchemaResult is the outcome of EvolveSchema.
type SchemaResult struct {
	// Attributes maps each NewAttribute header to its attribute.
	Attributes map[string]AttributeID
	// Created lists labels of attributes this call inserted, in header order.
	Created []string
}

// NormalizeAttributeKey returns the identity key for an attribute name.
func NormalizeAttributeKey(name string) string {
	// A Caser is stateful, so each call gets its own.
	return cases.Fold().String(collapseSpace(name))
}

// PlanAttributes assigns a key and label to every header. When two headers
// normalize to the same key, later ones get a "_2", "_3"... suffix on both.
func PlanAttributes(headers []string) []AttributePlan {
	plans := make([]AttributePlan, 0, len(headers))
	used := make(map[string]bool, len(headers))

	for _, h := range headers {
		label := collapseSpace(h)
		key := NormalizeAttributeKey(h)

		if used[key] {
			for n := 2; ; n++ {
				suffix := "_" + strconv.Itoa(n)
				if !used[key+suffix] {
					key += suffix
					label += suffix
					break
				}
			}
		}
		used[key] = true
		plans = append(plans, AttributePlan{Header: h, Key: key, Label: label})
	}
	return plans
}

// EvolveSchema registers an attribute for every header mapped to
// NewAttribute, reusing attributes that already exist. Any failure is
// wrapped in ErrSchemaEvolution and nothing is committed.
func EvolveSchema(ctx context.Context, repo Repository, headers []string, mapping Mapping) (*SchemaResult, error) {
	plans := PlanAttributes(NewAttributeHeaders(headers, mapping))
	result := &SchemaResult{Attributes: make(map[string]AttributeID, len(plans))}
	if len(plans) == 0 {
		return result, nil
	}

	err := repo.WithTx(ctx, func(tx Tx) error {
		for _, p := range plans {
			id, created, err := tx.RegisterIfAbsent(ctx, p.Key, p.Label)
			if err != nil {
				return fmt.Errorf("register attribute %q: %w", p.Label, err)
			}
			result.Attributes[p.Header] = id
			if created {
				result.Created = append(result.Created, p.Label)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaEvolution, err)
	}

	return result, nil
}
