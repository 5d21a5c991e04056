// Package normalization maps raw Windows events onto the canonical SIEM field
// schema.
package normalization

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lvonguyen/corrforge/internal/event"
	"github.com/lvonguyen/corrforge/internal/taxonomy"
)

// Record is a normalized event: canonical field name to lowercased value.
// encoding/json writes map keys in sorted order, so a marshaled Record is
// deterministic.
type Record map[string]string

// Keys returns the record's field names in lexicographic order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns a field value or "".
func (r Record) Get(field string) string {
	return r[field]
}

// Normalizer converts raw events to Records. It holds no mutable state and is
// safe to reuse across files.
type Normalizer struct {
	taxonomy *taxonomy.Taxonomy
}

// NewNormalizer creates a normalizer that only emits fields known to tax. A
// nil taxonomy disables the vocabulary filter.
func NewNormalizer(tax *taxonomy.Taxonomy) *Normalizer {
	return &Normalizer{taxonomy: tax}
}

// Normalize converts one raw event. Events without System.EventID are
// rejected with an error wrapping event.ErrMalformedInput.
func (n *Normalizer) Normalize(ev *event.RawEvent) (Record, error) {
	if ev == nil || strings.TrimSpace(ev.System.EventID) == "" {
		return nil, fmt.Errorf("%w: missing System.EventID", event.ErrMalformedInput)
	}

	out := make(Record)
	set := func(field, value string) { out[field] = value }

	applySystem(ev.System, set)

	known := ev.Known()
	for _, f := range known {
		if apply, ok := dataRules[f.Kind]; ok {
			apply(set, f.Value)
		}
	}
	applyMeta(known, set)

	return n.finalize(out), nil
}

// NormalizeAll normalizes a batch. Records are independent; the first failure
// aborts the batch.
func (n *Normalizer) NormalizeAll(events []event.RawEvent) ([]Record, error) {
	records := make([]Record, 0, len(events))
	for i := range events {
		rec, err := n.Normalize(&events[i])
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// finalize enforces the record invariants in one place: values are
// lowercased and every key belongs to the taxonomy.
func (n *Normalizer) finalize(raw Record) Record {
	out := make(Record, len(raw))
	for field, value := range raw {
		if n.taxonomy != nil && !n.taxonomy.Has(field) {
			continue
		}
		out[field] = strings.ToLower(value)
	}
	return out
}
