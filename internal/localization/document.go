// Package localization produces the per-language description documents
// (i18n_<lang>.yaml) of a correlation rule.
package localization

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/corrforge/internal/taxonomy"
)

// ErrInvalidDocument is returned for localization documents that cannot be
// decoded or lack a description or event descriptions.
var ErrInvalidDocument = errors.New("invalid localization document")

// Document is the content of one i18n_<lang>.yaml file.
type Document struct {
	Description       string             `yaml:"Description"`
	EventDescriptions []EventDescription `yaml:"EventDescriptions"`
}

// EventDescription describes one event of the rule. EventDescription may
// reference normalized fields as {field.name} placeholders.
type EventDescription struct {
	LocalizationID   string `yaml:"LocalizationId"`
	EventDescription string `yaml:"EventDescription"`
}

// Validate checks that the document has a description and at least one
// non-empty event description.
func (d *Document) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Description) == "" {
		errs = append(errs, errors.New("empty Description"))
	}
	if len(d.EventDescriptions) == 0 {
		errs = append(errs, errors.New("no EventDescriptions"))
	}
	for i, ed := range d.EventDescriptions {
		if strings.TrimSpace(ed.LocalizationID) == "" {
			errs = append(errs, fmt.Errorf("EventDescriptions[%d]: empty LocalizationId", i))
		}
		if strings.TrimSpace(ed.EventDescription) == "" {
			errs = append(errs, fmt.Errorf("EventDescriptions[%d]: empty EventDescription", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// Parse decodes and validates a YAML document. Missing LocalizationIds are
// filled from correlation before validation.
func Parse(data []byte, correlation string) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	doc.Description = strings.TrimSpace(doc.Description)
	for i := range doc.EventDescriptions {
		ed := &doc.EventDescriptions[i]
		ed.EventDescription = strings.TrimSpace(ed.EventDescription)
		if strings.TrimSpace(ed.LocalizationID) == "" {
			ed.LocalizationID = LocalizationID(correlation, i)
		}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Marshal encodes a document with 4-space indentation.
func Marshal(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(4)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encoding localization: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding localization: %w", err)
	}
	return buf.Bytes(), nil
}

// LocalizationID returns the id of the i-th event description of a
// correlation: corrname_<correlation> for the first, with a _<n> suffix for
// the rest.
func LocalizationID(correlation string, i int) string {
	if i == 0 {
		return "corrname_" + correlation
	}
	return fmt.Sprintf("corrname_%s_%d", correlation, i+1)
}

var placeholderRe = regexp.MustCompile(`\{\s*([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)*)\s*\}`)

// Placeholders returns the distinct field names referenced in text, in
// order of first appearance.
func Placeholders(text string) []string {
	var (
		out  []string
		seen = make(map[string]bool)
	)
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// UnknownPlaceholders returns the placeholders of a document that are not
// canonical field names, sorted.
func UnknownPlaceholders(doc *Document, tax *taxonomy.Taxonomy) []string {
	if tax == nil {
		return nil
	}
	unknown := make(map[string]struct{})
	texts := []string{doc.Description}
	for _, ed := range doc.EventDescriptions {
		texts = append(texts, ed.EventDescription)
	}
	for _, text := range texts {
		for _, p := range Placeholders(text) {
			if !tax.Has(p) {
				unknown[p] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(unknown))
	for p := range unknown {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// AlignIDs copies the LocalizationIds of ref onto doc position by position,
// so every language of a rule uses the same ids.
func AlignIDs(doc, ref *Document) {
	for i := range doc.EventDescriptions {
		if i >= len(ref.EventDescriptions) {
			return
		}
		doc.EventDescriptions[i].LocalizationID = ref.EventDescriptions[i].LocalizationID
	}
}
