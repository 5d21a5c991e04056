// Package taxonomy loads the canonical SIEM field vocabulary from its
// localized description files.
package taxonomy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrSchemaLoad is returned when a taxonomy file is missing, unparseable or
// empty. Nothing can be normalized without the taxonomy, so callers treat it
// as fatal.
var ErrSchemaLoad = errors.New("taxonomy load failed")

// DefaultLanguages are the localized variants shipped with the taxonomy.
var DefaultLanguages = []string{"en", "ru"}

// Taxonomy is the read-only set of canonical field names. It is safe for
// concurrent use once constructed.
type Taxonomy struct {
	fields       map[string]struct{}
	sorted       []string
	descriptions map[string]map[string]string // lang -> field -> description
}

// FileName returns the taxonomy file name for a language.
func FileName(lang string) string {
	return fmt.Sprintf("i18n_%s.yaml", lang)
}

// Load reads i18n_<lang>.yaml for every language from dir. The vocabulary is
// the union of all files' key sets.
func Load(dir string, languages ...string) (*Taxonomy, error) {
	if len(languages) == 0 {
		languages = DefaultLanguages
	}

	t := &Taxonomy{
		fields:       make(map[string]struct{}),
		descriptions: make(map[string]map[string]string),
	}

	for _, lang := range languages {
		path := filepath.Join(dir, FileName(lang))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrSchemaLoad, path, err)
		}

		descs, err := parse(data)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrSchemaLoad, path, err)
		}
		if len(descs) == 0 {
			return nil, fmt.Errorf("%w: %s defines no fields", ErrSchemaLoad, path)
		}

		t.descriptions[lang] = descs
		for field := range descs {
			t.fields[field] = struct{}{}
		}
	}

	t.sorted = sortedKeys(t.fields)
	return t, nil
}

// New builds a taxonomy from an explicit field list.
func New(fields ...string) *Taxonomy {
	t := &Taxonomy{
		fields:       make(map[string]struct{}, len(fields)),
		descriptions: make(map[string]map[string]string),
	}
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			t.fields[f] = struct{}{}
		}
	}
	t.sorted = sortedKeys(t.fields)
	return t
}

// Has reports whether field is a canonical field name.
func (t *Taxonomy) Has(field string) bool {
	_, ok := t.fields[field]
	return ok
}

// Fields returns all canonical field names in lexicographic order.
func (t *Taxonomy) Fields() []string {
	out := make([]string, len(t.sorted))
	copy(out, t.sorted)
	return out
}

// Len returns the vocabulary size.
func (t *Taxonomy) Len() int {
	return len(t.fields)
}

// Describe returns the localized description of a field.
func (t *Taxonomy) Describe(lang, field string) (string, bool) {
	descs, ok := t.descriptions[lang]
	if !ok {
		return "", false
	}
	d, ok := descs[field]
	return d, ok
}

// parse flattens a YAML mapping into dotted field names. Both flat
// ("subject.process.name: ...") and nested layouts are accepted.
func parse(data []byte) (map[string]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}

	out := make(map[string]string)
	if root.Kind == 0 {
		return out, nil
	}

	node := &root
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return out, nil
		}
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top level must be a mapping, got %s", kindName(node.Kind))
	}

	flatten("", node, out)
	return out, nil
}

func flatten(prefix string, node *yaml.Node, out map[string]string) {
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := strings.TrimSpace(node.Content[i].Value)
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}

		value := node.Content[i+1]
		switch value.Kind {
		case yaml.MappingNode:
			flatten(key, value, out)
		case yaml.ScalarNode:
			out[key] = value.Value
		default:
			out[key] = ""
		}
	}
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return fmt.Sprintf("kind %d", k)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
