package corpus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/lvonguyen/corrforge/internal/event"
	"github.com/lvonguyen/corrforge/internal/mitre"
	"github.com/lvonguyen/corrforge/internal/normalization"
)

// ReadEvents loads and decodes a raw events file. I/O failures wrap
// ErrUnreadableFile; decode failures wrap event.ErrMalformedInput.
func ReadEvents(path string) ([]event.RawEvent, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	events, err := event.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

// WriteRecords writes normalized records to path. A single record is written
// as a JSON object, several as an array. Keys are sorted and HTML characters
// are left unescaped so command lines stay readable.
func WriteRecords(path string, records []normalization.Record) error {
	if len(records) == 0 {
		return fmt.Errorf("no records to write to %s", path)
	}

	var v any = records
	if len(records) == 1 {
		v = records[0]
	}
	data, err := marshalJSON(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return writeAtomic(path, data)
}

// ReadRecords loads a normalized file written by WriteRecords.
func ReadRecords(path string) ([]normalization.Record, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var recs []normalization.Record
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", event.ErrMalformedInput, path, err)
		}
		return recs, nil
	}

	var rec normalization.Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", event.ErrMalformedInput, path, err)
	}
	return []normalization.Record{rec}, nil
}

// Group is the normalized records of one event sequence, i.e. all
// norm_fields_<i>_*.json files sharing i.
type Group struct {
	I       int
	Records []normalization.Record
}

// ReadNormalized loads every normalized file of a correlation grouped by i,
// in (i, j) order.
func (c Correlation) ReadNormalized() ([]Group, error) {
	files, err := c.NormFiles()
	if err != nil {
		return nil, err
	}

	var groups []Group
	for _, f := range files {
		recs, err := ReadRecords(f.Path)
		if err != nil {
			return nil, err
		}
		if n := len(groups); n > 0 && groups[n-1].I == f.I {
			groups[n-1].Records = append(groups[n-1].Records, recs...)
			continue
		}
		groups = append(groups, Group{I: f.I, Records: recs})
	}
	return groups, nil
}

// Flatten returns the records of all groups in order.
func Flatten(groups []Group) []normalization.Record {
	var out []normalization.Record
	for _, g := range groups {
		out = append(out, g.Records...)
	}
	return out
}

// HasAnswers reports whether answers.json exists.
func (c Correlation) HasAnswers() bool {
	return exists(c.AnswersPath())
}

// WriteAnswers writes answers.json.
func (c Correlation) WriteAnswers(cls mitre.Classification) error {
	data, err := marshalJSON(cls)
	if err != nil {
		return fmt.Errorf("encoding answers for %s: %w", c.Name, err)
	}
	return writeAtomic(c.AnswersPath(), data)
}

// ReadAnswers reads answers.json.
func (c Correlation) ReadAnswers() (mitre.Classification, error) {
	var cls mitre.Classification
	data, err := readFile(c.AnswersPath())
	if err != nil {
		return cls, err
	}
	if err := json.Unmarshal(data, &cls); err != nil {
		return cls, fmt.Errorf("%w: %s: %v", event.ErrMalformedInput, c.AnswersPath(), err)
	}
	return cls, nil
}

// HasLocalization reports whether a localization file exists for every
// language.
func (c Correlation) HasLocalization(languages ...string) bool {
	for _, lang := range languages {
		if !exists(c.LocalizationPath(lang)) {
			return false
		}
	}
	return len(languages) > 0
}

// WriteLocalization writes an encoded localization document for lang.
func (c Correlation) WriteLocalization(lang string, data []byte) error {
	return writeAtomic(c.LocalizationPath(lang), data)
}

// ReadLocalization returns the raw localization document for lang.
func (c Correlation) ReadLocalization(lang string) ([]byte, error) {
	return readFile(c.LocalizationPath(lang))
}

// RemoveNormalized deletes stale normalized output for an events file.
func RemoveNormalized(ref FileRef) error {
	err := os.Remove(ref.NormPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", ref.NormPath(), err)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
