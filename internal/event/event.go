// Package event decodes raw Windows event documents (Sysmon, Security log,
// PowerShell logging) exported as JSON.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformedInput is returned for documents that cannot be decoded or that
// lack System.EventID.
var ErrMalformedInput = errors.New("malformed input")

// RawEvent is a single decoded event record.
type RawEvent struct {
	System    System
	EventData []DataField
}

// System holds the fields of the System section used for normalization.
type System struct {
	ProviderName string
	EventID      string
	Computer     string
	TimeCreated  string
	Channel      string
}

// DataField is one EventData entry. Kind is FieldUnknown for names outside
// the known vocabulary.
type DataField struct {
	Kind  FieldKind
	Name  string
	Value string
}

// Known returns the EventData entries with a recognized kind, stably ordered
// by kind so that rule precedence does not depend on document order.
func (e *RawEvent) Known() []DataField {
	known := make([]DataField, 0, len(e.EventData))
	for _, f := range e.EventData {
		if f.Kind.Known() {
			known = append(known, f)
		}
	}
	sort.SliceStable(known, func(i, j int) bool {
		return known[i].Kind < known[j].Kind
	})
	return known
}

// Lookup returns the last value recorded for kind.
func (e *RawEvent) Lookup(kind FieldKind) (string, bool) {
	var (
		value string
		found bool
	)
	for _, f := range e.EventData {
		if f.Kind == kind {
			value, found = f.Value, true
		}
	}
	return value, found
}

// Decode parses a document holding one event or a JSON array of events.
// Every returned event has a non-empty System.EventID.
func Decode(data []byte) ([]RawEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decoding JSON: %v", ErrMalformedInput, err)
	}

	var records []any
	switch v := doc.(type) {
	case []any:
		records = v
	case map[string]any:
		records = []any{v}
	default:
		return nil, fmt.Errorf("%w: expected object or array, got %T", ErrMalformedInput, doc)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no events in document", ErrMalformedInput)
	}

	events := make([]RawEvent, 0, len(records))
	for i, rec := range records {
		obj, ok := rec.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: record %d is %T, not an object", ErrMalformedInput, i, rec)
		}
		ev, err := decodeRecord(obj)
		if err != nil {
			if len(records) > 1 {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			return nil, err
		}
		events = append(events, *ev)
	}

	return events, nil
}

func decodeRecord(obj map[string]any) (*RawEvent, error) {
	if inner, ok := member(obj, "Event").(map[string]any); ok {
		obj = inner
	}

	sys, ok := member(obj, "System").(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing System section", ErrMalformedInput)
	}

	ev := &RawEvent{
		System: System{
			ProviderName: attr(member(sys, "Provider"), "Name"),
			EventID:      scalar(member(sys, "EventID")),
			Computer:     text(member(sys, "Computer")),
			TimeCreated:  attr(member(sys, "TimeCreated"), "SystemTime"),
			Channel:      text(member(sys, "Channel")),
		},
	}

	if strings.TrimSpace(ev.System.EventID) == "" {
		return nil, fmt.Errorf("%w: missing System.EventID", ErrMalformedInput)
	}

	ev.EventData = decodeEventData(member(obj, "EventData"))
	return ev, nil
}

// decodeEventData accepts {"Data": [...]}, {"Data": {...}}, a bare array of
// name/value objects, or an object of name: value members.
func decodeEventData(v any) []DataField {
	switch data := v.(type) {
	case []any:
		return decodeDataList(data)
	case map[string]any:
		if inner, ok := data["Data"]; ok {
			switch d := inner.(type) {
			case []any:
				return decodeDataList(d)
			case map[string]any:
				return decodeDataList([]any{d})
			}
		}

		names := make([]string, 0, len(data))
		for name := range data {
			if strings.HasPrefix(name, "@") || strings.HasPrefix(name, "xmlns") {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)

		fields := make([]DataField, 0, len(names))
		for _, name := range names {
			if value, ok := stringify(data[name]); ok {
				fields = append(fields, newField(name, value))
			}
		}
		return fields
	default:
		return nil
	}
}

func decodeDataList(items []any) []DataField {
	fields := make([]DataField, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			// Unnamed <Data> elements carry no field name.
			continue
		}
		name := text(firstMember(entry, "Name", "@Name", "name"))
		if name == "" {
			continue
		}
		raw := firstMember(entry, "text", "#text", "Value", "value")
		if value, ok := stringify(raw); ok {
			fields = append(fields, newField(name, value))
		}
	}
	return fields
}

func newField(name, value string) DataField {
	return DataField{Kind: KindOf(name), Name: name, Value: value}
}

func member(obj map[string]any, key string) any {
	if obj == nil {
		return nil
	}
	return obj[key]
}

func firstMember(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// attr reads an XML-attribute style member (Name or @Name) of an object, or
// the value itself when the source flattened it to a scalar.
func attr(v any, name string) string {
	if obj, ok := v.(map[string]any); ok {
		return text(firstMember(obj, name, "@"+name))
	}
	return text(v)
}

// scalar returns a scalar value, or the scalar text member of an object.
// Any other shape yields "".
func scalar(v any) string {
	if obj, ok := v.(map[string]any); ok {
		v = firstMember(obj, "text", "#text", "Value", "value")
	}
	switch v.(type) {
	case string, json.Number, bool:
		return text(v)
	}
	return ""
}

func text(v any) string {
	s, _ := stringify(v)
	return s
}

// stringify reduces a JSON value of any shape to a string. The boolean result
// is false for null.
func stringify(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		if val {
			return "true", true
		}
		return "false", true
	case map[string]any:
		if inner := firstMember(val, "text", "#text", "Value", "value"); inner != nil {
			return stringify(inner)
		}
		return compact(val), true
	default:
		return compact(val), true
	}
}

func compact(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
