package mitre

import (
	"errors"
	"fmt"
	"strings"
)

// Importance is the severity bucket written to answers.json.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
	ImportanceHigh   Importance = "high"
)

// ParseImportance clamps free text into the three buckets. "critical" maps to
// high; anything unrecognized maps to medium.
func ParseImportance(s string) Importance {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "info", "informational":
		return ImportanceLow
	case "high", "critical":
		return ImportanceHigh
	default:
		return ImportanceMedium
	}
}

// Valid reports whether i is one of the three buckets.
func (i Importance) Valid() bool {
	switch i {
	case ImportanceLow, ImportanceMedium, ImportanceHigh:
		return true
	}
	return false
}

// Classification is the content of answers.json.
type Classification struct {
	Tactic     string     `json:"tactic"`
	Technique  string     `json:"technique"`
	Importance Importance `json:"importance"`
}

// Validate checks that all fields are set and importance is a known bucket.
func (c Classification) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Tactic) == "" {
		errs = append(errs, errors.New("tactic is empty"))
	}
	if strings.TrimSpace(c.Technique) == "" {
		errs = append(errs, errors.New("technique is empty"))
	}
	if !c.Importance.Valid() {
		errs = append(errs, fmt.Errorf("importance %q is not low, medium or high", c.Importance))
	}
	return errors.Join(errs...)
}

func (c Classification) String() string {
	return fmt.Sprintf("%s / %s (%s)", c.Tactic, c.Technique, c.Importance)
}
