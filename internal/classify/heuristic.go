package classify

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/corrforge/internal/mitre"
	"github.com/lvonguyen/corrforge/internal/normalization"
)

// Heuristic classifies by command-line patterns, then by event ID.
type Heuristic struct {
	framework *mitre.AttackFramework
	logger    *zap.Logger
	maxEvents int
}

// NewHeuristic creates a heuristic classifier that inspects at most maxEvents
// records per correlation (all when maxEvents <= 0).
func NewHeuristic(af *mitre.AttackFramework, maxEvents int, logger *zap.Logger) *Heuristic {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heuristic{framework: af, logger: logger, maxEvents: maxEvents}
}

// Name implements Classifier.
func (h *Heuristic) Name() string {
	return ModeHeuristic
}

// Classify never fails: when nothing matches it answers with the generic
// command interpreter technique.
func (h *Heuristic) Classify(_ context.Context, correlation string, records []normalization.Record) (Result, error) {
	var (
		text strings.Builder
		ids  []string
		seen = make(map[string]bool)
	)
	for _, rec := range limit(records, h.maxEvents) {
		text.WriteString(strings.ToLower(joinFields(rec,
			"subject.process.cmdline",
			"subject.process.name",
			"subject.process.parent.cmdline",
		)))
		if id := rec.Get("event_src.id"); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	all := text.String()
	if m, ok := h.framework.MatchCommand(all); ok {
		return h.result(correlation, m), nil
	}
	if m, ok := h.framework.MatchEventID(ids...); ok {
		return h.result(correlation, m), nil
	}

	techniqueID := "T1059"
	evidence := "no pattern matched"
	if strings.Contains(all, "powershell") {
		techniqueID = "T1059.001"
		evidence = "powershell mentioned"
	}
	m, err := h.framework.Mapping("TA0002", techniqueID, mitre.ImportanceMedium, evidence)
	if err != nil {
		// The built-in catalogue always holds T1059.
		return Result{}, err
	}
	return h.result(correlation, m), nil
}

func (h *Heuristic) result(correlation string, m mitre.Mapping) Result {
	h.logger.Debug("Heuristic classification",
		zap.String("correlation", correlation),
		zap.String("technique_id", m.TechniqueID),
		zap.String("evidence", m.Evidence),
	)
	return Result{
		Classification: m.Classification(),
		Source:         ModeHeuristic,
		Evidence:       m.Evidence,
	}
}
