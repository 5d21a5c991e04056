// Package classify assigns a MITRE ATT&CK tactic, technique and importance to
// the normalized events of a correlation rule.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/corrforge/internal/mitre"
	"github.com/lvonguyen/corrforge/internal/normalization"
)

// ErrUnparseableResponse is returned when an LLM reply holds no usable
// classification.
var ErrUnparseableResponse = errors.New("unparseable classifier response")

// Classification modes
const (
	ModeHeuristic    = "heuristic"
	ModeLLM          = "llm"
	ModeLLMHeuristic = "llm+heuristic"
)

// Result is a classification and the classifier that produced it.
type Result struct {
	mitre.Classification
	Source   string
	Evidence string
}

// Classifier classifies the normalized records of one correlation.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, correlation string, records []normalization.Record) (Result, error)
}

// Fallback tries Primary and answers with Secondary when it fails.
type Fallback struct {
	Primary   Classifier
	Secondary Classifier
	logger    *zap.Logger
}

// NewFallback creates a fallback chain.
func NewFallback(primary, secondary Classifier, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{Primary: primary, Secondary: secondary, logger: logger}
}

// Name returns the chain name, e.g. "llm+heuristic".
func (f *Fallback) Name() string {
	return f.Primary.Name() + "+" + f.Secondary.Name()
}

// Classify implements Classifier.
func (f *Fallback) Classify(ctx context.Context, correlation string, records []normalization.Record) (Result, error) {
	res, err := f.Primary.Classify(ctx, correlation, records)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	f.logger.Warn("Primary classifier failed, falling back",
		zap.String("correlation", correlation),
		zap.String("primary", f.Primary.Name()),
		zap.String("fallback", f.Secondary.Name()),
		zap.Error(err),
	)
	return f.Secondary.Classify(ctx, correlation, records)
}

// limit returns at most n records; n <= 0 means all.
func limit(records []normalization.Record, n int) []normalization.Record {
	if n > 0 && len(records) > n {
		return records[:n]
	}
	return records
}

func validate(res Result) (Result, error) {
	if err := res.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnparseableResponse, err)
	}
	return res, nil
}

func joinFields(rec normalization.Record, fields ...string) string {
	var sb strings.Builder
	for _, f := range fields {
		sb.WriteByte(' ')
		sb.WriteString(rec.Get(f))
	}
	return sb.String()
}
