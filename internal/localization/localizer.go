package localization

import (
	"context"

	"go.uber.org/zap"

	"github.com/lvonguyen/corrforge/internal/mitre"
	"github.com/lvonguyen/corrforge/internal/normalization"
)

// Localization modes
const (
	ModeTemplate    = "template"
	ModeLLM         = "llm"
	ModeLLMTemplate = "llm+template"
)

// Input is everything a localizer knows about a correlation.
type Input struct {
	Correlation    string
	Classification mitre.Classification
	Records        []normalization.Record
}

// Localizer produces one document per requested language.
type Localizer interface {
	Name() string
	Localize(ctx context.Context, in Input, languages []string) (map[string]*Document, error)
}

// Fallback tries Primary and answers with Secondary when it fails.
type Fallback struct {
	Primary   Localizer
	Secondary Localizer
	logger    *zap.Logger
}

// NewFallback creates a fallback chain.
func NewFallback(primary, secondary Localizer, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{Primary: primary, Secondary: secondary, logger: logger}
}

// Name returns the chain name, e.g. "llm+template".
func (f *Fallback) Name() string {
	return f.Primary.Name() + "+" + f.Secondary.Name()
}

// Localize implements Localizer.
func (f *Fallback) Localize(ctx context.Context, in Input, languages []string) (map[string]*Document, error) {
	docs, err := f.Primary.Localize(ctx, in, languages)
	if err == nil {
		return docs, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	f.logger.Warn("Primary localizer failed, falling back",
		zap.String("correlation", in.Correlation),
		zap.String("primary", f.Primary.Name()),
		zap.String("fallback", f.Secondary.Name()),
		zap.Error(err),
	)
	return f.Secondary.Localize(ctx, in, languages)
}
