// Package pipeline runs the corpus stages (normalize, classify, localize,
// package) sequentially and collects per-file failures into a Summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/corrforge/internal/classify"
	"github.com/lvonguyen/corrforge/internal/corpus"
	"github.com/lvonguyen/corrforge/internal/localization"
	"github.com/lvonguyen/corrforge/internal/mitre"
	"github.com/lvonguyen/corrforge/internal/normalization"
	"github.com/lvonguyen/corrforge/internal/observability"
	"github.com/lvonguyen/corrforge/internal/packaging"
	"github.com/lvonguyen/corrforge/internal/taxonomy"
)

// Stages
const (
	StageNormalize = "normalize"
	StageClassify  = "classify"
	StageLocalize  = "localize"
	StagePackage   = "package"
)

// Config controls stage behaviour.
type Config struct {
	// Languages to localize into.
	Languages []string

	// Overwrite regenerates existing answers.json and i18n files.
	Overwrite bool

	// PackageOutput is the archive written by Run. Empty skips packaging.
	PackageOutput string
}

// Pipeline runs the stages over one corpus store.
type Pipeline struct {
	store      *corpus.Store
	taxonomy   *taxonomy.Taxonomy
	normalizer *normalization.Normalizer
	classifier classify.Classifier
	localizer  localization.Localizer
	metrics    *observability.Metrics
	logger     *zap.Logger
	config     Config
	now        func() time.Time
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClassifier replaces the default heuristic classifier.
func WithClassifier(c classify.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithLocalizer replaces the default template localizer.
func WithLocalizer(l localization.Localizer) Option {
	return func(p *Pipeline) { p.localizer = l }
}

// WithMetrics records stage outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a pipeline. The taxonomy must already be loaded.
func New(store *corpus.Store, tax *taxonomy.Taxonomy, cfg Config, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = taxonomy.DefaultLanguages
	}

	p := &Pipeline{
		store:      store,
		taxonomy:   tax,
		normalizer: normalization.NewNormalizer(tax),
		logger:     logger,
		config:     cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.classifier == nil {
		p.classifier = classify.NewHeuristic(mitre.NewAttackFramework(logger), 5, logger)
	}
	if p.localizer == nil {
		p.localizer = localization.NewTemplateLocalizer(logger)
	}
	return p
}

// Normalize converts every events file to its norm_fields file.
func (p *Pipeline) Normalize(ctx context.Context) (*Summary, error) {
	s := p.begin()
	err := p.normalize(ctx, s)
	return p.end(s), err
}

// Classify writes answers.json for every correlation.
func (p *Pipeline) Classify(ctx context.Context) (*Summary, error) {
	s := p.begin()
	err := p.classify(ctx, s)
	return p.end(s), err
}

// Localize writes the i18n documents of every correlation.
func (p *Pipeline) Localize(ctx context.Context) (*Summary, error) {
	s := p.begin()
	err := p.localize(ctx, s)
	return p.end(s), err
}

// Package writes and verifies the archive at out.
func (p *Pipeline) Package(ctx context.Context, out string) (*Summary, error) {
	s := p.begin()
	err := p.pack(ctx, s, out)
	return p.end(s), err
}

// Run executes normalize, classify, localize and, when an output is
// configured, package. Per-file failures are recorded and the run goes on;
// only fatal errors stop it.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	s := p.begin()
	p.logger.Info("Run started",
		zap.String("run_id", s.RunID),
		zap.String("rules_dir", p.store.Root()),
		zap.String("classifier", p.classifier.Name()),
		zap.String("localizer", p.localizer.Name()),
	)

	stages := []func(context.Context, *Summary) error{p.normalize, p.classify, p.localize}
	if p.config.PackageOutput != "" {
		stages = append(stages, func(ctx context.Context, s *Summary) error {
			return p.pack(ctx, s, p.config.PackageOutput)
		})
	}
	for _, stage := range stages {
		if err := stage(ctx, s); err != nil {
			return p.end(s), err
		}
	}

	s = p.end(s)
	p.metrics.RecordRunEnd(p.now(), len(s.Failures))
	p.logger.Info("Run finished",
		zap.String("run_id", s.RunID),
		zap.Int("normalized", s.Normalized),
		zap.Int("records", s.Records),
		zap.Int("classified", s.Classified),
		zap.Int("localized", s.Localized),
		zap.Int("skipped", s.Skipped),
		zap.Int("failures", len(s.Failures)),
		zap.Duration("duration", s.Duration),
	)
	return s, nil
}

func (p *Pipeline) begin() *Summary {
	return &Summary{RunID: uuid.NewString(), StartedAt: p.now()}
}

func (p *Pipeline) end(s *Summary) *Summary {
	s.Duration = p.now().Sub(s.StartedAt)
	return s
}

// fail records a recoverable failure.
func (p *Pipeline) fail(s *Summary, stage, path string, err error) {
	s.Failures = append(s.Failures, Failure{Stage: stage, Path: path, Err: err})
	p.metrics.RecordFile(stage, "failed")
	p.logger.Warn("Stage failed for input",
		zap.String("run_id", s.RunID),
		zap.String("stage", stage),
		zap.String("path", path),
		zap.Error(err),
	)
}

func (p *Pipeline) skip(s *Summary, stage, path string) {
	s.Skipped++
	p.metrics.RecordFile(stage, "skipped")
	p.logger.Debug("Output exists, skipping",
		zap.String("stage", stage),
		zap.String("path", path),
	)
}

func (p *Pipeline) normalize(ctx context.Context, s *Summary) error {
	start := p.now()
	defer func() { p.metrics.RecordStage(StageNormalize, p.now().Sub(start)) }()

	corrs, err := p.store.Correlations()
	if err != nil {
		return err
	}

	for _, c := range corrs {
		files, err := c.EventFiles()
		if err != nil {
			p.fail(s, StageNormalize, c.Dir, err)
			continue
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := p.normalizeFile(f)
			if err != nil {
				p.fail(s, StageNormalize, f.Path, err)
				if rmErr := corpus.RemoveNormalized(f); rmErr != nil {
					p.logger.Warn("Could not remove stale output", zap.Error(rmErr))
				}
				continue
			}
			s.Normalized++
			s.Records += n
			p.metrics.RecordFile(StageNormalize, "ok")
			p.metrics.RecordRecords(n)
		}
	}
	return nil
}

func (p *Pipeline) normalizeFile(f corpus.FileRef) (int, error) {
	events, err := corpus.ReadEvents(f.Path)
	if err != nil {
		return 0, err
	}
	records, err := p.normalizer.NormalizeAll(events)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", f.Path, err)
	}
	if err := corpus.WriteRecords(f.NormPath(), records); err != nil {
		return 0, err
	}

	p.logger.Debug("Normalized",
		zap.String("file", f.Path),
		zap.String("output", f.NormPath()),
		zap.Int("records", len(records)),
	)
	return len(records), nil
}

func (p *Pipeline) classify(ctx context.Context, s *Summary) error {
	start := p.now()
	defer func() { p.metrics.RecordStage(StageClassify, p.now().Sub(start)) }()

	corrs, err := p.store.Correlations()
	if err != nil {
		return err
	}

	for _, c := range corrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.HasAnswers() && !p.config.Overwrite {
			p.skip(s, StageClassify, c.AnswersPath())
			continue
		}

		groups, err := c.ReadNormalized()
		if err != nil {
			p.fail(s, StageClassify, c.Dir, err)
			continue
		}
		records := corpus.Flatten(groups)
		if len(records) == 0 {
			p.logger.Warn("No normalized records, classifying without evidence",
				zap.String("correlation", c.Name),
			)
		}

		res, err := p.classifier.Classify(ctx, c.Name, records)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.fail(s, StageClassify, c.Dir, err)
			continue
		}
		if err := c.WriteAnswers(res.Classification); err != nil {
			p.fail(s, StageClassify, c.AnswersPath(), err)
			continue
		}

		s.Classified++
		p.metrics.RecordFile(StageClassify, "ok")
		p.metrics.RecordClassification(res.Source, res.Tactic)
		p.logger.Info("Classified",
			zap.String("correlation", c.Name),
			zap.String("tactic", res.Tactic),
			zap.String("technique", res.Technique),
			zap.String("importance", string(res.Importance)),
			zap.String("source", res.Source),
		)
	}
	return nil
}

func (p *Pipeline) localize(ctx context.Context, s *Summary) error {
	start := p.now()
	defer func() { p.metrics.RecordStage(StageLocalize, p.now().Sub(start)) }()

	corrs, err := p.store.Correlations()
	if err != nil {
		return err
	}

	for _, c := range corrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.HasLocalization(p.config.Languages...) && !p.config.Overwrite {
			p.skip(s, StageLocalize, c.LocalizationPath(p.config.Languages[0]))
			continue
		}

		cls, err := c.ReadAnswers()
		if err != nil {
			p.fail(s, StageLocalize, c.AnswersPath(), err)
			continue
		}
		groups, err := c.ReadNormalized()
		if err != nil {
			p.fail(s, StageLocalize, c.Dir, err)
			continue
		}

		docs, err := p.localizer.Localize(ctx, localization.Input{
			Correlation:    c.Name,
			Classification: cls,
			Records:        corpus.Flatten(groups),
		}, p.config.Languages)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.fail(s, StageLocalize, c.Dir, err)
			continue
		}

		for _, lang := range p.config.Languages {
			if err := p.writeDocument(c, lang, docs[lang]); err != nil {
				p.fail(s, StageLocalize, c.LocalizationPath(lang), err)
				continue
			}
			s.Localized++
			p.metrics.RecordFile(StageLocalize, "ok")
			p.metrics.RecordLocalization(p.localizer.Name(), lang)
		}
	}
	return nil
}

func (p *Pipeline) writeDocument(c corpus.Correlation, lang string, doc *localization.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: no %s document produced", localization.ErrInvalidDocument, lang)
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	if unknown := localization.UnknownPlaceholders(doc, p.taxonomy); len(unknown) > 0 {
		p.logger.Warn("Localization references unknown fields",
			zap.String("correlation", c.Name),
			zap.String("language", lang),
			zap.Strings("placeholders", unknown),
		)
	}

	data, err := localization.Marshal(doc)
	if err != nil {
		return err
	}
	return c.WriteLocalization(lang, data)
}

func (p *Pipeline) pack(ctx context.Context, s *Summary, out string) error {
	start := p.now()
	defer func() { p.metrics.RecordStage(StagePackage, p.now().Sub(start)) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	pkg := packaging.New(p.store, p.logger)
	res, err := pkg.Archive(out)
	if err != nil {
		return err
	}
	s.Archive = res.Path
	s.Packaged = len(res.Entries)

	required, err := pkg.Required(p.config.Languages)
	if err != nil {
		return err
	}
	missing, err := packaging.Verify(out, required)
	if err != nil {
		return err
	}
	for _, name := range missing {
		p.fail(s, StagePackage, name, packaging.ErrMissingEntry)
	}
	return nil
}

// Failure is one recoverable per-input error.
type Failure struct {
	Stage string
	Path  string
	Err   error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Stage, f.Path, f.Err)
}

// Unwrap exposes the cause to errors.Is.
func (f Failure) Unwrap() error {
	return f.Err
}

// Summary reports what a run did.
type Summary struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration

	Normalized int // events files written
	Records    int // normalized records written
	Classified int
	Localized  int // documents written
	Skipped    int
	Packaged   int // archive entries
	Archive    string

	Failures []Failure
}

// Err joins all failures, nil when there are none.
func (s *Summary) Err() error {
	errs := make([]error, len(s.Failures))
	for i, f := range s.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
