package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/corrforge/internal/classify"
	"github.com/lvonguyen/corrforge/internal/config"
	"github.com/lvonguyen/corrforge/internal/corpus"
	"github.com/lvonguyen/corrforge/internal/llm"
	"github.com/lvonguyen/corrforge/internal/localization"
	"github.com/lvonguyen/corrforge/internal/mitre"
	"github.com/lvonguyen/corrforge/internal/observability"
	"github.com/lvonguyen/corrforge/internal/pipeline"
	"github.com/lvonguyen/corrforge/internal/ratelimit"
	"github.com/lvonguyen/corrforge/internal/taxonomy"
)

// ErrRunFailures is returned in strict mode when a run recorded failures.
var ErrRunFailures = errors.New("run finished with failures")

// app holds the state shared by all commands of one invocation.
type app struct {
	flags globalFlags
	cfg   *config.Config
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}

	if a.flags.rulesDir != "" {
		cfg.Corpus.RulesDir = a.flags.rulesDir
	}
	if a.flags.taxonomyDir != "" {
		cfg.Corpus.TaxonomyDir = a.flags.taxonomyDir
	}
	if a.flags.logLevel != "" {
		cfg.Logging.Level = a.flags.logLevel
	}
	if a.flags.strict {
		cfg.Pipeline.Strict = true
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) telemetry() (*observability.Telemetry, error) {
	return observability.New(observability.Config{
		ServiceName:     "corrforge",
		ServiceVersion:  Version,
		LogLevel:        a.cfg.Logging.Level,
		LogFormat:       a.cfg.Logging.Format,
		MetricsEnabled:  a.cfg.Metrics.Enabled,
		MetricsTextfile: a.cfg.Metrics.Textfile,
	})
}

// stageFunc runs one or more pipeline stages. Its shape matches the method
// expressions (*pipeline.Pipeline).Normalize and friends.
type stageFunc func(p *pipeline.Pipeline, ctx context.Context) (*pipeline.Summary, error)

// runPipeline wires every dependency, runs fn and reports the summary. The
// taxonomy failing to load is fatal.
func (a *app) runPipeline(ctx context.Context, out io.Writer, packageOutput string, fn stageFunc) error {
	tel, err := a.telemetry()
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(); err != nil {
			tel.Logger().Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	logger := tel.Logger()

	tax, err := taxonomy.Load(a.cfg.Corpus.TaxonomyDir, a.cfg.Corpus.Languages...)
	if err != nil {
		return err
	}
	logger.Debug("Taxonomy loaded",
		zap.String("dir", a.cfg.Corpus.TaxonomyDir),
		zap.Int("fields", tax.Len()),
	)

	var client *llm.Client
	if a.cfg.UsesLLM() {
		var closeRedis func()
		client, closeRedis, err = a.llmClient(ctx, tel)
		if err != nil {
			return err
		}
		defer closeRedis()
	}

	p := pipeline.New(corpus.NewStore(a.cfg.Corpus.RulesDir), tax, pipeline.Config{
		Languages:     a.cfg.Corpus.Languages,
		Overwrite:     a.cfg.Pipeline.Overwrite,
		PackageOutput: packageOutput,
	}, logger,
		pipeline.WithMetrics(tel.Metrics()),
		pipeline.WithClassifier(a.classifier(client, logger)),
		pipeline.WithLocalizer(a.localizer(client, logger)),
	)

	s, err := fn(p, ctx)
	if s != nil {
		printSummary(out, s)
	}
	if err != nil {
		return err
	}
	if a.cfg.Pipeline.Strict && len(s.Failures) > 0 {
		return fmt.Errorf("%w: %w", ErrRunFailures, s.Err())
	}
	return nil
}

// llmClient builds the model client behind a rate limiter. The limiter shares
// its window through Redis when Redis is configured and answers a ping;
// otherwise the window stays in process. The returned func closes Redis.
func (a *app) llmClient(ctx context.Context, tel *observability.Telemetry) (*llm.Client, func(), error) {
	logger := tel.Logger()
	rdb := a.redisClient(ctx, logger)
	closeRedis := func() {
		if rdb != nil {
			_ = rdb.Close()
		}
	}

	limiter := ratelimit.New(rdb, a.cfg.RateLimit, logger)
	client, err := llm.NewClient(a.cfg.LLM, limiter, logger, llm.WithMetrics(tel.Metrics()))
	if err != nil {
		closeRedis()
		return nil, nil, err
	}
	logger.Info("LLM client ready",
		zap.String("provider", client.Provider()),
		zap.String("model", client.Model()),
		zap.Int("requests_per_minute", limiter.Limit(client.Provider())),
	)
	return client, closeRedis, nil
}

func (a *app) redisClient(ctx context.Context, logger *zap.Logger) *redis.Client {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return nil
	}

	var password string
	if rc.PasswordEnv != "" {
		password = os.Getenv(rc.PasswordEnv)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        rc.Addr,
		Password:    password,
		DB:          rc.DB,
		DialTimeout: rc.DialTimeout,
	})

	timeout := rc.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable, rate limiting in process",
			zap.String("addr", rc.Addr),
			zap.Error(err),
		)
		_ = rdb.Close()
		return nil
	}
	return rdb
}

// classifier builds the configured classifier. client is nil in heuristic
// mode.
func (a *app) classifier(client *llm.Client, logger *zap.Logger) classify.Classifier {
	af := mitre.NewAttackFramework(logger)
	maxEvents := a.cfg.Classifier.MaxEvents
	heuristic := classify.NewHeuristic(af, maxEvents, logger)

	switch a.cfg.Classifier.Mode {
	case classify.ModeLLM:
		return classify.NewLLM(client, af, maxEvents, logger)
	case classify.ModeLLMHeuristic:
		return classify.NewFallback(classify.NewLLM(client, af, maxEvents, logger), heuristic, logger)
	default:
		return heuristic
	}
}

// localizer builds the configured localizer. client is nil in template mode.
func (a *app) localizer(client *llm.Client, logger *zap.Logger) localization.Localizer {
	template := localization.NewTemplateLocalizer(logger)
	maxEvents := a.cfg.Localizer.MaxEvents

	switch a.cfg.Localizer.Mode {
	case localization.ModeLLM:
		return localization.NewLLMLocalizer(client, maxEvents, logger)
	case localization.ModeLLMTemplate:
		return localization.NewFallback(localization.NewLLMLocalizer(client, maxEvents, logger), template, logger)
	default:
		return template
	}
}
