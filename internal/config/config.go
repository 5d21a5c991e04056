// Package config provides configuration management for CorrForge.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/corrforge/internal/classify"
	"github.com/lvonguyen/corrforge/internal/llm"
	"github.com/lvonguyen/corrforge/internal/localization"
	"github.com/lvonguyen/corrforge/internal/ratelimit"
	"github.com/lvonguyen/corrforge/internal/repository"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all CorrForge configuration.
type Config struct {
	Corpus     CorpusConfig     `yaml:"corpus"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Localizer  LocalizerConfig  `yaml:"localizer"`
	LLM        llm.Config       `yaml:"llm"`
	RateLimit  ratelimit.Config `yaml:"rate_limit"`
	Redis      RedisConfig      `yaml:"redis"`
	Package    PackageConfig    `yaml:"package"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// CorpusConfig locates the rules and the field taxonomy.
type CorpusConfig struct {
	RulesDir    string   `yaml:"rules_dir"`
	TaxonomyDir string   `yaml:"taxonomy_dir"`
	Languages   []string `yaml:"languages"`

	// Remote is the git source used by the fetch command.
	Remote repository.Source `yaml:",inline"`
}

// ClassifierConfig selects the classification strategy.
type ClassifierConfig struct {
	Mode      string `yaml:"mode"` // heuristic, llm, llm+heuristic
	MaxEvents int    `yaml:"max_events"`
}

// LocalizerConfig selects the localization strategy.
type LocalizerConfig struct {
	Mode      string `yaml:"mode"` // template, llm, llm+template
	MaxEvents int    `yaml:"max_events"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis
// and rate limiting stays in-process.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// PackageConfig holds archive settings.
type PackageConfig struct {
	Output string `yaml:"output"`
}

// PipelineConfig holds run behaviour.
type PipelineConfig struct {
	// Overwrite regenerates answers.json and i18n files that already exist.
	Overwrite bool `yaml:"overwrite"`

	// Strict makes per-file failures fail the run.
	Strict bool `yaml:"strict"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Textfile string `yaml:"textfile"`
}

// Load reads configuration from a YAML file over DefaultConfig. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Corpus: CorpusConfig{
			RulesDir:    "windows_correlation_rules",
			TaxonomyDir: "taxonomy_fields",
			Languages:   []string{"en", "ru"},
			Remote: repository.Source{
				Dir:    "corpus",
				Branch: "main",
				Depth:  1,
			},
		},
		Classifier: ClassifierConfig{
			Mode:      classify.ModeHeuristic,
			MaxEvents: 5,
		},
		Localizer: LocalizerConfig{
			Mode:      localization.ModeTemplate,
			MaxEvents: 5,
		},
		// Model, key env and base URL default per provider when the client
		// is built.
		LLM: llm.Config{
			Provider:    llm.ProviderAnthropic,
			Timeout:     60 * time.Second,
			MaxTokens:   4096,
			Temperature: 0.3,
			Retries:     1,
			RetryDelay:  10 * time.Second,
		},
		RateLimit: ratelimit.Config{
			RequestsPerMinute: 15,
			Providers: map[string]int{
				llm.ProviderAnthropic: 50,
				llm.ProviderGitHub:    15,
				llm.ProviderOllama:    0,
			},
		},
		Redis: RedisConfig{
			PasswordEnv: "REDIS_PASSWORD",
			DialTimeout: 2 * time.Second,
		},
		Package: PackageConfig{
			Output: "windows_correlation_rules.zip",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

// UsesLLM reports whether any stage calls a language model.
func (c *Config) UsesLLM() bool {
	return c.Classifier.Mode != classify.ModeHeuristic || c.Localizer.Mode != localization.ModeTemplate
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Corpus.RulesDir) == "" {
		errs = append(errs, errors.New("corpus.rules_dir is required"))
	}
	if strings.TrimSpace(c.Corpus.TaxonomyDir) == "" {
		errs = append(errs, errors.New("corpus.taxonomy_dir is required"))
	}
	if len(c.Corpus.Languages) == 0 {
		errs = append(errs, errors.New("corpus.languages must not be empty"))
	}

	switch c.Classifier.Mode {
	case classify.ModeHeuristic, classify.ModeLLM, classify.ModeLLMHeuristic:
	default:
		errs = append(errs, fmt.Errorf("classifier.mode %q is not one of heuristic, llm, llm+heuristic", c.Classifier.Mode))
	}
	switch c.Localizer.Mode {
	case localization.ModeTemplate, localization.ModeLLM, localization.ModeLLMTemplate:
	default:
		errs = append(errs, fmt.Errorf("localizer.mode %q is not one of template, llm, llm+template", c.Localizer.Mode))
	}
	if c.UsesLLM() {
		if err := c.LLM.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_minute must not be negative"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of json, console", c.Logging.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Textfile == "" {
		errs = append(errs, errors.New("metrics.textfile is required when metrics are enabled"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
