package localization

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/corrforge/internal/llm"
	"github.com/lvonguyen/corrforge/internal/normalization"
)

// Completer sends one prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// summaryFields are the record fields shown to the model.
var summaryFields = []string{
	"event_src.id",
	"event_src.hostname",
	"subject.account.name",
	"subject.process.name",
	"subject.process.cmdline",
	"object.process.name",
	"object.account.name",
	"object.path",
	"object.endpoint.ip",
	"object.endpoint.port",
}

type languagePrompt struct {
	name    string
	system  string
	example string
	labels  [3]string
}

var languagePrompts = map[string]languagePrompt{
	"en": {
		name: "English",
		system: `You are a technical writer for a SIEM system, creating localization files for security correlation rules.
Your output must be valid YAML following the exact format shown in examples.
Write in clear, technical English suitable for SOC analysts.`,
		example: `Description: The rule detects suspicious activity
EventDescriptions:
    - LocalizationId: corrname_Example
      EventDescription: User {subject.account.name} performed action on host {event_src.hostname}`,
		labels: [3]string{"Tactic", "Technique", "Importance"},
	},
	"ru": {
		name: "Russian",
		system: `You are a technical writer for a SIEM system, creating Russian localization files for security correlation rules.
Your output must be valid YAML following the exact format shown in examples.
Write in clear, technical Russian suitable for SOC analysts.`,
		example: `Description: Правило обнаруживает подозрительную активность
EventDescriptions:
    - LocalizationId: corrname_Example
      EventDescription: Пользователь {subject.account.name} выполнил действие на узле {event_src.hostname}`,
		labels: [3]string{"Тактика", "Техника", "Важность"},
	},
}

func promptFor(lang string) languagePrompt {
	if p, ok := languagePrompts[lang]; ok {
		return p
	}
	p := languagePrompts["en"]
	p.name = lang
	p.system = strings.Replace(p.system, "English", lang, 1)
	p.system = strings.Replace(p.system, "creating localization", "creating "+lang+" localization", 1)
	return p
}

// LLMLocalizer asks a language model for each document.
type LLMLocalizer struct {
	completer Completer
	logger    *zap.Logger
	maxEvents int
}

// NewLLMLocalizer creates an LLMLocalizer that shows the model at most
// maxEvents records (all when maxEvents <= 0).
func NewLLMLocalizer(c Completer, maxEvents int, logger *zap.Logger) *LLMLocalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMLocalizer{completer: c, logger: logger, maxEvents: maxEvents}
}

// Name implements Localizer.
func (l *LLMLocalizer) Name() string {
	return ModeLLM
}

// Localize implements Localizer. Languages are generated in order and every
// later document takes the LocalizationIds of the first one.
func (l *LLMLocalizer) Localize(ctx context.Context, in Input, languages []string) (map[string]*Document, error) {
	docs := make(map[string]*Document, len(languages))
	var first *Document

	for _, lang := range languages {
		text, err := l.completer.Complete(ctx, l.request(in, lang))
		if err != nil {
			return nil, fmt.Errorf("localizing %s (%s): %w", in.Correlation, lang, err)
		}

		doc, err := Parse([]byte(strings.TrimSpace(llm.StripCodeFence(text))), in.Correlation)
		if err != nil {
			l.logger.Debug("Unusable localization reply",
				zap.String("correlation", in.Correlation),
				zap.String("language", lang),
				zap.String("reply", text),
			)
			return nil, fmt.Errorf("localizing %s (%s): %w", in.Correlation, lang, err)
		}

		if first == nil {
			first = doc
		} else {
			AlignIDs(doc, first)
		}
		docs[lang] = doc
	}
	return docs, nil
}

func (l *LLMLocalizer) request(in Input, lang string) llm.Request {
	p := promptFor(lang)
	cls := in.Classification

	var sb strings.Builder
	fmt.Fprintf(&sb, "Generate a %s localization file (i18n_%s.yaml) for a security correlation rule.\n\n", p.name, lang)
	sb.WriteString("MITRE ATT&CK Classification:\n")
	fmt.Fprintf(&sb, "- %s: %s\n- %s: %s\n- %s: %s\n\n",
		p.labels[0], cls.Tactic, p.labels[1], cls.Technique, p.labels[2], cls.Importance)
	sb.WriteString("Event Information:\n")
	sb.WriteString(summarize(limitRecords(in.Records, l.maxEvents)))
	fmt.Fprintf(&sb, "\nExample format (study the structure):\n```yaml\n%s\n```\n\n", p.example)
	fmt.Fprintf(&sb, `Generate a localization file with:
1. Description: Brief explanation in %s of what the rule detects (1-2 sentences)
2. EventDescriptions: List of event descriptions with LocalizationId and EventDescription
   - Use placeholders like {subject.account.name}, {event_src.hostname}, {subject.process.cmdline}, etc.
   - Create 1-2 event descriptions depending on event complexity
   - Use LocalizationId %s for the first event description

Output YAML only, no code blocks or explanations:`, p.name, LocalizationID(in.Correlation, 0))

	return llm.Request{System: p.system, Prompt: sb.String()}
}

func summarize(records []normalization.Record) string {
	var sb strings.Builder
	for i, rec := range records {
		fmt.Fprintf(&sb, "Event %d key fields:\n", i+1)
		for _, key := range summaryFields {
			if v := rec.Get(key); v != "" {
				fmt.Fprintf(&sb, "  %s: %s\n", key, v)
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func limitRecords(records []normalization.Record, n int) []normalization.Record {
	if n > 0 && len(records) > n {
		return records[:n]
	}
	return records
}
