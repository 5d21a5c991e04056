package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/corrforge/internal/llm"
	"github.com/lvonguyen/corrforge/internal/mitre"
	"github.com/lvonguyen/corrforge/internal/normalization"
)

// Completer sends one prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// LLM classifies by prompting a language model with the normalized events.
type LLM struct {
	completer Completer
	framework *mitre.AttackFramework
	logger    *zap.Logger
	maxEvents int
}

// NewLLM creates an LLM classifier that sends at most maxEvents records per
// correlation (all when maxEvents <= 0).
func NewLLM(c Completer, af *mitre.AttackFramework, maxEvents int, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{completer: c, framework: af, logger: logger, maxEvents: maxEvents}
}

// Name implements Classifier.
func (l *LLM) Name() string {
	return ModeLLM
}

const classifySystemPrompt = `You are a cybersecurity expert specializing in MITRE ATT&CK framework and SIEM correlation rules.
Your task is to analyze Windows security events and classify them according to MITRE ATT&CK tactics and techniques.

Guidelines:
1. Use exact tactic and technique names from https://attack.mitre.org/
2. If a sub-technique applies, use format: "Main Technique: Sub-Technique"
3. Importance levels: low, medium, high (based on potential impact and severity)
4. Focus on the primary attack behavior demonstrated by the event sequence

Output must be valid JSON only, no additional text.`

// Classify implements Classifier. A reply without a usable JSON object fails
// with ErrUnparseableResponse.
func (l *LLM) Classify(ctx context.Context, correlation string, records []normalization.Record) (Result, error) {
	text, err := l.completer.Complete(ctx, llm.Request{
		System: classifySystemPrompt,
		Prompt: BuildPrompt(limit(records, l.maxEvents)),
	})
	if err != nil {
		return Result{}, fmt.Errorf("classifying %s: %w", correlation, err)
	}

	cls, err := ParseResponse(text)
	if err != nil {
		l.logger.Debug("Unparseable classifier reply",
			zap.String("correlation", correlation),
			zap.String("reply", text),
		)
		return Result{}, fmt.Errorf("classifying %s: %w", correlation, err)
	}

	return validate(Result{
		Classification: l.framework.Canonicalize(cls),
		Source:         ModeLLM,
	})
}

// BuildPrompt renders the user prompt listing every field of every record.
func BuildPrompt(records []normalization.Record) string {
	var sb strings.Builder
	sb.WriteString(`Analyze the following normalized Windows security events and determine:
1. MITRE ATT&CK Tactic (e.g., "Credential Access", "Defense Evasion")
2. MITRE ATT&CK Technique (e.g., "OS Credential Dumping", "Obfuscated Files or Information")
3. Importance level (low, medium, or high)

Events:
`)
	for i, rec := range records {
		fmt.Fprintf(&sb, "Event %d:\n", i+1)
		for _, key := range rec.Keys() {
			fmt.Fprintf(&sb, "  %s: %s\n", key, rec[key])
		}
		sb.WriteByte('\n')
	}
	sb.WriteString(`Output format (JSON only):
{"tactic": "Tactic Name", "technique": "Main Technique: Sub-Technique Name", "importance": "high"}

JSON output:`)
	return sb.String()
}

// ParseResponse extracts the classification JSON from a model reply. Code
// fences and surrounding prose are tolerated; an array yields its first
// element.
func ParseResponse(text string) (mitre.Classification, error) {
	var cls mitre.Classification

	raw := extractJSON(text)
	if raw == "" {
		return cls, fmt.Errorf("%w: no JSON found", ErrUnparseableResponse)
	}

	var fields map[string]any
	if strings.HasPrefix(raw, "[") {
		var arr []map[string]any
		if err := json.Unmarshal([]byte(raw), &arr); err != nil || len(arr) == 0 {
			return cls, fmt.Errorf("%w: invalid JSON array", ErrUnparseableResponse)
		}
		fields = arr[0]
	} else if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return cls, fmt.Errorf("%w: %v", ErrUnparseableResponse, err)
	}

	cls.Tactic = stringField(fields, "tactic")
	cls.Technique = stringField(fields, "technique")
	cls.Importance = mitre.ParseImportance(stringField(fields, "importance"))
	if cls.Tactic == "" || cls.Technique == "" {
		return cls, fmt.Errorf("%w: missing tactic or technique", ErrUnparseableResponse)
	}
	return cls, nil
}

func stringField(m map[string]any, key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// extractJSON returns the JSON payload of a reply: the body of a ```json
// fence if present, otherwise the span from the first '{' or '[' to the
// matching last '}' or ']'.
func extractJSON(text string) string {
	text = strings.TrimSpace(llm.StripCodeFence(text))

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end < start {
		return ""
	}
	return text[start : end+1]
}
