package classify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/corrforge/internal/llm"
	"github.com/lvonguyen/corrforge/internal/mitre"
	"github.com/lvonguyen/corrforge/internal/normalization"
)

type stubCompleter struct {
	reply string
	err   error
	reqs  []llm.Request
}

func (s *stubCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	s.reqs = append(s.reqs, req)
	return s.reply, s.err
}

func framework(t *testing.T) *mitre.AttackFramework {
	return mitre.NewAttackFramework(zaptest.NewLogger(t))
}

// =============================================================================
// Heuristic Tests
// =============================================================================

func TestHeuristic_CommandPattern(t *testing.T) {
	h := NewHeuristic(framework(t), 5, zaptest.NewLogger(t))

	res, err := h.Classify(context.Background(), "correlation_1", []normalization.Record{
		{"event_src.id": "1", "subject.process.name": "procdump.exe", "subject.process.cmdline": "procdump.exe -ma lsass.exe out.dmp"},
	})
	require.NoError(t, err)
	assert.Equal(t, mitre.Classification{
		Tactic:     "Credential Access",
		Technique:  "OS Credential Dumping: LSASS Memory",
		Importance: mitre.ImportanceHigh,
	}, res.Classification)
	assert.Equal(t, ModeHeuristic, res.Source)
	assert.Contains(t, res.Evidence, "procdump")
}

func TestHeuristic_ParentCommandLine(t *testing.T) {
	h := NewHeuristic(framework(t), 0, nil)

	res, err := h.Classify(context.Background(), "c", []normalization.Record{
		{"event_src.id": "1", "subject.process.name": "notepad.exe", "subject.process.parent.cmdline": "vssadmin delete shadows /all"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Impact", res.Tactic)
}

func TestHeuristic_EventIDFallback(t *testing.T) {
	h := NewHeuristic(framework(t), 5, nil)

	res, err := h.Classify(context.Background(), "c", []normalization.Record{
		{"event_src.id": "4625", "object.account.name": "administrator"},
		{"event_src.id": "4624"},
	})
	require.NoError(t, err)
	assert.Equal(t, mitre.Classification{
		Tactic:     "Credential Access",
		Technique:  "Brute Force",
		Importance: mitre.ImportanceMedium,
	}, res.Classification, "first event ID seen wins")
}

func TestHeuristic_Defaults(t *testing.T) {
	h := NewHeuristic(framework(t), 5, nil)

	res, err := h.Classify(context.Background(), "c", []normalization.Record{
		{"event_src.id": "9999", "subject.process.cmdline": "powershell -nop get-date"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Command and Scripting Interpreter: PowerShell", res.Technique)

	res, err = h.Classify(context.Background(), "c", []normalization.Record{{"event_src.id": "9999"}})
	require.NoError(t, err)
	assert.Equal(t, mitre.Classification{
		Tactic:     "Execution",
		Technique:  "Command and Scripting Interpreter",
		Importance: mitre.ImportanceMedium,
	}, res.Classification)

	res, err = h.Classify(context.Background(), "c", nil)
	require.NoError(t, err)
	assert.Equal(t, "Command and Scripting Interpreter", res.Technique)
}

func TestHeuristic_MaxEvents(t *testing.T) {
	h := NewHeuristic(framework(t), 1, nil)

	res, err := h.Classify(context.Background(), "c", []normalization.Record{
		{"event_src.id": "9999"},
		{"subject.process.cmdline": "mimikatz.exe sekurlsa::logonpasswords"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, "Credential Access", res.Tactic, "records past the limit are ignored")
}

// =============================================================================
// LLM Tests
// =============================================================================

func TestLLM_Classify(t *testing.T) {
	stub := &stubCompleter{reply: "Sure! Here you go:\n```json\n{\"tactic\": \"credential-access\", \"technique\": \"T1003.001\", \"importance\": \"critical\"}\n```"}
	c := NewLLM(stub, framework(t), 5, zaptest.NewLogger(t))

	records := []normalization.Record{
		{"event_src.id": "10", "object.process.name": "lsass.exe"},
	}
	res, err := c.Classify(context.Background(), "correlation_3", records)
	require.NoError(t, err)

	assert.Equal(t, mitre.Classification{
		Tactic:     "Credential Access",
		Technique:  "OS Credential Dumping: LSASS Memory",
		Importance: mitre.ImportanceHigh,
	}, res.Classification)
	assert.Equal(t, ModeLLM, res.Source)

	require.Len(t, stub.reqs, 1)
	assert.Equal(t, classifySystemPrompt, stub.reqs[0].System)
	assert.Contains(t, stub.reqs[0].Prompt, "object.process.name: lsass.exe")
}

func TestLLM_Errors(t *testing.T) {
	c := NewLLM(&stubCompleter{reply: "I cannot help with that."}, framework(t), 5, nil)
	_, err := c.Classify(context.Background(), "c", nil)
	assert.True(t, errors.Is(err, ErrUnparseableResponse))

	c = NewLLM(&stubCompleter{err: llm.ErrRateLimited}, framework(t), 5, nil)
	_, err = c.Classify(context.Background(), "c", nil)
	assert.True(t, errors.Is(err, llm.ErrRateLimited))
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  mitre.Classification
	}{
		{
			name:  "bare object",
			reply: `{"tactic": "Discovery", "technique": "Account Discovery", "importance": "low"}`,
			want:  mitre.Classification{Tactic: "Discovery", Technique: "Account Discovery", Importance: mitre.ImportanceLow},
		},
		{
			name:  "array takes first",
			reply: `[{"tactic": "Impact", "technique": "Inhibit System Recovery", "importance": "HIGH"}, {"tactic": "x", "technique": "y"}]`,
			want:  mitre.Classification{Tactic: "Impact", Technique: "Inhibit System Recovery", Importance: mitre.ImportanceHigh},
		},
		{
			name:  "plain fence with prose",
			reply: "Result:\n```\n{\"Tactic\": \"Execution\", \"Technique\": \"PowerShell\"}\n```\nHope this helps.",
			want:  mitre.Classification{Tactic: "Execution", Technique: "PowerShell", Importance: mitre.ImportanceMedium},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse(tt.reply)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseResponse_Rejects(t *testing.T) {
	for _, reply := range []string{
		"",
		"no json here",
		`{"tactic": "Execution"}`,
		`{"tactic": 5, "technique": 6}`,
		`[]`,
		`{broken`,
	} {
		_, err := ParseResponse(reply)
		assert.True(t, errors.Is(err, ErrUnparseableResponse), "reply %q: %v", reply, err)
	}
}

func TestBuildPrompt_SortedFields(t *testing.T) {
	prompt := BuildPrompt([]normalization.Record{{"b": "2", "a": "1"}})
	assert.Less(t, strings.Index(prompt, "  a: 1"), strings.Index(prompt, "  b: 2"))
	assert.Contains(t, prompt, "Event 1:")
}

// =============================================================================
// Fallback Tests
// =============================================================================

func TestFallback(t *testing.T) {
	af := framework(t)
	records := []normalization.Record{{"event_src.id": "4720"}}

	broken := NewLLM(&stubCompleter{reply: "nope"}, af, 5, nil)
	f := NewFallback(broken, NewHeuristic(af, 5, nil), zaptest.NewLogger(t))
	assert.Equal(t, ModeLLMHeuristic, f.Name())

	res, err := f.Classify(context.Background(), "c", records)
	require.NoError(t, err)
	assert.Equal(t, ModeHeuristic, res.Source)
	assert.Equal(t, "Create Account", res.Technique)

	working := NewLLM(&stubCompleter{reply: `{"tactic":"Persistence","technique":"Create Account: Local Account","importance":"high"}`}, af, 5, nil)
	f = NewFallback(working, NewHeuristic(af, 5, nil), nil)
	res, err = f.Classify(context.Background(), "c", records)
	require.NoError(t, err)
	assert.Equal(t, ModeLLM, res.Source)
	assert.Equal(t, "Create Account: Local Account", res.Technique)
}

func TestFallback_ContextCancelled(t *testing.T) {
	af := framework(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewFallback(NewLLM(&stubCompleter{err: context.Canceled}, af, 5, nil), NewHeuristic(af, 5, nil), nil)
	_, err := f.Classify(ctx, "c", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
