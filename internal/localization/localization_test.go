package localization

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
	"github.com/lvonguyen/corrforge/internal/taxonomy"
)

var (
	processRecord = normalization.Record{
		"event_src.id":            "1",
		"event_src.hostname":      "ws01",
		"subject.account.name":    "alice",
		"subject.process.name":    "vssadmin.exe",
		"subject.process.cmdline": "vssadmin delete shadows /all",
	}
	logonRecord = normalization.Record{
		"event_src.id":        "4625",
		"object.account.name": "administrator",
		"src.ip":              "10.0.0.5",
	}
)

// =============================================================================
// Document Tests
// =============================================================================

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(`Description: '  The rule detects things '
EventDescriptions:
    - LocalizationId: corrname_x
      EventDescription: User {subject.account.name} did it
    - EventDescription: second
`), "correlation_4")
	require.NoError(t, err)

	assert.Equal(t, "The rule detects things", doc.Description)
	require.Len(t, doc.EventDescriptions, 2)
	assert.Equal(t, "corrname_x", doc.EventDescriptions[0].LocalizationID)
	assert.Equal(t, "corrname_correlation_4_2", doc.EventDescriptions[1].LocalizationID)
}

func TestParse_Invalid(t *testing.T) {
	for name, data := range map[string]string{
		"not yaml":       "Description: [unclosed",
		"no description": "EventDescriptions:\n  - EventDescription: x\n",
		"no events":      "Description: x\n",
		"empty event":    "Description: x\nEventDescriptions:\n  - LocalizationId: a\n    EventDescription: ''\n",
		"wrong type":     "Description: x\nEventDescriptions: 5\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data), "correlation_1")
			assert.True(t, errors.Is(err, ErrInvalidDocument), "got %v", err)
		})
	}
}

func TestMarshal_FourSpaceIndent(t *testing.T) {
	data, err := Marshal(&Document{
		Description: "The rule detects account creation",
		EventDescriptions: []EventDescription{
			{LocalizationID: "corrname_correlation_1", EventDescription: "Account created"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, `Description: The rule detects account creation
EventDescriptions:
    - LocalizationId: corrname_correlation_1
      EventDescription: Account created
`, string(data))
}

func TestMarshal_RoundTripsPlaceholders(t *testing.T) {
	in := &Document{
		Description: "Правило обнаруживает активность",
		EventDescriptions: []EventDescription{
			{LocalizationID: "corrname_correlation_2", EventDescription: "{subject.process.name}: запущен с командой {subject.process.cmdline}"},
		},
	}
	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := Parse(data, "correlation_2")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLocalizationID(t *testing.T) {
	assert.Equal(t, "corrname_correlation_7", LocalizationID("correlation_7", 0))
	assert.Equal(t, "corrname_correlation_7_2", LocalizationID("correlation_7", 1))
	assert.Equal(t, "corrname_correlation_7_3", LocalizationID("correlation_7", 2))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t,
		[]string{"subject.account.name", "event_src.hostname"},
		Placeholders("User {subject.account.name} on { event_src.hostname } as {subject.account.name}, {not a field}"))
	assert.Empty(t, Placeholders("no placeholders"))
}

func TestUnknownPlaceholders(t *testing.T) {
	tax := taxonomy.New("subject.account.name", "event_src.hostname")
	doc := &Document{
		Description: "Detects {bogus.field}",
		EventDescriptions: []EventDescription{
			{LocalizationID: "a", EventDescription: "User {subject.account.name} on {event_src.host}"},
		},
	}
	assert.Equal(t, []string{"bogus.field", "event_src.host"}, UnknownPlaceholders(doc, tax))
	assert.Nil(t, UnknownPlaceholders(doc, nil))
}

// =============================================================================
// Template Tests
// =============================================================================

func TestTechniqueDescription(t *testing.T) {
	assert.Equal(t, "credential dumping from operating system",
		TechniqueDescription("OS Credential Dumping: LSASS Memory", "en"))
	assert.Equal(t, "созданием запланированных задач",
		TechniqueDescription("Scheduled Task/Job: Scheduled Task", "ru"))
	assert.Equal(t, "decoding of hidden payloads",
		TechniqueDescription("Deobfuscate/Decode Files or Information", "en"))
	assert.Equal(t, "suspicious", TechniqueDescription("Unknown", "en"))
	assert.Equal(t, "account creation", TechniqueDescription("create account", "de"))
}

func TestShape(t *testing.T) {
	tests := []struct {
		rec  normalization.Record
		want string
	}{
		{processRecord, ShapeProcess},
		{logonRecord, ShapeAccount},
		{normalization.Record{"event_src.id": "3", "subject.process.name": "x", "object.endpoint.ip": "1.2.3.4"}, ShapeNetwork},
		{normalization.Record{"event_src.id": "13", "object.path": `hklm\software\run`}, ShapeFile},
		{normalization.Record{"event_src.id": "4104", "object.value": "iex"}, ShapeScript},
		{normalization.Record{"event_src.id": "4688", "subject.process.name": "cmd.exe", "object.account.name": "bob"}, ShapeProcess},
		{normalization.Record{"object.account.name": "bob"}, ShapeAccount},
		{normalization.Record{"event_src.id": "9999"}, ShapeGeneric},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Shape(tt.rec), "%v", tt.rec)
	}
}

func TestDescribeEvent(t *testing.T) {
	assert.Equal(t,
		"User {subject.account.name} started process {subject.process.name} with command {subject.process.cmdline} on host {event_src.hostname}",
		DescribeEvent(processRecord, "en"))
	assert.Equal(t,
		"Пользователь {subject.account.name} запустил процесс {subject.process.name} с командой {subject.process.cmdline} на узле {event_src.hostname}",
		DescribeEvent(processRecord, "ru"))
	assert.Equal(t,
		"Account {object.account.name} failed to log on from {src.ip}",
		DescribeEvent(logonRecord, "en"))
	assert.Equal(t,
		"An event was registered",
		DescribeEvent(normalization.Record{}, "en"))
}

func TestDescribeEvent_OnlyPresentFields(t *testing.T) {
	records := []normalization.Record{
		processRecord,
		logonRecord,
		{"event_src.id": "3", "object.endpoint.ip": "1.2.3.4", "object.endpoint.port": "445"},
		{"event_src.id": "11", "object.path": `c:\temp\a.exe`, "subject.process.name": "cmd.exe"},
		{"event_src.id": "4104", "object.value": "iex (new-object net.webclient)"},
		{"event_src.id": "10", "subject.process.name": "procdump.exe", "object.process.name": "lsass.exe"},
	}
	for _, rec := range records {
		for _, lang := range []string{"en", "ru"} {
			for _, p := range Placeholders(DescribeEvent(rec, lang)) {
				assert.NotEmpty(t, rec.Get(p), "placeholder %s for %v", p, rec)
			}
		}
	}
}

func TestTemplateLocalizer(t *testing.T) {
	l := NewTemplateLocalizer(zaptest.NewLogger(t))
	assert.Equal(t, ModeTemplate, l.Name())

	docs, err := l.Localize(context.Background(), Input{
		Correlation:    "correlation_5",
		Classification: mitre.Classification{Tactic: "Impact", Technique: "Inhibit System Recovery", Importance: mitre.ImportanceHigh},
		Records:        []normalization.Record{processRecord, processRecord, logonRecord},
	}, []string{"en", "ru"})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	en := docs["en"]
	assert.Equal(t, "The rule detects system recovery inhibition (deletion of backups and shadow copies) activity based on Windows security events", en.Description)
	require.Len(t, en.EventDescriptions, 2, "one per distinct shape")
	assert.Equal(t, "corrname_correlation_5", en.EventDescriptions[0].LocalizationID)
	assert.Equal(t, "corrname_correlation_5_2", en.EventDescriptions[1].LocalizationID)
	require.NoError(t, en.Validate())

	ru := docs["ru"]
	assert.True(t, strings.HasPrefix(ru.Description, "Правило обнаруживает"))
	assert.Equal(t, en.EventDescriptions[1].LocalizationID, ru.EventDescriptions[1].LocalizationID)
}

func TestTemplateLocalizer_NoRecords(t *testing.T) {
	docs, err := NewTemplateLocalizer(nil).Localize(context.Background(), Input{Correlation: "correlation_1"}, []string{"en"})
	require.NoError(t, err)
	require.Len(t, docs["en"].EventDescriptions, 1)
	require.NoError(t, docs["en"].Validate())
	assert.Equal(t, "The rule detects suspicious activity based on Windows security events", docs["en"].Description)
}

// =============================================================================
// LLM Tests
// =============================================================================

type scriptedCompleter struct {
	replies []string
	err     error
	reqs    []llm.Request
}

func (s *scriptedCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return "", s.err
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func TestLLMLocalizer(t *testing.T) {
	c := &scriptedCompleter{replies: []string{
		"```yaml\nDescription: Detects shadow copy deletion\nEventDescriptions:\n    - LocalizationId: corrname_ShadowDelete\n      EventDescription: User {subject.account.name} ran {subject.process.cmdline}\n```",
		"Description: Обнаруживает удаление теневых копий\nEventDescriptions:\n    - LocalizationId: corrname_Other\n      EventDescription: Пользователь {subject.account.name} выполнил {subject.process.cmdline}\n",
	}}
	l := NewLLMLocalizer(c, 5, zaptest.NewLogger(t))

	docs, err := l.Localize(context.Background(), Input{
		Correlation:    "correlation_9",
		Classification: mitre.Classification{Tactic: "Impact", Technique: "Inhibit System Recovery", Importance: mitre.ImportanceHigh},
		Records:        []normalization.Record{processRecord},
	}, []string{"en", "ru"})
	require.NoError(t, err)

	assert.Equal(t, "Detects shadow copy deletion", docs["en"].Description)
	assert.Equal(t, "corrname_ShadowDelete", docs["en"].EventDescriptions[0].LocalizationID)
	assert.Equal(t, "corrname_ShadowDelete", docs["ru"].EventDescriptions[0].LocalizationID, "ru ids follow en")

	require.Len(t, c.reqs, 2)
	assert.Contains(t, c.reqs[0].Prompt, "i18n_en.yaml")
	assert.Contains(t, c.reqs[0].Prompt, "subject.process.cmdline: vssadmin delete shadows /all")
	assert.Contains(t, c.reqs[0].Prompt, "- Technique: Inhibit System Recovery")
	assert.Contains(t, c.reqs[1].Prompt, "- Техника: Inhibit System Recovery")
	assert.Contains(t, c.reqs[1].System, "Russian")
}

func TestLLMLocalizer_Errors(t *testing.T) {
	in := Input{Correlation: "correlation_1"}

	_, err := NewLLMLocalizer(&scriptedCompleter{replies: []string{"Sorry, I can't."}}, 5, nil).
		Localize(context.Background(), in, []string{"en"})
	assert.True(t, errors.Is(err, ErrInvalidDocument), "got %v", err)

	_, err = NewLLMLocalizer(&scriptedCompleter{err: llm.ErrRateLimited}, 5, nil).
		Localize(context.Background(), in, []string{"en"})
	assert.True(t, errors.Is(err, llm.ErrRateLimited))
}

func TestFallback(t *testing.T) {
	broken := NewLLMLocalizer(&scriptedCompleter{replies: []string{"nope"}}, 5, nil)
	f := NewFallback(broken, NewTemplateLocalizer(nil), zaptest.NewLogger(t))
	assert.Equal(t, ModeLLMTemplate, f.Name())

	docs, err := f.Localize(context.Background(), Input{
		Correlation: "correlation_2",
		Records:     []normalization.Record{logonRecord},
	}, []string{"en"})
	require.NoError(t, err)
	assert.Equal(t, "Account {object.account.name} failed to log on from {src.ip}", docs["en"].EventDescriptions[0].EventDescription)
}

func TestPromptFor_UnknownLanguage(t *testing.T) {
	p := promptFor("de")
	assert.Equal(t, "de", p.name)
	assert.Contains(t, p.system, "technical de")
	assert.Equal(t, languagePrompts["en"].labels, p.labels)
}
