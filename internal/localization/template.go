package localization

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/corrforge/internal/normalization"
)

// text is a phrase in every supported language.
type text map[string]string

func (t text) in(lang string) string {
	if s, ok := t[lang]; ok {
		return s
	}
	return t["en"]
}

var descriptionTemplates = text{
	"en": "The rule detects %s activity based on Windows security events",
	"ru": "Правило обнаруживает активность, связанную с %s, на основе событий безопасности Windows",
}

// techniqueDescriptions is matched by substring against the technique name
// in table order.
var techniqueDescriptions = []struct {
	technique string
	desc      text
}{
	{"Inhibit System Recovery", text{
		"en": "system recovery inhibition (deletion of backups and shadow copies)",
		"ru": "подавлением восстановления системы (удаление резервных копий и теневых копий)",
	}},
	{"OS Credential Dumping", text{
		"en": "credential dumping from operating system",
		"ru": "извлечением учетных данных из операционной системы",
	}},
	{"Unsecured Credentials", text{
		"en": "searching for stored credentials",
		"ru": "поиском сохраненных учетных данных",
	}},
	{"Brute Force", text{
		"en": "password guessing",
		"ru": "подбором паролей",
	}},
	{"Create Account", text{
		"en": "account creation",
		"ru": "созданием учетных записей",
	}},
	{"Deobfuscate/Decode Files or Information", text{
		"en": "decoding of hidden payloads",
		"ru": "декодированием скрытой нагрузки",
	}},
	{"Obfuscated Files or Information", text{
		"en": "obfuscated commands and encoded data",
		"ru": "обфусцированными командами и закодированными данными",
	}},
	{"Command and Scripting Interpreter", text{
		"en": "suspicious command execution and scripting",
		"ru": "подозрительным выполнением команд и скриптов",
	}},
	{"Scheduled Task", text{
		"en": "scheduled task creation",
		"ru": "созданием запланированных задач",
	}},
	{"Remote Services", text{
		"en": "remote service execution",
		"ru": "удаленным выполнением служб",
	}},
	{"System Information Discovery", text{
		"en": "system information gathering",
		"ru": "сбором информации о системе",
	}},
	{"Account Discovery", text{
		"en": "account enumeration",
		"ru": "перечислением учетных записей",
	}},
	{"Valid Accounts", text{
		"en": "authentication using valid accounts",
		"ru": "аутентификацией с использованием действительных учетных записей",
	}},
	{"Process Injection", text{
		"en": "process injection",
		"ru": "внедрением в процессы",
	}},
	{"Abuse Elevation Control Mechanism", text{
		"en": "privilege elevation bypass",
		"ru": "обходом механизмов повышения привилегий",
	}},
	{"Boot or Logon Autostart Execution", text{
		"en": "autostart persistence",
		"ru": "закреплением через автозапуск",
	}},
	{"Indicator Removal", text{
		"en": "removal of event logs and traces",
		"ru": "удалением журналов событий и следов",
	}},
}

var defaultTechniqueDescription = text{
	"en": "suspicious",
	"ru": "подозрительными действиями",
}

// TechniqueDescription returns the localized activity phrase for a technique
// name.
func TechniqueDescription(technique, lang string) string {
	lower := strings.ToLower(technique)
	for _, td := range techniqueDescriptions {
		if strings.Contains(lower, strings.ToLower(td.technique)) {
			return td.desc.in(lang)
		}
	}
	return defaultTechniqueDescription.in(lang)
}

// clause is one part of an event sentence. A clause bound to a field is
// rendered only when the record has that field, or as alt when set.
type clause struct {
	field string
	text  text
	alt   text
}

func (c clause) render(rec normalization.Record, lang string) string {
	if c.field == "" || rec.Get(c.field) != "" {
		return c.text.in(lang)
	}
	if c.alt != nil {
		return c.alt.in(lang)
	}
	return ""
}

var onHost = clause{field: "event_src.hostname", text: text{
	"en": " on host {event_src.hostname}",
	"ru": " на узле {event_src.hostname}",
}}

// Shapes of normalized records
const (
	ShapeScript  = "script"
	ShapeNetwork = "network"
	ShapeFile    = "file"
	ShapeAccount = "account"
	ShapeProcess = "process"
	ShapeGeneric = "generic"
)

var shapeClauses = map[string][]clause{
	ShapeScript: {
		{text: text{"en": "Script block was executed", "ru": "Выполнен блок скрипта"}},
		{field: "subject.process.cmdline", text: text{"en": " in {subject.process.cmdline}", "ru": " в {subject.process.cmdline}"}},
		{field: "subject.account.name", text: text{"en": " by user {subject.account.name}", "ru": " пользователем {subject.account.name}"}},
		onHost,
		{field: "object.value", text: text{"en": ": {object.value}", "ru": ": {object.value}"}},
	},
	ShapeNetwork: {
		{field: "subject.process.name",
			text: text{"en": "Process {subject.process.name} opened a network connection", "ru": "Процесс {subject.process.name} установил сетевое соединение"},
			alt:  text{"en": "A network connection was opened", "ru": "Установлено сетевое соединение"}},
		{field: "src.ip", text: text{"en": " from {src.ip}", "ru": " с адреса {src.ip}"}},
		{field: "object.endpoint.ip", text: text{"en": " to {object.endpoint.ip}", "ru": " к адресу {object.endpoint.ip}"}},
		{field: "object.endpoint.name", text: text{"en": " ({object.endpoint.name})", "ru": " ({object.endpoint.name})"}},
		{field: "object.endpoint.port", text: text{"en": " port {object.endpoint.port}", "ru": " порт {object.endpoint.port}"}},
		onHost,
	},
	ShapeFile: {
		{field: "subject.process.name",
			text: text{"en": "Process {subject.process.name} modified {object.path}", "ru": "Процесс {subject.process.name} изменил объект {object.path}"},
			alt:  text{"en": "Object {object.path} was modified", "ru": "Изменен объект {object.path}"}},
		{field: "subject.account.name", text: text{"en": " as user {subject.account.name}", "ru": " от имени пользователя {subject.account.name}"}},
		onHost,
	},
	ShapeAccount: {
		{field: "object.account.name",
			text: text{"en": "Account {object.account.name}", "ru": "Учетная запись {object.account.name}"},
			alt:  text{"en": "An account", "ru": "Учетная запись"}},
		// The action clause is chosen by event ID, see accountActions.
		{},
		{field: "subject.account.name", text: text{"en": " (initiated by {subject.account.name})", "ru": " (инициатор {subject.account.name})"}},
		{field: "src.ip", text: text{"en": " from {src.ip}", "ru": " с адреса {src.ip}"}},
		{field: "logon_type", text: text{"en": " with logon type {logon_type}", "ru": " с типом входа {logon_type}"}},
		onHost,
	},
	ShapeProcess: {
		{field: "subject.account.name",
			text: text{"en": "User {subject.account.name} started", "ru": "Пользователь {subject.account.name} запустил"},
			alt:  text{"en": "Started", "ru": "Запущен"}},
		{field: "subject.process.name",
			text: text{"en": " process {subject.process.name}", "ru": " процесс {subject.process.name}"},
			alt:  text{"en": " a process", "ru": " процесс"}},
		{field: "subject.process.cmdline", text: text{"en": " with command {subject.process.cmdline}", "ru": " с командой {subject.process.cmdline}"}},
		{field: "subject.process.parent.name", text: text{"en": " from {subject.process.parent.name}", "ru": " из {subject.process.parent.name}"}},
		{field: "object.process.name", text: text{"en": " accessing process {object.process.name}", "ru": " с обращением к процессу {object.process.name}"}},
		onHost,
	},
	ShapeGeneric: {
		{field: "event_src.id",
			text: text{"en": "Event {event_src.id} was registered", "ru": "Зарегистрировано событие {event_src.id}"},
			alt:  text{"en": "An event was registered", "ru": "Зарегистрировано событие"}},
		{field: "event_src.title", text: text{"en": " by {event_src.title}", "ru": " источником {event_src.title}"}},
		onHost,
	},
}

var accountActions = map[string]text{
	"4624": {"en": " logged on", "ru": " выполнила вход"},
	"4625": {"en": " failed to log on", "ru": " не смогла выполнить вход"},
	"4634": {"en": " logged off", "ru": " выполнила выход"},
	"4648": {"en": " was used with explicit credentials", "ru": " использована с явными учетными данными"},
	"4672": {"en": " was assigned special privileges", "ru": " получила специальные привилегии"},
	"4720": {"en": " was created", "ru": " создана"},
	"4722": {"en": " was enabled", "ru": " включена"},
	"4726": {"en": " was deleted", "ru": " удалена"},
	"4732": {"en": " was added to a security group", "ru": " добавлена в группу безопасности"},
	"4740": {"en": " was locked out", "ru": " заблокирована"},
	"4776": {"en": " was validated", "ru": " прошла проверку"},
}

var defaultAccountAction = text{"en": " was used", "ru": " использована"}

// Shape classifies a normalized record by the kind of activity it carries.
func Shape(rec normalization.Record) string {
	id := rec.Get("event_src.id")
	_, accountEvent := accountActions[id]

	switch {
	case rec.Get("object.value") != "":
		return ShapeScript
	case rec.Get("object.endpoint.ip") != "" || rec.Get("object.endpoint.name") != "":
		return ShapeNetwork
	case rec.Get("object.path") != "":
		return ShapeFile
	case accountEvent:
		return ShapeAccount
	case rec.Get("subject.process.name") != "" || rec.Get("subject.process.cmdline") != "":
		return ShapeProcess
	case rec.Get("object.account.name") != "":
		return ShapeAccount
	default:
		return ShapeGeneric
	}
}

// DescribeEvent renders the event sentence of a record. Placeholders only
// reference fields present in the record.
func DescribeEvent(rec normalization.Record, lang string) string {
	shape := Shape(rec)

	var sb strings.Builder
	for i, c := range shapeClauses[shape] {
		if shape == ShapeAccount && i == 1 {
			action, ok := accountActions[rec.Get("event_src.id")]
			if !ok {
				action = defaultAccountAction
			}
			sb.WriteString(action.in(lang))
			continue
		}
		sb.WriteString(c.render(rec, lang))
	}
	return sb.String()
}

// TemplateLocalizer builds documents from fixed phrase tables.
type TemplateLocalizer struct {
	logger *zap.Logger
}

// NewTemplateLocalizer creates a TemplateLocalizer.
func NewTemplateLocalizer(logger *zap.Logger) *TemplateLocalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateLocalizer{logger: logger}
}

// Name implements Localizer.
func (t *TemplateLocalizer) Name() string {
	return ModeTemplate
}

// Localize implements Localizer. It writes one event description per
// distinct record shape, in order of first appearance, and never fails.
// Languages without phrase tables get English text.
func (t *TemplateLocalizer) Localize(_ context.Context, in Input, languages []string) (map[string]*Document, error) {
	var reps []normalization.Record
	seen := make(map[string]bool)
	for _, rec := range in.Records {
		shape := Shape(rec)
		if !seen[shape] {
			seen[shape] = true
			reps = append(reps, rec)
		}
	}
	if len(reps) == 0 {
		reps = []normalization.Record{{}}
	}

	docs := make(map[string]*Document, len(languages))
	for _, lang := range languages {
		if _, ok := descriptionTemplates[lang]; !ok {
			t.logger.Debug("No phrase table for language, using English",
				zap.String("correlation", in.Correlation),
				zap.String("language", lang),
			)
		}

		doc := &Document{
			Description: strings.Replace(descriptionTemplates.in(lang), "%s",
				TechniqueDescription(in.Classification.Technique, lang), 1),
		}
		for i, rec := range reps {
			doc.EventDescriptions = append(doc.EventDescriptions, EventDescription{
				LocalizationID:   LocalizationID(in.Correlation, i),
				EventDescription: DescribeEvent(rec, lang),
			})
		}
		docs[lang] = doc
	}
	return docs, nil
}
