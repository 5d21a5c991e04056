package normalization

import (
	"strings"

	"github.com/lvonguyen/corrforge/internal/event"
)

type setter func(field, value string)

type transform func(set setter, value string)

// dataRules maps each known EventData field to its canonical target(s).
// Rules run in event.FieldKind order; when two fields target the same
// canonical name the later kind wins.
var dataRules = map[event.FieldKind]transform{
	// Sysmon
	event.FieldUser:                account("subject.account"),
	event.FieldImage:               processPath("subject.process"),
	event.FieldOriginalFileName:    passthrough("subject.process.original_name"),
	event.FieldFileVersion:         passthrough("subject.process.version"),
	event.FieldCommandLine:         passthrough("subject.process.cmdline"),
	event.FieldProcessID:           passthrough("subject.process.id"),
	event.FieldProcessGUID:         passthrough("subject.process.guid"),
	event.FieldCurrentDirectory:    passthrough("subject.process.cwd"),
	event.FieldHashes:              hashes("subject.process"),
	event.FieldParentImage:         processPath("subject.process.parent"),
	event.FieldParentCommandLine:   passthrough("subject.process.parent.cmdline"),
	event.FieldParentProcessID:     passthrough("subject.process.parent.id"),
	event.FieldParentProcessGUID:   passthrough("subject.process.parent.guid"),
	event.FieldTargetImage:         processPath("object.process"),
	event.FieldSourceIP:            passthrough("src.ip"),
	event.FieldSourcePort:          passthrough("src.port"),
	event.FieldSourceHostname:      passthrough("src.hostname"),
	event.FieldDestinationIP:       passthrough("object.endpoint.ip"),
	event.FieldDestinationPort:     passthrough("object.endpoint.port"),
	event.FieldDestinationHostname: passthrough("object.endpoint.name"),
	event.FieldTargetObject:        passthrough("object.path"),
	event.FieldTargetFilename:      passthrough("object.path"),

	// Windows Security log
	event.FieldTargetUserName:    passthrough("object.account.name"),
	event.FieldTargetDomainName:  passthrough("object.account.domain"),
	event.FieldTargetSid:         passthrough("object.account.id"),
	event.FieldTargetUserSid:     passthrough("object.account.id"),
	event.FieldSubjectUserName:   passthrough("subject.account.name"),
	event.FieldSubjectDomainName: passthrough("subject.account.domain"),
	event.FieldSubjectUserSid:    passthrough("subject.account.id"),
	event.FieldLogonType:         passthrough("logon_type"),
	event.FieldLogonID:           passthrough("subject.account.session_id"),
	event.FieldTargetLogonID:     passthrough("subject.account.session_id"),
	event.FieldWorkstationName:   passthrough("src.hostname"),
	event.FieldIPAddress:         address("src.ip"),
	event.FieldIPPort:            address("src.port"),
	event.FieldProcessName:       processPath("subject.process"),
	event.FieldNewProcessName:    processPath("subject.process"),
	event.FieldParentProcessName: processPath("subject.process.parent"),

	// PowerShell
	event.FieldScriptBlockText: passthrough("object.value"),
	event.FieldHostApplication: passthrough("subject.process.cmdline"),
}

func applySystem(sys event.System, set setter) {
	if sys.TimeCreated != "" {
		set("time", sys.TimeCreated)
	}
	if sys.ProviderName != "" {
		set("event_src.title", sys.ProviderName)
		set("event_src.subsys", sys.ProviderName)
		set("event_src.vendor", "microsoft")
	}
	if sys.Computer != "" {
		set("event_src.hostname", sys.Computer)
	}
	set("event_src.id", sys.EventID)
	if sys.Channel != "" {
		set("event_src.category", sys.Channel)
	}
}

// applyMeta folds the version-resource fields into one descriptive value.
func applyMeta(fields []event.DataField, set setter) {
	labels := map[event.FieldKind]string{
		event.FieldDescription: "description",
		event.FieldProduct:     "product",
		event.FieldCompany:     "company",
	}
	parts := make(map[event.FieldKind]string, len(labels))
	for _, f := range fields {
		if label, ok := labels[f.Kind]; ok && f.Value != "" {
			parts[f.Kind] = label + ":" + f.Value
		}
	}
	if len(parts) == 0 {
		return
	}

	var meta []string
	for _, kind := range []event.FieldKind{event.FieldDescription, event.FieldProduct, event.FieldCompany} {
		if p, ok := parts[kind]; ok {
			meta = append(meta, p)
		}
	}
	set("subject.process.meta", strings.Join(meta, " | "))
}

func passthrough(field string) transform {
	return func(set setter, value string) {
		if value != "" {
			set(field, value)
		}
	}
}

// address is passthrough with "-" treated as absent, as the Security log
// writes it for local logons.
func address(field string) transform {
	return func(set setter, value string) {
		if v := strings.TrimSpace(value); v != "" && v != "-" {
			set(field, value)
		}
	}
}

func account(prefix string) transform {
	return func(set setter, value string) {
		if value == "" {
			return
		}
		domain, name := SplitAccount(value)
		set(prefix+".domain", domain)
		set(prefix+".name", name)
	}
}

func processPath(prefix string) transform {
	return func(set setter, value string) {
		if value == "" {
			return
		}
		dir, name := SplitPath(value)
		set(prefix+".fullpath", value)
		set(prefix+".path", dir)
		set(prefix+".name", name)
	}
}

func hashes(prefix string) transform {
	return func(set setter, value string) {
		for algo, digest := range ParseHashes(value) {
			set(prefix+".hash."+algo, digest)
		}
	}
}

// SplitPath splits a filesystem path into the directory, including its
// trailing separator, and the base name. Both \ and / are separators. A value
// without a separator yields an empty directory.
func SplitPath(p string) (dir, name string) {
	i := strings.LastIndexAny(p, `\/`)
	if i < 0 {
		return "", p
	}
	return p[:i+1], p[i+1:]
}

// SplitAccount splits DOMAIN\user on the first backslash. A value without a
// backslash yields an empty domain.
func SplitAccount(v string) (domain, name string) {
	domain, name, ok := strings.Cut(v, `\`)
	if !ok {
		return "", v
	}
	return domain, name
}

// ParseHashes parses "SHA1=...,MD5=..." into algorithm -> digest with
// lowercased algorithm names. Pairs without "=" or with an empty side are
// skipped.
func ParseHashes(v string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(v, ",") {
		algo, digest, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		algo = strings.ToLower(strings.TrimSpace(algo))
		digest = strings.TrimSpace(digest)
		if algo == "" || digest == "" {
			continue
		}
		out[algo] = digest
	}
	return out
}
