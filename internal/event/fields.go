package event

import "strings"

// FieldKind identifies a known EventData field name. Declaration order is the
// order in which normalization rules are applied, so a later kind overrides an
// earlier one when both target the same canonical field.
type FieldKind int

const (
	FieldUnknown FieldKind = iota

	// Sysmon
	FieldUser
	FieldImage
	FieldOriginalFileName
	FieldFileVersion
	FieldCommandLine
	FieldProcessID
	FieldProcessGUID
	FieldCurrentDirectory
	FieldHashes
	FieldDescription
	FieldProduct
	FieldCompany
	FieldParentImage
	FieldParentCommandLine
	FieldParentProcessID
	FieldParentProcessGUID
	FieldTargetImage
	FieldSourceIP
	FieldSourcePort
	FieldSourceHostname
	FieldDestinationIP
	FieldDestinationPort
	FieldDestinationHostname
	FieldTargetObject
	FieldTargetFilename

	// Windows Security log
	FieldTargetUserName
	FieldTargetDomainName
	FieldTargetSid
	FieldTargetUserSid
	FieldSubjectUserName
	FieldSubjectDomainName
	FieldSubjectUserSid
	FieldLogonType
	FieldLogonID
	FieldTargetLogonID
	FieldWorkstationName
	FieldIPAddress
	FieldIPPort
	FieldProcessName
	FieldNewProcessName
	FieldParentProcessName

	// PowerShell
	FieldScriptBlockText
	FieldHostApplication
)

var fieldNames = map[FieldKind]string{
	FieldUser:                "User",
	FieldImage:               "Image",
	FieldOriginalFileName:    "OriginalFileName",
	FieldFileVersion:         "FileVersion",
	FieldCommandLine:         "CommandLine",
	FieldProcessID:           "ProcessId",
	FieldProcessGUID:         "ProcessGuid",
	FieldCurrentDirectory:    "CurrentDirectory",
	FieldHashes:              "Hashes",
	FieldDescription:         "Description",
	FieldProduct:             "Product",
	FieldCompany:             "Company",
	FieldParentImage:         "ParentImage",
	FieldParentCommandLine:   "ParentCommandLine",
	FieldParentProcessID:     "ParentProcessId",
	FieldParentProcessGUID:   "ParentProcessGuid",
	FieldTargetImage:         "TargetImage",
	FieldSourceIP:            "SourceIp",
	FieldSourcePort:          "SourcePort",
	FieldSourceHostname:      "SourceHostname",
	FieldDestinationIP:       "DestinationIp",
	FieldDestinationPort:     "DestinationPort",
	FieldDestinationHostname: "DestinationHostname",
	FieldTargetObject:        "TargetObject",
	FieldTargetFilename:      "TargetFilename",
	FieldTargetUserName:      "TargetUserName",
	FieldTargetDomainName:    "TargetDomainName",
	FieldTargetSid:           "TargetSid",
	FieldTargetUserSid:       "TargetUserSid",
	FieldSubjectUserName:     "SubjectUserName",
	FieldSubjectDomainName:   "SubjectDomainName",
	FieldSubjectUserSid:      "SubjectUserSid",
	FieldLogonType:           "LogonType",
	FieldLogonID:             "LogonId",
	FieldTargetLogonID:       "TargetLogonId",
	FieldWorkstationName:     "WorkstationName",
	FieldIPAddress:           "IpAddress",
	FieldIPPort:              "IpPort",
	FieldProcessName:         "ProcessName",
	FieldNewProcessName:      "NewProcessName",
	FieldParentProcessName:   "ParentProcessName",
	FieldScriptBlockText:     "ScriptBlockText",
	FieldHostApplication:     "HostApplication",
}

// kindByName is keyed by lowercased field name; Windows providers are not
// consistent about casing (ProcessId vs ProcessID).
var kindByName = func() map[string]FieldKind {
	m := make(map[string]FieldKind, len(fieldNames))
	for kind, name := range fieldNames {
		m[strings.ToLower(name)] = kind
	}
	return m
}()

// KindOf returns the FieldKind for an EventData name, or FieldUnknown.
func KindOf(name string) FieldKind {
	if kind, ok := kindByName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return kind
	}
	return FieldUnknown
}

func (k FieldKind) String() string {
	if name, ok := fieldNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Known reports whether the kind is a recognized field.
func (k FieldKind) Known() bool {
	return k != FieldUnknown
}
