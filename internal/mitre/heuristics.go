package mitre

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

// Rule maps command-line patterns to a technique. Rules are evaluated in
// table order and the first match wins, so specific rules precede generic
// ones.
type Rule struct {
	Patterns    []*regexp.Regexp
	TacticID    string
	TechniqueID string
	Importance  Importance
}

func rule(tacticID, techniqueID string, importance Importance, patterns ...string) Rule {
	r := Rule{TacticID: tacticID, TechniqueID: techniqueID, Importance: importance}
	for _, p := range patterns {
		r.Patterns = append(r.Patterns, regexp.MustCompile("(?i)"+p))
	}
	return r
}

// CommandRules is the ordered pattern table matched against process names and
// command lines.
var CommandRules = []Rule{
	rule("TA0006", "T1003.001", ImportanceHigh,
		`mimikatz`, `procdump.*lsass`, `sekurlsa`, `logonpasswords`, `rundll32.*comsvcs.*minidump`),
	rule("TA0006", "T1003.002", ImportanceHigh,
		`reg.*save.*sam`, `reg.*save.*system`, `reg.*save.*security`),
	rule("TA0006", "T1552", ImportanceMedium,
		`credentials`, `password`, `ntlm`),
	rule("TA0040", "T1490", ImportanceHigh,
		`vssadmin.*delete.*shadow`, `wbadmin.*delete`, `bcdedit.*recoveryenabled.*no`),
	rule("TA0003", "T1136", ImportanceHigh,
		`net.*user.*/add`, `net.*localgroup.*administrators.*/add`, `net\s+user\s+\w+\s+/add`),
	rule("TA0005", "T1027", ImportanceMedium,
		`powershell.*-enc`, `powershell.*-encodedcommand`, `powershell.*-e\s+`, `powershell.*bypass.*execution`),
	rule("TA0005", "T1140", ImportanceMedium,
		`certutil.*-decode`, `certutil.*-urlcache`, `certutil.*-f`),
	rule("TA0002", "T1059.001", ImportanceMedium,
		`powershell\.exe`, `pwsh\.exe`),
	rule("TA0002", "T1059.005", ImportanceMedium,
		`wscript\.exe`, `cscript\.exe`, `mshta\.exe`),
	rule("TA0002", "T1053.005", ImportanceMedium,
		`schtasks.*/create`, `at\s+\d+:\d+`),
	rule("TA0008", "T1021", ImportanceHigh,
		`psexec`, `wmic.*process.*call.*create`, `\\\\.*\\admin\$`, `\\\\.*\\c\$`),
	rule("TA0007", "T1087", ImportanceLow,
		`net.*group`, `net.*localgroup`, `dsquery.*user`),
	rule("TA0007", "T1082", ImportanceLow,
		`whoami`, `systeminfo`, `hostname`, `ipconfig`),
	rule("TA0007", "T1135", ImportanceLow,
		`net.*view`, `net.*share`, `net.*use`),
	rule("TA0007", "T1057", ImportanceLow,
		`tasklist`, `get-process`, `ps\s`),
	rule("TA0004", "T1548.002", ImportanceHigh,
		`runas`, `elevate`, `bypass.*uac`),
	rule("TA0005", "T1055", ImportanceHigh,
		`inject`, `shellcode`, `virtualalloc`, `writeprocessmemory`),
	rule("TA0003", "T1547.001", ImportanceMedium,
		`reg.*add.*\\run`, `reg.*add.*\\runonce`, `currentversion\\run`),
	rule("TA0009", "T1056", ImportanceMedium,
		`clipboard`, `keylog`, `screenshot`),
}

// EventIDRule maps a Windows event ID to a technique.
type EventIDRule struct {
	TacticID    string
	TechniqueID string
	Importance  Importance
}

// EventIDRules classifies by event_src.id when no command pattern matches.
var EventIDRules = map[string]EventIDRule{
	// Sysmon
	"1":  {"TA0002", "T1059", ImportanceLow},
	"3":  {"TA0011", "T1071", ImportanceLow},
	"10": {"TA0006", "T1003.001", ImportanceMedium},
	"11": {"TA0005", "T1036", ImportanceLow},
	"13": {"TA0003", "T1547.001", ImportanceLow},

	// Security
	"1102": {"TA0005", "T1070.001", ImportanceHigh},
	"4624": {"TA0001", "T1078", ImportanceLow},
	"4625": {"TA0006", "T1110", ImportanceMedium},
	"4648": {"TA0008", "T1550", ImportanceMedium},
	"4672": {"TA0004", "T1134", ImportanceMedium},
	"4688": {"TA0002", "T1059", ImportanceLow},
	"4698": {"TA0002", "T1053.005", ImportanceMedium},
	"4720": {"TA0003", "T1136", ImportanceHigh},
	"4776": {"TA0006", "T1550.002", ImportanceLow},
	"7045": {"TA0003", "T1543.003", ImportanceMedium},

	// PowerShell
	"4104": {"TA0002", "T1059.001", ImportanceMedium},
}

// MatchCommand returns the first CommandRules entry matching text.
func (af *AttackFramework) MatchCommand(text string) (Mapping, bool) {
	for _, r := range CommandRules {
		for _, p := range r.Patterns {
			loc := p.FindStringIndex(text)
			if loc == nil {
				continue
			}
			m, err := af.Mapping(r.TacticID, r.TechniqueID, r.Importance,
				fmt.Sprintf("pattern %q matched %q", p.String(), text[loc[0]:loc[1]]))
			if err != nil {
				af.logger.Warn("Heuristic rule references unknown catalogue entry",
					zap.String("technique", r.TechniqueID),
					zap.Error(err),
				)
				continue
			}
			m.Confidence = 0.7
			return m, true
		}
	}
	return Mapping{}, false
}

// MatchEventID returns the EventIDRules entry for the first ID with one.
func (af *AttackFramework) MatchEventID(ids ...string) (Mapping, bool) {
	for _, id := range ids {
		r, ok := EventIDRules[id]
		if !ok {
			continue
		}
		m, err := af.Mapping(r.TacticID, r.TechniqueID, r.Importance, "event id "+id)
		if err != nil {
			continue
		}
		m.Confidence = 0.5
		return m, true
	}
	return Mapping{}, false
}
