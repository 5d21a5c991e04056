// Package mitre provides the MITRE ATT&CK catalogue used to classify
// correlation rules.
package mitre

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// AttackFramework is a static ATT&CK catalogue with lookups by ID and name.
type AttackFramework struct {
	techniques map[string]*Technique
	byName     map[string]*Technique
	tactics    map[string]*Tactic
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Technique represents a MITRE ATT&CK technique or sub-technique.
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1059.001"
	Name    string   `json:"name"`    // e.g., "PowerShell"
	Tactics []string `json:"tactics"` // short names, e.g., ["execution"]
	URL     string   `json:"url"`
}

// IsSubTechnique reports whether the technique is a sub-technique.
func (t *Technique) IsSubTechnique() bool {
	return strings.Contains(t.ID, ".")
}

// ParentID returns the parent technique ID of a sub-technique, or the ID
// itself.
func (t *Technique) ParentID() string {
	id, _, _ := strings.Cut(t.ID, ".")
	return id
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0002"
	Name      string `json:"name"`       // e.g., "Execution"
	ShortName string `json:"short_name"` // e.g., "execution"
	URL       string `json:"url"`
}

// Mapping is a technique match produced by a heuristic rule.
type Mapping struct {
	TechniqueID   string     `json:"technique_id"`
	TechniqueName string     `json:"technique_name"`
	TacticID      string     `json:"tactic_id"`
	TacticName    string     `json:"tactic_name"`
	Importance    Importance `json:"importance"`
	Confidence    float64    `json:"confidence"` // 0.0 - 1.0
	Evidence      string     `json:"evidence"`
}

// Classification converts the mapping to the answers.json shape.
func (m Mapping) Classification() Classification {
	return Classification{
		Tactic:     m.TacticName,
		Technique:  m.TechniqueName,
		Importance: m.Importance,
	}
}

// NewAttackFramework creates a framework populated with the built-in
// catalogue.
func NewAttackFramework(logger *zap.Logger) *AttackFramework {
	if logger == nil {
		logger = zap.NewNop()
	}
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		byName:     make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		logger:     logger,
	}

	af.initializeTactics()
	af.initializeCommonTechniques()

	return af
}

// GetTechnique returns a technique by ID
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.techniques[strings.ToUpper(strings.TrimSpace(id))]
	return t, ok
}

// GetTactic returns a tactic by ID, short name or display name.
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.tactics[tacticKey(id)]
	return t, ok
}

// GetTechniquesByTactic returns all techniques for a given tactic, sorted by
// ID.
func (af *AttackFramework) GetTechniquesByTactic(tactic string) []*Technique {
	ta, ok := af.GetTactic(tactic)
	if !ok {
		return nil
	}

	af.mu.RLock()
	defer af.mu.RUnlock()

	result := make([]*Technique, 0)
	for _, t := range af.techniques {
		for _, short := range t.Tactics {
			if short == ta.ShortName {
				result = append(result, t)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// FormatTechnique renders a technique in answers.json form: the technique
// name, or "Parent: Sub" for sub-techniques.
func (af *AttackFramework) FormatTechnique(id string) (string, bool) {
	t, ok := af.GetTechnique(id)
	if !ok {
		return "", false
	}
	if !t.IsSubTechnique() {
		return t.Name, true
	}
	parent, ok := af.GetTechnique(t.ParentID())
	if !ok {
		return t.Name, true
	}
	return parent.Name + ": " + t.Name, true
}

// ResolveTactic canonicalizes a tactic given by ID, short name or display
// name. Unknown tactics are returned trimmed and unchanged.
func (af *AttackFramework) ResolveTactic(s string) (string, bool) {
	if t, ok := af.GetTactic(s); ok {
		return t.Name, true
	}
	return strings.TrimSpace(s), false
}

var techniqueIDRe = regexp.MustCompile(`(?i)\bT\d{4}(?:\.\d{3})?\b`)

// ResolveTechnique canonicalizes a technique given as an ID ("T1059.001"),
// an ID-prefixed label ("T1059.001 - PowerShell"), a plain name
// ("PowerShell") or a formatted name ("Command and Scripting Interpreter:
// PowerShell"). Unknown techniques are returned trimmed and unchanged.
func (af *AttackFramework) ResolveTechnique(s string) (string, bool) {
	s = strings.TrimSpace(s)

	if id := techniqueIDRe.FindString(s); id != "" {
		if name, ok := af.FormatTechnique(id); ok {
			return name, true
		}
	}

	af.mu.RLock()
	t, ok := af.byName[strings.ToLower(s)]
	af.mu.RUnlock()
	if ok {
		return af.FormatTechnique(t.ID)
	}

	// "Parent: Sub". An unknown sub-technique degrades to the parent.
	if parent, sub, found := strings.Cut(s, ":"); found {
		af.mu.RLock()
		p, ok := af.byName[strings.ToLower(strings.TrimSpace(parent))]
		af.mu.RUnlock()
		if ok {
			if c, ok := af.subTechnique(p.ID, sub); ok {
				return af.FormatTechnique(c.ID)
			}
			return af.FormatTechnique(p.ID)
		}
	}

	return s, false
}

func (af *AttackFramework) subTechnique(parentID, name string) (*Technique, bool) {
	name = strings.ToLower(strings.TrimSpace(name))

	af.mu.RLock()
	defer af.mu.RUnlock()
	for _, t := range af.techniques {
		if t.IsSubTechnique() && t.ParentID() == parentID && strings.ToLower(t.Name) == name {
			return t, true
		}
	}
	return nil, false
}

// Canonicalize resolves the tactic and technique names of a classification
// and clamps its importance. Unknown names are kept as given.
func (af *AttackFramework) Canonicalize(c Classification) Classification {
	tactic, okTactic := af.ResolveTactic(c.Tactic)
	technique, okTechnique := af.ResolveTechnique(c.Technique)
	if !okTactic || !okTechnique {
		af.logger.Debug("Classification outside the built-in catalogue",
			zap.String("tactic", c.Tactic),
			zap.String("technique", c.Technique),
		)
	}
	return Classification{
		Tactic:     tactic,
		Technique:  technique,
		Importance: ParseImportance(string(c.Importance)),
	}
}

// Mapping builds a Mapping from catalogue IDs.
func (af *AttackFramework) Mapping(tacticID, techniqueID string, importance Importance, evidence string) (Mapping, error) {
	tactic, ok := af.GetTactic(tacticID)
	if !ok {
		return Mapping{}, fmt.Errorf("unknown tactic %q", tacticID)
	}
	name, ok := af.FormatTechnique(techniqueID)
	if !ok {
		return Mapping{}, fmt.Errorf("unknown technique %q", techniqueID)
	}
	return Mapping{
		TechniqueID:   techniqueID,
		TechniqueName: name,
		TacticID:      tactic.ID,
		TacticName:    tactic.Name,
		Importance:    importance,
		Evidence:      evidence,
	}, nil
}

func tacticKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "-", "_", "-").Replace(s)
}

func (af *AttackFramework) initializeCommonTechniques() {
	af.mu.Lock()
	defer af.mu.Unlock()

	techniques := []*Technique{
		{ID: "T1003", Name: "OS Credential Dumping", Tactics: []string{"credential-access"}},
		{ID: "T1003.001", Name: "LSASS Memory", Tactics: []string{"credential-access"}},
		{ID: "T1003.002", Name: "Security Account Manager", Tactics: []string{"credential-access"}},
		{ID: "T1016", Name: "System Network Configuration Discovery", Tactics: []string{"discovery"}},
		{ID: "T1021", Name: "Remote Services", Tactics: []string{"lateral-movement"}},
		{ID: "T1021.002", Name: "SMB/Windows Admin Shares", Tactics: []string{"lateral-movement"}},
		{ID: "T1027", Name: "Obfuscated Files or Information", Tactics: []string{"defense-evasion"}},
		{ID: "T1033", Name: "System Owner/User Discovery", Tactics: []string{"discovery"}},
		{ID: "T1036", Name: "Masquerading", Tactics: []string{"defense-evasion"}},
		{ID: "T1047", Name: "Windows Management Instrumentation", Tactics: []string{"execution"}},
		{ID: "T1053", Name: "Scheduled Task/Job", Tactics: []string{"execution", "persistence", "privilege-escalation"}},
		{ID: "T1053.005", Name: "Scheduled Task", Tactics: []string{"execution", "persistence", "privilege-escalation"}},
		{ID: "T1055", Name: "Process Injection", Tactics: []string{"defense-evasion", "privilege-escalation"}},
		{ID: "T1056", Name: "Input Capture", Tactics: []string{"collection", "credential-access"}},
		{ID: "T1056.001", Name: "Keylogging", Tactics: []string{"collection", "credential-access"}},
		{ID: "T1057", Name: "Process Discovery", Tactics: []string{"discovery"}},
		{ID: "T1059", Name: "Command and Scripting Interpreter", Tactics: []string{"execution"}},
		{ID: "T1059.001", Name: "PowerShell", Tactics: []string{"execution"}},
		{ID: "T1059.003", Name: "Windows Command Shell", Tactics: []string{"execution"}},
		{ID: "T1059.005", Name: "Visual Basic", Tactics: []string{"execution"}},
		{ID: "T1059.007", Name: "JavaScript", Tactics: []string{"execution"}},
		{ID: "T1068", Name: "Exploitation for Privilege Escalation", Tactics: []string{"privilege-escalation"}},
		{ID: "T1069", Name: "Permission Groups Discovery", Tactics: []string{"discovery"}},
		{ID: "T1070", Name: "Indicator Removal", Tactics: []string{"defense-evasion"}},
		{ID: "T1070.001", Name: "Clear Windows Event Logs", Tactics: []string{"defense-evasion"}},
		{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"command-and-control"}},
		{ID: "T1071.001", Name: "Web Protocols", Tactics: []string{"command-and-control"}},
		{ID: "T1078", Name: "Valid Accounts", Tactics: []string{"defense-evasion", "persistence", "privilege-escalation", "initial-access"}},
		{ID: "T1082", Name: "System Information Discovery", Tactics: []string{"discovery"}},
		{ID: "T1087", Name: "Account Discovery", Tactics: []string{"discovery"}},
		{ID: "T1087.001", Name: "Local Account", Tactics: []string{"discovery"}},
		{ID: "T1087.002", Name: "Domain Account", Tactics: []string{"discovery"}},
		{ID: "T1105", Name: "Ingress Tool Transfer", Tactics: []string{"command-and-control"}},
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1112", Name: "Modify Registry", Tactics: []string{"defense-evasion"}},
		{ID: "T1113", Name: "Screen Capture", Tactics: []string{"collection"}},
		{ID: "T1115", Name: "Clipboard Data", Tactics: []string{"collection"}},
		{ID: "T1134", Name: "Access Token Manipulation", Tactics: []string{"defense-evasion", "privilege-escalation"}},
		{ID: "T1135", Name: "Network Share Discovery", Tactics: []string{"discovery"}},
		{ID: "T1136", Name: "Create Account", Tactics: []string{"persistence"}},
		{ID: "T1136.001", Name: "Local Account", Tactics: []string{"persistence"}},
		{ID: "T1140", Name: "Deobfuscate/Decode Files or Information", Tactics: []string{"defense-evasion"}},
		{ID: "T1204", Name: "User Execution", Tactics: []string{"execution"}},
		{ID: "T1218", Name: "System Binary Proxy Execution", Tactics: []string{"defense-evasion"}},
		{ID: "T1218.005", Name: "Mshta", Tactics: []string{"defense-evasion"}},
		{ID: "T1218.011", Name: "Rundll32", Tactics: []string{"defense-evasion"}},
		{ID: "T1486", Name: "Data Encrypted for Impact", Tactics: []string{"impact"}},
		{ID: "T1490", Name: "Inhibit System Recovery", Tactics: []string{"impact"}},
		{ID: "T1543", Name: "Create or Modify System Process", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1543.003", Name: "Windows Service", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1547", Name: "Boot or Logon Autostart Execution", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1547.001", Name: "Registry Run Keys / Startup Folder", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1548", Name: "Abuse Elevation Control Mechanism", Tactics: []string{"privilege-escalation", "defense-evasion"}},
		{ID: "T1548.002", Name: "Bypass User Account Control", Tactics: []string{"privilege-escalation", "defense-evasion"}},
		{ID: "T1550", Name: "Use Alternate Authentication Material", Tactics: []string{"defense-evasion", "lateral-movement"}},
		{ID: "T1550.002", Name: "Pass the Hash", Tactics: []string{"defense-evasion", "lateral-movement"}},
		{ID: "T1552", Name: "Unsecured Credentials", Tactics: []string{"credential-access"}},
		{ID: "T1568", Name: "Dynamic Resolution", Tactics: []string{"command-and-control"}},
		{ID: "T1568.002", Name: "Domain Generation Algorithms", Tactics: []string{"command-and-control"}},
		{ID: "T1569", Name: "System Services", Tactics: []string{"execution"}},
		{ID: "T1569.002", Name: "Service Execution", Tactics: []string{"execution"}},
	}

	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		af.techniques[t.ID] = t

		// Sub-technique names can collide ("Local Account"); parents and the
		// first registration win.
		key := strings.ToLower(t.Name)
		if _, taken := af.byName[key]; !taken {
			af.byName[key] = t
		}
	}
}

func (af *AttackFramework) initializeTactics() {
	af.mu.Lock()
	defer af.mu.Unlock()

	tactics := []*Tactic{
		{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"},
		{ID: "TA0042", Name: "Resource Development", ShortName: "resource-development"},
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[tacticKey(t.ShortName)] = t
		af.tactics[tacticKey(t.ID)] = t
		af.tactics[tacticKey(t.Name)] = t
	}
}
