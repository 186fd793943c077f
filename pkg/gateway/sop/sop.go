// Package sop holds the read-only standard-operating-procedure source that
// guides interventions: per-incident-type scripts, confidence thresholds,
// and auto-escalation timing. The dispatch core only reads it; authoring
// lives elsewhere.
package sop

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Procedure is the SOP entry for one incident type.
type Procedure struct {
	IncidentType string `json:"incident_type"`
	// ScriptLines the AI pipeline opens with for calls of this type.
	ScriptLines []string `json:"script_lines,omitempty"`
	// HumanTakeoverThreshold is the AI confidence below which the engine
	// suggests a takeover. Range [0,1]; 0 disables.
	HumanTakeoverThreshold float64 `json:"human_takeover_threshold"`
	// AutoEscalateAfterMinutes suggests escalation for calls still on the AI
	// after this many minutes. 0 defers to the gateway-wide default.
	AutoEscalateAfterMinutes int `json:"auto_escalate_after_minutes"`
	// EscalationType to suggest when the thresholds fire.
	EscalationType string `json:"escalation_type,omitempty"`
	// Contacts notified on escalation (phone numbers or pager handles).
	Contacts []string `json:"contacts,omitempty"`
}

// Source resolves procedures by incident type with a built-in default.
type Source struct {
	mu     sync.RWMutex
	byType map[string]Procedure
	def    Procedure
}

// DefaultProcedure applies when an incident type has no dedicated entry.
func DefaultProcedure() Procedure {
	return Procedure{
		IncidentType:             "general",
		HumanTakeoverThreshold:   0.7,
		AutoEscalateAfterMinutes: 0,
		EscalationType:           "supervisor_notify",
	}
}

func builtinProcedures() map[string]Procedure {
	procs := []Procedure{
		{
			IncidentType: "medical",
			ScriptLines: []string{
				"This is the security operations line. Is anyone injured or in need of medical attention?",
				"Help is being arranged. Please stay on the line.",
			},
			HumanTakeoverThreshold:   0.9,
			AutoEscalateAfterMinutes: 1,
			EscalationType:           "emergency_911",
		},
		{
			IncidentType: "fire",
			ScriptLines: []string{
				"Is there visible fire or smoke at your location?",
				"Please evacuate the area if it is safe to do so.",
			},
			HumanTakeoverThreshold:   0.9,
			AutoEscalateAfterMinutes: 1,
			EscalationType:           "emergency_911",
		},
		{
			IncidentType: "security_breach",
			ScriptLines: []string{
				"You have reached security dispatch. Can you describe what you are seeing?",
			},
			HumanTakeoverThreshold:   0.8,
			AutoEscalateAfterMinutes: 3,
			EscalationType:           "guard_dispatch",
		},
		{
			IncidentType: "trespass",
			ScriptLines: []string{
				"Security dispatch. Where on the property is the individual right now?",
			},
			HumanTakeoverThreshold:   0.75,
			AutoEscalateAfterMinutes: 5,
			EscalationType:           "guard_dispatch",
		},
		{
			IncidentType: "noise_complaint",
			ScriptLines: []string{
				"Security dispatch. Which unit or area is the noise coming from?",
			},
			HumanTakeoverThreshold:   0.6,
			AutoEscalateAfterMinutes: 15,
			EscalationType:           "property_manager",
		},
		{
			IncidentType: "maintenance",
			ScriptLines: []string{
				"Security dispatch. Please describe the issue and whether anything is leaking or sparking.",
			},
			HumanTakeoverThreshold:   0.6,
			AutoEscalateAfterMinutes: 30,
			EscalationType:           "maintenance_urgent",
		},
	}
	m := make(map[string]Procedure, len(procs))
	for _, p := range procs {
		m[p.IncidentType] = p
	}
	return m
}

// NewSource returns a source seeded with the built-in procedures.
func NewSource() *Source {
	return &Source{
		byType: builtinProcedures(),
		def:    DefaultProcedure(),
	}
}

// Load reads a source from a JSON file and merges it over the built-ins.
// An empty path returns the built-ins unchanged.
func Load(path string) (*Source, error) {
	s := NewSource()
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sop file %q: %w", path, err)
	}
	if err := s.merge(raw); err != nil {
		return nil, fmt.Errorf("parse sop file %q: %w", path, err)
	}
	return s, nil
}

type fileFormat struct {
	Default    *Procedure  `json:"default,omitempty"`
	Procedures []Procedure `json:"procedures"`
}

func (s *Source) merge(raw []byte) error {
	var f fileFormat
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	for i, p := range f.Procedures {
		if strings.TrimSpace(p.IncidentType) == "" {
			return fmt.Errorf("procedures[%d]: incident_type is required", i)
		}
		if p.HumanTakeoverThreshold < 0 || p.HumanTakeoverThreshold > 1 {
			return fmt.Errorf("procedures[%d] (%s): human_takeover_threshold out of range", i, p.IncidentType)
		}
		if p.AutoEscalateAfterMinutes < 0 {
			return fmt.Errorf("procedures[%d] (%s): auto_escalate_after_minutes must be >= 0", i, p.IncidentType)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range f.Procedures {
		s.byType[p.IncidentType] = p
	}
	if f.Default != nil {
		d := *f.Default
		if d.IncidentType == "" {
			d.IncidentType = "general"
		}
		s.def = d
	}
	return nil
}

// Reload re-reads the file and swaps the procedure table atomically.
func (s *Source) Reload(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sop file %q: %w", path, err)
	}
	fresh := NewSource()
	if err := fresh.merge(raw); err != nil {
		return fmt.Errorf("parse sop file %q: %w", path, err)
	}
	s.mu.Lock()
	s.byType = fresh.byType
	s.def = fresh.def
	s.mu.Unlock()
	return nil
}

// Lookup returns the procedure for incidentType, falling back to the default
// entry for unknown or empty types. The second result reports whether a
// dedicated entry matched.
func (s *Source) Lookup(incidentType string) (Procedure, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byType[strings.TrimSpace(incidentType)]; ok {
		return p, true
	}
	return s.def, false
}

// IncidentTypes lists the dedicated entries, for diagnostics.
func (s *Source) IncidentTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byType))
	for k := range s.byType {
		out = append(out, k)
	}
	return out
}
