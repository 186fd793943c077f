package sop

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLookup_BuiltinsAndFallback(t *testing.T) {
	s := NewSource()

	p, ok := s.Lookup("medical")
	if !ok {
		t.Fatal("medical should have a dedicated entry")
	}
	if p.EscalationType != "emergency_911" || p.HumanTakeoverThreshold != 0.9 {
		t.Fatalf("medical procedure = %+v", p)
	}

	p, ok = s.Lookup("alien_landing")
	if ok {
		t.Fatal("unknown type must not report a dedicated match")
	}
	if p.IncidentType != "general" || p.EscalationType != "supervisor_notify" {
		t.Fatalf("fallback procedure = %+v", p)
	}

	if _, ok := s.Lookup(""); ok {
		t.Fatal("empty type must fall back")
	}
}

func TestLoad_MergesFileOverBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sop.json")
	doc := `{
		"default": {"human_takeover_threshold": 0.5, "escalation_type": "property_manager"},
		"procedures": [
			{"incident_type": "medical", "human_takeover_threshold": 0.95, "escalation_type": "emergency_911"},
			{"incident_type": "pool_area", "human_takeover_threshold": 0.4, "auto_escalate_after_minutes": 20, "escalation_type": "guard_dispatch"}
		]
	}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write sop file: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if p, _ := s.Lookup("medical"); p.HumanTakeoverThreshold != 0.95 {
		t.Fatalf("file entry did not override builtin: %+v", p)
	}
	if p, ok := s.Lookup("pool_area"); !ok || p.AutoEscalateAfterMinutes != 20 {
		t.Fatalf("new entry missing: %+v ok=%v", p, ok)
	}
	// Untouched builtin survives the merge.
	if p, ok := s.Lookup("fire"); !ok || p.EscalationType != "emergency_911" {
		t.Fatalf("builtin fire lost: %+v ok=%v", p, ok)
	}
	if p, _ := s.Lookup("unknown"); p.EscalationType != "property_manager" {
		t.Fatalf("default not replaced: %+v", p)
	}
}

func TestLoad_EmptyPathUsesBuiltins(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if _, ok := s.Lookup("security_breach"); !ok {
		t.Fatal("builtin security_breach missing")
	}
}

func TestLoad_RejectsInvalidEntries(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing incident type", `{"procedures":[{"human_takeover_threshold":0.5}]}`},
		{"threshold out of range", `{"procedures":[{"incident_type":"x","human_takeover_threshold":1.5}]}`},
		{"negative minutes", `{"procedures":[{"incident_type":"x","auto_escalate_after_minutes":-1}]}`},
		{"not json", `{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sop.json")
			if err := os.WriteFile(path, []byte(tc.doc), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestReload_SwapsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sop.json")
	if err := os.WriteFile(path, []byte(`{"procedures":[{"incident_type":"garage","human_takeover_threshold":0.3}]}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := NewSource()
	if err := s.Reload(path); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if _, ok := s.Lookup("garage"); !ok {
		t.Fatal("reloaded entry missing")
	}
}
