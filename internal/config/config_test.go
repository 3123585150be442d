package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("tenant-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tenant.ID != "tenant-1" {
		t.Fatalf("tenant id not applied: %q", cfg.Tenant.ID)
	}
	def, ok := cfg.Workflows.Definitions["approval-chain"]
	if !ok || len(def.Steps) != 2 {
		t.Fatalf("approval-chain missing or malformed: %+v", def)
	}
	if def.StepIndex("step-manager-approval") != 1 {
		t.Fatalf("unexpected step index")
	}
	if def.StepIndex("nope") != -1 {
		t.Fatalf("unknown step should be -1")
	}
	if cfg.SessionDuration() != 60 {
		t.Fatalf("unexpected default session duration: %d", cfg.SessionDuration())
	}
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing tenant", "sessions:\n  default_duration_minutes: 30\n"},
		{"negative duration", "tenant:\n  id: t1\nsessions:\n  default_duration_minutes: -1\n"},
		{"no steps", "tenant:\n  id: t1\nworkflows:\n  definitions:\n    empty:\n      version: \"1.0\"\n      steps: []\n"},
		{"missing version", "tenant:\n  id: t1\nworkflows:\n  definitions:\n    d:\n      steps:\n        - id: s1\n          type: HUMAN_APPROVAL\n"},
		{"unknown step type", "tenant:\n  id: t1\nworkflows:\n  definitions:\n    d:\n      version: \"1.0\"\n      steps:\n        - id: s1\n          type: ROBOT_DANCE\n"},
		{"duplicate step id", "tenant:\n  id: t1\nworkflows:\n  definitions:\n    d:\n      version: \"1.0\"\n      steps:\n        - id: s1\n          type: HUMAN_APPROVAL\n        - id: s1\n          type: HUMAN_APPROVAL\n"},
		{"webhook without url", "tenant:\n  id: t1\nwebhooks:\n  - events: [task.decided]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromYAML([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config for missing file")
	}

	path := filepath.Join(dir, "veriflow.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault("t9")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg == nil || cfg.Tenant.ID != "t9" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
