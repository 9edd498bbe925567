package config_test

import (
	"strings"
	"testing"

	"chainline/internal/config"
)

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("test-platform")))
	if err != nil {
		t.Fatalf("default template: %v", err)
	}
	if cfg.Platform.ID != "test-platform" {
		t.Fatalf("platform id = %q", cfg.Platform.ID)
	}
	if _, ok := cfg.Queues.Definitions[cfg.Queues.Default]; !ok {
		t.Fatalf("default queue %q not defined", cfg.Queues.Default)
	}
	for name, rule := range cfg.Access.Rules {
		for _, g := range rule.AllowedGroups {
			if _, ok := cfg.Access.Groups[g]; !ok {
				t.Fatalf("rule %s references unknown group %s", name, g)
			}
		}
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
platform:
  id: p1
queues:
  definitions:
    action:
      max_concurrent: 2
      timeout: 5
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Queues.Default != "action" {
		t.Fatalf("default queue = %q", cfg.Queues.Default)
	}
	if cfg.Queues.ShutdownTimeout != 3.0 {
		t.Fatalf("shutdown timeout = %v", cfg.Queues.ShutdownTimeout)
	}
	if cfg.Sweep.Schedule != "@every 30s" {
		t.Fatalf("sweep schedule = %q", cfg.Sweep.Schedule)
	}
	if cfg.Sweep.BatchSize != 100 {
		t.Fatalf("sweep batch = %d", cfg.Sweep.BatchSize)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base path = %q", cfg.Server.BasePath)
	}
}

func TestValidateRejectsMissingDefaultQueue(t *testing.T) {
	_, err := config.FromYAML([]byte(`
platform:
  id: p1
queues:
  default: missing
  definitions:
    action:
      max_concurrent: 2
      timeout: 5
`))
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected missing default queue error, got %v", err)
	}
}

func TestValidateRejectsUnknownRuleGroup(t *testing.T) {
	_, err := config.FromYAML([]byte(`
platform:
  id: p1
access:
  groups:
    admins:
      user_id: ["1"]
  rules:
    admin_only:
      allowed_groups: [ghosts]
queues:
  definitions:
    action:
      max_concurrent: 2
      timeout: 5
`))
	if err == nil || !strings.Contains(err.Error(), "ghosts") {
		t.Fatalf("expected unknown group error, got %v", err)
	}
}

func TestValidateRejectsNonPositiveBounds(t *testing.T) {
	_, err := config.FromYAML([]byte(`
platform:
  id: p1
queues:
  definitions:
    action:
      max_concurrent: 0
      timeout: 5
`))
	if err == nil {
		t.Fatalf("expected bounds error")
	}
}
