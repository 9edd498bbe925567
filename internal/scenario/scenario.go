package scenario

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is one entry of a scenario's action list. Type "scenario" nests
// one or many sub-scenarios through Value; every other type is a concrete
// action to persist. Chain and ChainDrop stay polymorphic here (bool, string
// or list) and are normalized exactly once at the expansion boundary.
type Template struct {
	Type               string         `yaml:"type"`
	Value              any            `yaml:"value,omitempty"`
	Chain              any            `yaml:"chain,omitempty"`
	ChainDrop          any            `yaml:"chain_drop,omitempty"`
	RequiredRole       any            `yaml:"required_role,omitempty"`
	RequiredPermission any            `yaml:"required_permission,omitempty"`
	GroupAdmin         bool           `yaml:"group_admin,omitempty"`
	Params             map[string]any `yaml:",inline"`
}

// IsScenario reports whether the template references sub-scenarios.
func (t Template) IsScenario() bool {
	return t.Type == "scenario"
}

// ToMap flattens the template into the map merged with event data.
func (t Template) ToMap() map[string]any {
	out := make(map[string]any, len(t.Params)+6)
	for k, v := range t.Params {
		out[k] = v
	}
	out["type"] = t.Type
	if t.Chain != nil {
		out["chain"] = t.Chain
	}
	if t.ChainDrop != nil {
		out["chain_drop"] = t.ChainDrop
	}
	if t.RequiredRole != nil {
		out["required_role"] = t.RequiredRole
	}
	if t.RequiredPermission != nil {
		out["required_permission"] = t.RequiredPermission
	}
	if t.GroupAdmin {
		out["group_admin"] = true
	}
	return out
}

// Scenario is a named, ordered template list.
type Scenario struct {
	Actions []Template `yaml:"actions"`
}

// TextTriggers match inbound text events against scenario names in priority
// order: exact, regex, starts_with, contains. All matching is
// case-insensitive.
type TextTriggers struct {
	Exact      map[string]string `yaml:"exact,omitempty"`
	Regex      map[string]string `yaml:"regex,omitempty"`
	StartsWith map[string]string `yaml:"starts_with,omitempty"`
	Contains   map[string]string `yaml:"contains,omitempty"`
}

// Triggers groups trigger tables by event source.
type Triggers struct {
	Text TextTriggers `yaml:"text"`
}

type storeFile struct {
	Triggers  Triggers            `yaml:"triggers"`
	Scenarios map[string]Scenario `yaml:"scenarios"`
}

// Store holds scenarios and their triggers, loaded once from YAML and
// read-only afterwards.
type Store struct {
	scenarios map[string]Scenario
	triggers  Triggers
	log       *slog.Logger
}

// LoadFile reads a scenario store from one YAML file.
func LoadFile(path string, logger *slog.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}
	return FromYAML(data, logger)
}

// FromYAML parses a scenario store from raw YAML bytes.
func FromYAML(data []byte, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var f storeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid scenarios yaml: %w", err)
	}
	if f.Scenarios == nil {
		f.Scenarios = map[string]Scenario{}
	}
	for name, sc := range f.Scenarios {
		if name == "" {
			return nil, fmt.Errorf("scenarios contains empty name")
		}
		if len(sc.Actions) == 0 {
			logger.Warn("scenario has no actions", "scenario", name)
		}
	}
	return &Store{scenarios: f.Scenarios, triggers: f.Triggers, log: logger}, nil
}

// Empty returns a store with no scenarios, for wiring without a file.
func Empty(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{scenarios: map[string]Scenario{}, log: logger}
}

// GetScenario returns a scenario by name.
func (s *Store) GetScenario(name string) (Scenario, bool) {
	sc, ok := s.scenarios[name]
	return sc, ok
}

// Names returns all scenario names.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.scenarios))
	for name := range s.scenarios {
		names = append(names, name)
	}
	return names
}

// FindScenarioByEvent resolves a scenario name from an inbound event, or ""
// when nothing matches. Channel events are ignored. Callback data of the form
// ":name" is an explicit scenario jump.
func (s *Store) FindScenarioByEvent(event map[string]any) string {
	if str(event["chat_type"]) == "channel" {
		return ""
	}
	switch str(event["source_type"]) {
	case "text":
		return s.matchText(str(event["event_text"]))
	case "callback":
		data := str(event["callback_data"])
		if strings.HasPrefix(data, ":") {
			return data[1:]
		}
		return ""
	}
	return ""
}

func (s *Store) matchText(text string) string {
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	for key, name := range s.triggers.Text.Exact {
		if strings.ToLower(key) == lower {
			return name
		}
	}
	for pattern, name := range s.triggers.Text.Regex {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			s.log.Error("invalid trigger regex", "pattern", pattern, "error", err)
			continue
		}
		if re.MatchString(text) {
			return name
		}
	}
	for key, name := range s.triggers.Text.StartsWith {
		if strings.HasPrefix(lower, strings.ToLower(key)) {
			return name
		}
	}
	for key, name := range s.triggers.Text.Contains {
		if strings.Contains(lower, strings.ToLower(key)) {
			return name
		}
	}
	return ""
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
