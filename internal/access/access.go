package access

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"chainline/internal/config"
	"chainline/internal/domain"
)

// Group maps a trusted attribute name to its allowed value set.
type Group map[string][]string

// Rule is one declarative authorization rule. Two kinds are expressible:
// group membership (AllowedGroups) and field integrity (CheckFields); a rule
// carrying both escalates integrity mismatches to the group check.
type Rule struct {
	Name          string
	AllowedGroups []string
	CheckFields   []string
}

// Validator evaluates named access rules against a request's trusted system
// block. Groups and rules are loaded once at construction and never mutated,
// so concurrent reads need no locking.
type Validator struct {
	groups map[string]Group
	rules  map[string]Rule
	log    *slog.Logger
}

// NewValidator builds a Validator from configuration.
func NewValidator(cfg *config.Config, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{
		groups: make(map[string]Group),
		rules:  make(map[string]Rule),
		log:    logger,
	}
	if cfg != nil {
		for name, attrs := range cfg.Access.Groups {
			g := make(Group, len(attrs))
			for attr, values := range attrs {
				g[attr] = append([]string(nil), values...)
			}
			v.groups[name] = g
		}
		for name, rule := range cfg.Access.Rules {
			v.rules[name] = Rule{
				Name:          name,
				AllowedGroups: append([]string(nil), rule.AllowedGroups...),
				CheckFields:   append([]string(nil), rule.CheckFields...),
			}
		}
	}
	logger.Info("access validator loaded", "groups", len(v.groups), "rules", len(v.rules))
	return v
}

// ValidateActionAccess evaluates every named rule in declaration order; the
// first failing rule short-circuits (AND semantics across rules). An action
// without access rules passes trivially.
func (v *Validator) ValidateActionAccess(actionName string, accessRules []string, data map[string]any) domain.Envelope {
	if len(accessRules) == 0 {
		return domain.OK()
	}
	for _, name := range accessRules {
		if env := v.executeRule(name, data); !env.IsSuccess() {
			return env
		}
	}
	return domain.OK()
}

func (v *Validator) executeRule(name string, data map[string]any) domain.Envelope {
	rule, ok := v.rules[name]
	if !ok {
		// Unknown rules are skipped, matching registration-time config drift
		// rather than blocking every caller.
		v.log.Warn("access rule not found in configuration", "rule", name)
		return domain.OK()
	}
	if len(rule.CheckFields) > 0 {
		return v.checkDataIntegrity(rule, data)
	}
	return v.checkGroupAccess(rule.AllowedGroups, systemBlock(data))
}

// checkGroupAccess passes if any referenced group fully matches the system
// block: every attribute constraint of the group must be satisfied.
func (v *Validator) checkGroupAccess(allowedGroups []string, system map[string]any) domain.Envelope {
	if len(allowedGroups) == 0 {
		return domain.OK()
	}
	for _, groupName := range allowedGroups {
		group, ok := v.groups[groupName]
		if !ok {
			continue
		}
		matches := true
		for attr, allowed := range group {
			if !valueAllowed(system[attr], allowed) {
				matches = false
				break
			}
		}
		if matches {
			return domain.OK()
		}
	}
	return domain.ErrEnvelope(domain.CodePermissionDenied,
		fmt.Sprintf("system data does not match requirements of any group: %s", strings.Join(allowedGroups, ", ")))
}

// checkDataIntegrity compares client-supplied top-level values against the
// trusted system block. A mismatch is only permitted when the group check
// independently passes; everyone else is treated as spoofing.
func (v *Validator) checkDataIntegrity(rule Rule, data map[string]any) domain.Envelope {
	system := systemBlock(data)
	for _, field := range rule.CheckFields {
		systemValue, ok := system[field]
		if !ok || systemValue == nil {
			continue
		}
		if normalize(data[field]) == normalize(systemValue) {
			continue
		}
		groupResult := v.checkGroupAccess(rule.AllowedGroups, system)
		if !groupResult.IsSuccess() {
			detail := ""
			if groupResult.Error != nil {
				detail = " " + groupResult.Error.Message
			}
			return domain.ErrEnvelope(domain.CodePermissionDenied,
				fmt.Sprintf("tampering attempt detected on field %s for %s=%v.%s", field, field, systemValue, detail))
		}
	}
	return domain.OK()
}

func systemBlock(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	if system, ok := data["system"].(map[string]any); ok {
		return system
	}
	return map[string]any{}
}

func valueAllowed(value any, allowed []string) bool {
	if value == nil {
		return false
	}
	norm := normalize(value)
	for _, a := range allowed {
		if norm == a {
			return true
		}
	}
	return false
}

// normalize renders a value in its canonical string form so that YAML config
// values compare cleanly against JSON-decoded request attributes.
func normalize(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
