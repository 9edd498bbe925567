package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chainline/internal/audit"
	"chainline/internal/domain"
	"chainline/internal/repo"
	"chainline/internal/scenario"
)

// ScenarioSource resolves scenarios at event time.
type ScenarioSource interface {
	FindScenarioByEvent(event map[string]any) string
	GetScenario(name string) (scenario.Scenario, bool)
}

// PermissionManager checks a user against a template's declared role,
// permission and group-admin requirements. It is an optional collaborator:
// without one, checks are skipped with a warning.
type PermissionManager interface {
	CheckAccess(ctx context.Context, userID int64, roles, permissions []string, groupAdmin bool, event map[string]any) (bool, error)
}

// Expander compiles triggered scenarios into persisted, dependency-linked
// action chains. It writes rows; it never dispatches.
type Expander struct {
	DB          *sql.DB
	Repo        repo.Repo
	Audit       audit.Writer
	Scenarios   ScenarioSource
	Permissions PermissionManager
	Log         *slog.Logger
	Now         func() time.Time
}

// New wires an Expander over the given database.
func New(conn *sql.DB, scenarios ScenarioSource, permissions PermissionManager, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{
		DB:          conn,
		Repo:        repo.Repo{DB: conn},
		Audit:       audit.Writer{DB: conn},
		Scenarios:   scenarios,
		Permissions: permissions,
		Log:         logger,
		Now:         time.Now,
	}
}

func (e *Expander) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// HandleEvent resolves a scenario for the event and expands it into action
// rows. All failures are logged and swallowed: event processing never raises
// back to the transport layer.
func (e *Expander) HandleEvent(ctx context.Context, event map[string]any) {
	scenarioName := e.Scenarios.FindScenarioByEvent(event)
	if scenarioName == "" {
		e.Log.Warn("no trigger matched event", "event", event)
		return
	}
	sc, ok := e.Scenarios.GetScenario(scenarioName)
	if !ok {
		e.Log.Warn("scenario not found", "scenario", scenarioName)
		return
	}
	if len(sc.Actions) == 0 {
		e.Log.Warn("scenario has no actions", "scenario", scenarioName)
		return
	}
	if err := e.expandScenario(ctx, scenarioName, sc, event); err != nil {
		e.Log.Error("scenario expansion failed", "scenario", scenarioName, "error", err)
	}
}

func (e *Expander) expandScenario(ctx context.Context, scenarioName string, sc scenario.Scenario, event map[string]any) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.upsertUser(ctx, tx, event); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	last, count, err := e.expandTemplates(ctx, tx, sc.Actions, event, nil)
	if err != nil {
		return err
	}
	actor := fmt.Sprintf("user:%d", eventInt64(event, "user_id"))
	payload := audit.Payload{"scenario": scenarioName, "actions": count}
	if last != nil {
		payload["last_action_id"] = *last
	}
	if err := e.Audit.Append(ctx, tx, "chain.expanded", "scenario", scenarioName, actor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// expandTemplates walks a template list, threading the predecessor pointer.
// It returns the id of the last action actually created so a subsequent
// sibling template chains correctly, plus the number of rows written.
func (e *Expander) expandTemplates(ctx context.Context, tx *sql.Tx, templates []scenario.Template, event map[string]any, prev *int64) (*int64, int, error) {
	count := 0
	for _, tpl := range templates {
		if tpl.IsScenario() {
			last, n, err := e.expandScenarioTemplate(ctx, tx, tpl, event, prev)
			if err != nil {
				return nil, count, err
			}
			count += n
			if last != nil {
				prev = last
			}
			continue
		}
		id, err := e.expandSingle(ctx, tx, tpl, event, prev)
		if err != nil {
			return nil, count, err
		}
		prev = &id
		count++
	}
	return prev, count, nil
}

// expandScenarioTemplate handles a nested scenario reference. Multiple names
// fan out against the same predecessor (a branch point); a single name
// extends the current chain and its last action becomes the new predecessor.
func (e *Expander) expandScenarioTemplate(ctx context.Context, tx *sql.Tx, tpl scenario.Template, event map[string]any, prev *int64) (*int64, int, error) {
	names := normalizeStrings(tpl.Value)
	if len(names) == 0 {
		e.Log.Error("scenario template has empty value", "template", tpl.Type)
		return nil, 0, nil
	}
	if len(names) > 1 {
		count := 0
		for _, name := range names {
			sub, ok := e.Scenarios.GetScenario(name)
			if !ok {
				e.Log.Error("nested scenario not found", "scenario", name)
				continue
			}
			if len(sub.Actions) == 0 {
				e.Log.Warn("nested scenario has no actions", "scenario", name)
				continue
			}
			_, n, err := e.expandTemplates(ctx, tx, sub.Actions, event, prev)
			if err != nil {
				return nil, count, err
			}
			count += n
		}
		return nil, count, nil
	}
	name := names[0]
	sub, ok := e.Scenarios.GetScenario(name)
	if !ok {
		e.Log.Error("nested scenario not found", "scenario", name)
		return nil, 0, nil
	}
	if len(sub.Actions) == 0 {
		e.Log.Warn("nested scenario has no actions", "scenario", name)
		return nil, 0, nil
	}
	return e.expandTemplates(ctx, tx, sub.Actions, event, prev)
}

func (e *Expander) expandSingle(ctx context.Context, tx *sql.Tx, tpl scenario.Template, event map[string]any, prev *int64) (int64, error) {
	failReason := e.checkTemplateAccess(ctx, tpl, event)
	actionData := e.prepareActionData(tpl, event, failReason)
	status, chain := deriveChain(tpl, actionData, prev, e.Log)

	dataJSON, err := json.Marshal(actionData)
	if err != nil {
		return 0, fmt.Errorf("marshal action data: %w", err)
	}
	a := domain.Action{
		UserID:     eventInt64(event, "user_id"),
		ChatID:     eventInt64(event, "chat_id"),
		ActionType: tpl.Type,
		ActionData: string(dataJSON),
		Status:     status,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	if chain.enabled && prev != nil {
		a.PrevActionID = prev
		unlockJSON, err := json.Marshal(chain.unlockStatuses)
		if err != nil {
			return 0, fmt.Errorf("marshal unlock status: %w", err)
		}
		s := string(unlockJSON)
		a.UnlockStatus = &s
	}
	if len(chain.dropStatuses) > 0 {
		dropJSON, err := json.Marshal(chain.dropStatuses)
		if err != nil {
			return 0, fmt.Errorf("marshal chain drop status: %w", err)
		}
		s := string(dropJSON)
		a.ChainDropStatus = &s
	}
	return e.Repo.InsertAction(ctx, tx, a)
}

// checkTemplateAccess returns a fail reason or "". Without a permission
// manager any declared requirement is skipped with a warning.
func (e *Expander) checkTemplateAccess(ctx context.Context, tpl scenario.Template, event map[string]any) string {
	userID := eventInt64(event, "user_id")
	if userID == 0 {
		return ""
	}
	roles := normalizeStrings(tpl.RequiredRole)
	permissions := normalizeStrings(tpl.RequiredPermission)
	if e.Permissions == nil {
		if len(roles) > 0 || len(permissions) > 0 || tpl.GroupAdmin {
			e.Log.Warn("access checks skipped, permission manager disabled",
				"user_id", userID, "action", tpl.Type)
		}
		return ""
	}
	if len(roles) == 0 && len(permissions) == 0 && !tpl.GroupAdmin {
		return ""
	}
	allowed, err := e.Permissions.CheckAccess(ctx, userID, roles, permissions, tpl.GroupAdmin, event)
	if err != nil {
		e.Log.Error("permission check failed", "user_id", userID, "action", tpl.Type, "error", err)
		return "access_denied"
	}
	if !allowed {
		e.Log.Warn("access denied", "user_id", userID, "action", tpl.Type,
			"required_role", roles, "required_permission", permissions, "group_admin", tpl.GroupAdmin)
		return "access_denied"
	}
	return ""
}

// prepareActionData merges template fields with event attributes; event wins.
func (e *Expander) prepareActionData(tpl scenario.Template, event map[string]any, failReason string) map[string]any {
	data := tpl.ToMap()
	for k, v := range event {
		data[k] = v
	}
	if failReason != "" {
		data["is_failed"] = true
		data["fail_reason"] = failReason
	} else {
		data["is_failed"] = false
	}
	return data
}

type chainParams struct {
	enabled        bool
	unlockStatuses []string
	dropStatuses   []string
}

// deriveChain normalizes the template's polymorphic chain field once; nothing
// downstream branches on the raw union again. Rules:
//
//	true / "any"  -> unlock on {completed, failed, drop}
//	string        -> unlock on that status only
//	list          -> unlock on those statuses (empty list disables chaining)
//	falsy         -> chaining disabled
func deriveChain(tpl scenario.Template, actionData map[string]any, prev *int64, log *slog.Logger) (string, chainParams) {
	var params chainParams
	switch c := tpl.Chain.(type) {
	case bool:
		if c {
			params.enabled = true
			params.unlockStatuses = []string{domain.StatusCompleted, domain.StatusFailed, domain.StatusDrop}
		}
	case string:
		if c == "any" {
			params.enabled = true
			params.unlockStatuses = []string{domain.StatusCompleted, domain.StatusFailed, domain.StatusDrop}
		} else if c != "" {
			params.enabled = true
			params.unlockStatuses = []string{c}
		}
	case []any:
		statuses := normalizeStrings(c)
		if len(statuses) > 0 {
			params.enabled = true
			params.unlockStatuses = statuses
		}
	case nil:
	default:
		log.Warn("unsupported chain value", "chain", tpl.Chain)
	}
	params.dropStatuses = normalizeStrings(tpl.ChainDrop)

	isFailed, _ := actionData["is_failed"].(bool)
	if params.enabled {
		if prev != nil {
			return domain.StatusHold, params
		}
		status := domain.StatusPending
		if isFailed {
			status = domain.StatusFailed
		}
		log.Warn("chain requested without predecessor, creating unchained", "action", tpl.Type, "status", status)
		return status, params
	}
	if isFailed {
		return domain.StatusFailed, params
	}
	return domain.StatusPending, params
}

func (e *Expander) upsertUser(ctx context.Context, tx *sql.Tx, event map[string]any) error {
	userID := eventInt64(event, "user_id")
	if userID == 0 {
		return nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	lastActivity := now
	if ts, ok := event["event_date"].(string); ok && ts != "" {
		if _, err := time.Parse(time.RFC3339, ts); err == nil {
			lastActivity = ts
		}
	}
	isBot, _ := event["is_bot"].(bool)
	u := domain.User{
		UserID:       userID,
		Username:     eventString(event, "username"),
		FirstName:    eventString(event, "first_name"),
		LastName:     eventString(event, "last_name"),
		IsBot:        isBot,
		LastActivity: lastActivity,
		CreatedAt:    now,
	}
	return e.Repo.UpsertUser(ctx, tx, u)
}

// normalizeStrings flattens a string, []any or []string into a string slice,
// dropping empties.
func normalizeStrings(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		out := make([]string, 0, len(val))
		for _, s := range val {
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s := fmt.Sprintf("%v", item)
			if s != "" && item != nil {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func eventInt64(event map[string]any, key string) int64 {
	switch v := event[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func eventString(event map[string]any, key string) *string {
	if s, ok := event[key].(string); ok && s != "" {
		return &s
	}
	return nil
}
