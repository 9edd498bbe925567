package trigger_test

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"chainline/internal/db"
	"chainline/internal/domain"
	"chainline/internal/migrate"
	"chainline/internal/repo"
	"chainline/internal/scenario"
	"chainline/internal/trigger"
)

const scenariosYAML = `
scenarios:
  simple:
    actions:
      - type: first_step
        text: "one"
      - type: second_step
        chain: true
        chain_drop: ["drop"]
  fanout:
    actions:
      - type: root_step
      - type: scenario
        value: [branch_b, branch_c]
  nested:
    actions:
      - type: root_step
      - type: scenario
        value: middle
      - type: tail_step
        chain: completed
  branch_b:
    actions:
      - type: b_step
        chain: true
  branch_c:
    actions:
      - type: c_step
        chain: true
  middle:
    actions:
      - type: m_step
        chain: true
  headless:
    actions:
      - type: lonely_step
        chain: true
  unchained:
    actions:
      - type: plain_step
        chain: []
`

type testEnv struct {
	Expander *trigger.Expander
	Repo     repo.Repo
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := scenario.FromYAML([]byte(scenariosYAML), nil)
	if err != nil {
		t.Fatalf("scenarios: %v", err)
	}
	exp := trigger.New(conn, store, nil, nil)
	exp.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Expander: exp, Repo: repo.Repo{DB: conn}, Ctx: context.Background()}
}

func jumpEvent(name string) map[string]any {
	return map[string]any{
		"source_type":   "callback",
		"callback_data": ":" + name,
		"user_id":       float64(10),
		"chat_id":       float64(20),
		"username":      "tester",
	}
}

func allActions(t *testing.T, env testEnv) []domain.Action {
	t.Helper()
	items, err := env.Repo.ListActions(env.Ctx, "", "", 0)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func byType(items []domain.Action, actionType string) *domain.Action {
	for i := range items {
		if items[i].ActionType == actionType {
			return &items[i]
		}
	}
	return nil
}

func TestSimpleSequence(t *testing.T) {
	env := newTestEnv(t)
	env.Expander.HandleEvent(env.Ctx, jumpEvent("simple"))

	items := allActions(t, env)
	if len(items) != 2 {
		t.Fatalf("rows = %d, want 2", len(items))
	}
	first, second := items[0], items[1]
	if first.ActionType != "first_step" || first.Status != domain.StatusPending {
		t.Fatalf("first = %s/%s", first.ActionType, first.Status)
	}
	if first.PrevActionID != nil || first.UnlockStatus != nil {
		t.Fatalf("first must be unchained")
	}
	if second.ActionType != "second_step" || second.Status != domain.StatusHold {
		t.Fatalf("second = %s/%s, want second_step/hold", second.ActionType, second.Status)
	}
	if second.PrevActionID == nil || *second.PrevActionID != first.ID {
		t.Fatalf("second.prev = %v, want %d", second.PrevActionID, first.ID)
	}
	var unlock []string
	if second.UnlockStatus == nil {
		t.Fatalf("unlock status missing")
	}
	if err := json.Unmarshal([]byte(*second.UnlockStatus), &unlock); err != nil {
		t.Fatalf("unlock json: %v", err)
	}
	if len(unlock) != 3 {
		t.Fatalf("chain true should unlock on any terminal status, got %v", unlock)
	}
	if second.ChainDropStatus == nil {
		t.Fatalf("chain_drop status missing")
	}
	if first.UserID != 10 || first.ChatID != 20 {
		t.Fatalf("event ids not persisted: user=%d chat=%d", first.UserID, first.ChatID)
	}
}

func TestFanOutSharesPredecessor(t *testing.T) {
	env := newTestEnv(t)
	env.Expander.HandleEvent(env.Ctx, jumpEvent("fanout"))

	items := allActions(t, env)
	root := byType(items, "root_step")
	b := byType(items, "b_step")
	c := byType(items, "c_step")
	if root == nil || b == nil || c == nil {
		t.Fatalf("missing rows: %+v", items)
	}
	if b.PrevActionID == nil || *b.PrevActionID != root.ID {
		t.Fatalf("b.prev = %v, want %d", b.PrevActionID, root.ID)
	}
	if c.PrevActionID == nil || *c.PrevActionID != root.ID {
		t.Fatalf("c.prev = %v, want %d (fan-out shares the branch point)", c.PrevActionID, root.ID)
	}
	if b.Status != domain.StatusHold || c.Status != domain.StatusHold {
		t.Fatalf("branches must hold: %s/%s", b.Status, c.Status)
	}
}

func TestNestedSingleExtendsChain(t *testing.T) {
	env := newTestEnv(t)
	env.Expander.HandleEvent(env.Ctx, jumpEvent("nested"))

	items := allActions(t, env)
	root := byType(items, "root_step")
	m := byType(items, "m_step")
	tail := byType(items, "tail_step")
	if root == nil || m == nil || tail == nil {
		t.Fatalf("missing rows: %+v", items)
	}
	if m.PrevActionID == nil || *m.PrevActionID != root.ID {
		t.Fatalf("m.prev = %v, want %d", m.PrevActionID, root.ID)
	}
	if tail.PrevActionID == nil || *tail.PrevActionID != m.ID {
		t.Fatalf("tail.prev = %v, want %d (single nested scenario extends the chain)", tail.PrevActionID, m.ID)
	}
	var unlock []string
	if tail.UnlockStatus == nil {
		t.Fatalf("tail unlock missing")
	}
	if err := json.Unmarshal([]byte(*tail.UnlockStatus), &unlock); err != nil {
		t.Fatalf("unlock json: %v", err)
	}
	if len(unlock) != 1 || unlock[0] != domain.StatusCompleted {
		t.Fatalf(`chain "completed" should unlock on completed only, got %v`, unlock)
	}
}

func TestChainWithoutPredecessor(t *testing.T) {
	env := newTestEnv(t)
	env.Expander.HandleEvent(env.Ctx, jumpEvent("headless"))

	items := allActions(t, env)
	if len(items) != 1 {
		t.Fatalf("rows = %d, want 1", len(items))
	}
	// A chained first action has nothing to wait for; it runs unchained.
	if items[0].Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", items[0].Status)
	}
	if items[0].PrevActionID != nil {
		t.Fatalf("prev must be null")
	}
}

func TestEmptyChainListDisablesChaining(t *testing.T) {
	env := newTestEnv(t)
	env.Expander.HandleEvent(env.Ctx, jumpEvent("simple"))
	env.Expander.HandleEvent(env.Ctx, jumpEvent("unchained"))

	items := allActions(t, env)
	plain := byType(items, "plain_step")
	if plain == nil {
		t.Fatalf("plain_step missing")
	}
	if plain.Status != domain.StatusPending || plain.PrevActionID != nil {
		t.Fatalf("empty chain list must not link: %s prev=%v", plain.Status, plain.PrevActionID)
	}
}

func TestUserUpserted(t *testing.T) {
	env := newTestEnv(t)
	env.Expander.HandleEvent(env.Ctx, jumpEvent("simple"))

	u, err := env.Repo.GetUser(env.Ctx, 10)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Username == nil || *u.Username != "tester" {
		t.Fatalf("username = %v", u.Username)
	}

	// A later event refreshes the profile instead of duplicating it.
	event := jumpEvent("simple")
	event["username"] = "renamed"
	env.Expander.HandleEvent(env.Ctx, event)
	u, err = env.Repo.GetUser(env.Ctx, 10)
	if err != nil {
		t.Fatalf("get user again: %v", err)
	}
	if u.Username == nil || *u.Username != "renamed" {
		t.Fatalf("username after upsert = %v", u.Username)
	}
}

func TestUnmatchedEventWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Expander.HandleEvent(env.Ctx, map[string]any{
		"source_type": "text",
		"event_text":  "nothing to see",
		"user_id":     float64(10),
	})
	if items := allActions(t, env); len(items) != 0 {
		t.Fatalf("rows = %d, want 0", len(items))
	}
}

func TestActionDataCarriesTemplateAndEvent(t *testing.T) {
	env := newTestEnv(t)
	env.Expander.HandleEvent(env.Ctx, jumpEvent("simple"))

	items := allActions(t, env)
	var data map[string]any
	if err := json.Unmarshal([]byte(items[0].ActionData), &data); err != nil {
		t.Fatalf("action data json: %v", err)
	}
	if data["text"] != "one" {
		t.Fatalf("template param missing: %v", data)
	}
	if data["callback_data"] != ":simple" {
		t.Fatalf("event attribute missing: %v", data)
	}
	if data["is_failed"] != false {
		t.Fatalf("is_failed = %v, want false", data["is_failed"])
	}
}
