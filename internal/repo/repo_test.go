package repo_test

import (
	"context"
	"testing"

	"chainline/internal/db"
	"chainline/internal/domain"
	"chainline/internal/migrate"
	"chainline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func TestInsertGetRoundtrip(t *testing.T) {
	r, ctx := newRepo(t)
	prev := int64(0)
	prevID, err := r.InsertAction(ctx, nil, domain.Action{
		UserID:     1,
		ChatID:     2,
		ActionType: "first_step",
		ActionData: `{"k":"v"}`,
		Status:     domain.StatusPending,
		CreatedAt:  "2025-06-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	prev = prevID
	unlock := `["completed"]`
	id, err := r.InsertAction(ctx, nil, domain.Action{
		UserID:       1,
		ChatID:       2,
		ActionType:   "second_step",
		ActionData:   "{}",
		Status:       domain.StatusHold,
		PrevActionID: &prev,
		UnlockStatus: &unlock,
		CreatedAt:    "2025-06-01T10:00:01Z",
	})
	if err != nil {
		t.Fatalf("insert chained: %v", err)
	}
	a, err := r.GetAction(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.ActionType != "second_step" || a.Status != domain.StatusHold {
		t.Fatalf("row = %+v", a)
	}
	if a.PrevActionID == nil || *a.PrevActionID != prev {
		t.Fatalf("prev = %v, want %d", a.PrevActionID, prev)
	}
	if a.UnlockStatus == nil || *a.UnlockStatus != unlock {
		t.Fatalf("unlock = %v", a.UnlockStatus)
	}
	if a.ProcessedAt != nil || a.PrevData != nil || a.ResponseData != nil {
		t.Fatalf("nullable columns should be nil: %+v", a)
	}
}

func TestGetActionNotFound(t *testing.T) {
	r, ctx := newRepo(t)
	if _, err := r.GetAction(ctx, 42); err != repo.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPendingActionsDrain(t *testing.T) {
	r, ctx := newRepo(t)
	for i, ts := range []string{"2025-06-01T10:00:02Z", "2025-06-01T10:00:00Z", "2025-06-01T10:00:01Z"} {
		status := domain.StatusPending
		if i == 2 {
			status = domain.StatusHold
		}
		if _, err := r.InsertAction(ctx, nil, domain.Action{
			ActionType: "send_message",
			ActionData: "{}",
			Status:     status,
			CreatedAt:  ts,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := r.InsertAction(ctx, nil, domain.Action{
		ActionType: "other_type",
		ActionData: "{}",
		Status:     domain.StatusPending,
		CreatedAt:  "2025-06-01T09:00:00Z",
	}); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	items, err := r.PendingActions(ctx, "send_message", 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("pending rows = %d, want 2 (hold and other types excluded)", len(items))
	}
	if items[0].CreatedAt > items[1].CreatedAt {
		t.Fatalf("drain must be oldest first: %s then %s", items[0].CreatedAt, items[1].CreatedAt)
	}

	if err := r.MarkProcessed(ctx, items[0].ID, domain.StatusCompleted, `{"ok":true}`, "2025-06-01T10:05:00Z"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	a, _ := r.GetAction(ctx, items[0].ID)
	if a.Status != domain.StatusCompleted || a.ResponseData == nil || a.ProcessedAt == nil {
		t.Fatalf("processed row = %+v", a)
	}
	items, _ = r.PendingActions(ctx, "send_message", 10)
	if len(items) != 1 {
		t.Fatalf("pending after processing = %d, want 1", len(items))
	}
}

func TestResolveHoldGuard(t *testing.T) {
	r, ctx := newRepo(t)
	id, err := r.InsertAction(ctx, nil, domain.Action{
		ActionType: "second_step",
		ActionData: "{}",
		Status:     domain.StatusPending,
		CreatedAt:  "2025-06-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Only HOLD rows may be resolved; anything else is a lost race.
	if err := r.ResolveHold(ctx, nil, id, domain.StatusPending, ""); err != repo.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListActionsFilters(t *testing.T) {
	r, ctx := newRepo(t)
	for _, row := range []struct {
		typ, status, ts string
	}{
		{"send_message", domain.StatusPending, "2025-06-01T10:00:00Z"},
		{"send_message", domain.StatusCompleted, "2025-06-01T10:00:01Z"},
		{"ban", domain.StatusPending, "2025-06-01T10:00:02Z"},
	} {
		if _, err := r.InsertAction(ctx, nil, domain.Action{
			ActionType: row.typ,
			ActionData: "{}",
			Status:     row.status,
			CreatedAt:  row.ts,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	items, err := r.ListActions(ctx, domain.StatusPending, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("status filter rows = %d, want 2", len(items))
	}
	if items[0].CreatedAt < items[1].CreatedAt {
		t.Fatalf("list must be newest first")
	}
	items, _ = r.ListActions(ctx, domain.StatusPending, "ban", 0)
	if len(items) != 1 || items[0].ActionType != "ban" {
		t.Fatalf("type filter rows = %+v", items)
	}
}
