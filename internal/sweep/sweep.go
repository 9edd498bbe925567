package sweep

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"chainline/internal/audit"
	"chainline/internal/domain"
	"chainline/internal/repo"
)

// Summary counts the outcomes of one sweep pass.
type Summary struct {
	Scanned  int `json:"scanned"`
	Promoted int `json:"promoted"`
	Dropped  int `json:"dropped"`
	Deferred int `json:"deferred"`
}

// Sweeper walks HOLD rows and resolves them against their predecessors.
// A predecessor's terminal status is matched against the drop set first,
// then the unlock set. A terminal status in neither set drops the row:
// the predecessor will never reach an unlocking status.
type Sweeper struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Writer
	Log       *slog.Logger
	Now       func() time.Time
	BatchSize int
}

// New wires a Sweeper over the given database.
func New(conn *sql.DB, batchSize int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Audit:     audit.Writer{DB: conn},
		Log:       logger,
		Now:       time.Now,
		BatchSize: batchSize,
	}
}

// RunOnce performs a single sweep pass over the oldest HOLD rows.
func (s *Sweeper) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	held, err := s.Repo.HoldActions(ctx, s.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list hold actions: %w", err)
	}
	sum.Scanned = len(held)
	for _, a := range held {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		outcome, err := s.sweepOne(ctx, a)
		if err != nil {
			s.Log.Error("sweep failed for action", "action_id", a.ID, "error", err)
			continue
		}
		switch outcome {
		case domain.StatusPending:
			sum.Promoted++
		case domain.StatusDrop:
			sum.Dropped++
		default:
			sum.Deferred++
		}
	}
	if sum.Promoted > 0 || sum.Dropped > 0 {
		s.Log.Info("sweep pass complete",
			"scanned", sum.Scanned, "promoted", sum.Promoted, "dropped", sum.Dropped, "deferred", sum.Deferred)
	}
	return sum, nil
}

// sweepOne resolves a single HOLD row. Returns the status the row moved to,
// or "" when it stays held.
func (s *Sweeper) sweepOne(ctx context.Context, a domain.Action) (string, error) {
	if a.PrevActionID == nil {
		// A HOLD row without a predecessor cannot be unlocked.
		s.Log.Warn("hold action has no predecessor, dropping", "action_id", a.ID)
		return domain.StatusDrop, s.resolve(ctx, a, domain.StatusDrop, "")
	}
	prev, err := s.Repo.GetAction(ctx, *a.PrevActionID)
	if err == repo.ErrNotFound {
		s.Log.Warn("predecessor missing, dropping", "action_id", a.ID, "prev_action_id", *a.PrevActionID)
		return domain.StatusDrop, s.resolve(ctx, a, domain.StatusDrop, "")
	}
	if err != nil {
		return "", fmt.Errorf("load predecessor %d: %w", *a.PrevActionID, err)
	}
	if !domain.TerminalStatus(prev.Status) {
		if !a.IsUnlockerChecked {
			if err := s.Repo.MarkUnlockerChecked(ctx, a.ID); err != nil {
				return "", err
			}
		}
		return "", nil
	}

	prevData := prevDataPayload(prev)
	if statusIn(prev.Status, decodeStatusSet(a.ChainDropStatus)) {
		return domain.StatusDrop, s.resolve(ctx, a, domain.StatusDrop, prevData)
	}
	if statusIn(prev.Status, decodeStatusSet(a.UnlockStatus)) {
		return domain.StatusPending, s.resolve(ctx, a, domain.StatusPending, prevData)
	}
	s.Log.Warn("predecessor terminal outside unlock set, dropping",
		"action_id", a.ID, "prev_action_id", prev.ID, "prev_status", prev.Status)
	return domain.StatusDrop, s.resolve(ctx, a, domain.StatusDrop, prevData)
}

func (s *Sweeper) resolve(ctx context.Context, a domain.Action, status, prevData string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.ResolveHold(ctx, tx, a.ID, status, prevData); err != nil {
		return err
	}
	payload := audit.Payload{"status": status}
	if a.PrevActionID != nil {
		payload["prev_action_id"] = *a.PrevActionID
	}
	evtType := "chain.promoted"
	if status == domain.StatusDrop {
		evtType = "chain.dropped"
	}
	if err := s.Audit.Append(ctx, tx, evtType, "action", fmt.Sprintf("%d", a.ID), "sweep", payload); err != nil {
		return err
	}
	return tx.Commit()
}

// prevDataPayload packages a terminal predecessor's outcome for the
// successor's prev_data column.
func prevDataPayload(prev domain.Action) string {
	payload := map[string]any{
		"action_id":   prev.ID,
		"action_type": prev.ActionType,
		"status":      prev.Status,
	}
	if prev.ResponseData != nil {
		var resp any
		if err := json.Unmarshal([]byte(*prev.ResponseData), &resp); err == nil {
			payload["response_data"] = resp
		} else {
			payload["response_data"] = *prev.ResponseData
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeStatusSet(raw *string) []string {
	if raw == nil || *raw == "" {
		return nil
	}
	var statuses []string
	if err := json.Unmarshal([]byte(*raw), &statuses); err != nil {
		// Legacy single-status value.
		return []string{*raw}
	}
	return statuses
}

func statusIn(status string, set []string) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// Schedule registers the sweep on a cron runner. The caller owns the
// runner's lifecycle.
func (s *Sweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.Log.Error("scheduled sweep failed", "error", err)
		}
	})
}
