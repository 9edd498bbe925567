package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chainline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const actionColumns = `id,user_id,chat_id,action_type,action_data,prev_data,response_data,status,prev_action_id,unlock_status,chain_drop_status,is_unlocker_checked,created_at,processed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (domain.Action, error) {
	var a domain.Action
	var prevData, respData, unlock, chainDrop, processedAt sql.NullString
	var prevID sql.NullInt64
	err := row.Scan(&a.ID, &a.UserID, &a.ChatID, &a.ActionType, &a.ActionData,
		&prevData, &respData, &a.Status, &prevID, &unlock, &chainDrop,
		&a.IsUnlockerChecked, &a.CreatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.PrevData = optionalString(prevData)
	a.ResponseData = optionalString(respData)
	a.UnlockStatus = optionalString(unlock)
	a.ChainDropStatus = optionalString(chainDrop)
	if prevID.Valid {
		a.PrevActionID = &prevID.Int64
	}
	a.ProcessedAt = optionalString(processedAt)
	return a, nil
}

// InsertAction persists a new action row and returns its id.
func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) (int64, error) {
	res, err := execer(r.DB, tx).ExecContext(ctx, `INSERT INTO actions(user_id,chat_id,action_type,action_data,prev_data,status,prev_action_id,unlock_status,chain_drop_status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.UserID, a.ChatID, a.ActionType, a.ActionData, nullableStringPtr(a.PrevData),
		a.Status, nullableInt64Ptr(a.PrevActionID), nullableStringPtr(a.UnlockStatus),
		nullableStringPtr(a.ChainDropStatus), a.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert action: %w", err)
	}
	return res.LastInsertId()
}

// GetAction fetches a single action row by id.
func (r Repo) GetAction(ctx context.Context, id int64) (domain.Action, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id))
}

// ListActions returns action rows, newest first, optionally filtered by status
// and action type.
func (r Repo) ListActions(ctx context.Context, status, actionType string, limit int) ([]domain.Action, error) {
	var (
		where []string
		args  []any
	)
	if status != "" {
		where = append(where, "status=?")
		args = append(args, status)
	}
	if actionType != "" {
		where = append(where, "action_type=?")
		args = append(args, actionType)
	}
	q := `SELECT ` + actionColumns + ` FROM actions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// HoldActions returns HOLD rows with a predecessor, oldest first, for the
// unlock sweep.
func (r Repo) HoldActions(ctx context.Context, limit int) ([]domain.Action, error) {
	q := `SELECT ` + actionColumns + ` FROM actions WHERE status=? AND prev_action_id IS NOT NULL ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, domain.StatusHold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ResolveHold transitions a HOLD row to pending or drop. The sweep is the only
// writer of this transition.
func (r Repo) ResolveHold(ctx context.Context, tx *sql.Tx, id int64, status, prevData string) error {
	res, err := execer(r.DB, tx).ExecContext(ctx, `UPDATE actions SET status=?, prev_data=?, is_unlocker_checked=1 WHERE id=? AND status=?`,
		status, nullable(prevData), id, domain.StatusHold)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkUnlockerChecked flags a HOLD row as seen by the sweep while its
// predecessor is still in flight.
func (r Repo) MarkUnlockerChecked(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE actions SET is_unlocker_checked=1 WHERE id=?`, id)
	return err
}

// PendingActions returns up to limit pending rows of the given action type,
// oldest first. Downstream per-service consumers drain rows through this and
// report outcomes with MarkProcessed.
func (r Repo) PendingActions(ctx context.Context, actionType string, limit int) ([]domain.Action, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE status=? AND action_type=? ORDER BY created_at ASC, id ASC LIMIT ?`,
		domain.StatusPending, actionType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// MarkProcessed records a terminal status and the handler's response for a row.
func (r Repo) MarkProcessed(ctx context.Context, id int64, status, responseData, processedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actions SET status=?, response_data=?, processed_at=? WHERE id=?`,
		status, nullable(responseData), processedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execer(db *sql.DB, tx *sql.Tx) sqlExecer {
	if tx != nil {
		return tx
	}
	return db
}
