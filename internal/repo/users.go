package repo

import (
	"context"
	"database/sql"

	"chainline/internal/domain"
)

// UpsertUser inserts or refreshes a user profile from a trigger event.
func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := execer(r.DB, tx).ExecContext(ctx, `INSERT INTO users(user_id,username,first_name,last_name,is_bot,last_activity,created_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET
  username=excluded.username,
  first_name=excluded.first_name,
  last_name=excluded.last_name,
  is_bot=excluded.is_bot,
  last_activity=excluded.last_activity`,
		u.UserID, nullableStringPtr(u.Username), nullableStringPtr(u.FirstName),
		nullableStringPtr(u.LastName), u.IsBot, u.LastActivity, u.CreatedAt)
	return err
}

// GetUser fetches one user profile.
func (r Repo) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	var u domain.User
	var username, firstName, lastName sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT user_id,username,first_name,last_name,is_bot,last_activity,created_at FROM users WHERE user_id=?`, userID).
		Scan(&u.UserID, &username, &firstName, &lastName, &u.IsBot, &u.LastActivity, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Username = optionalString(username)
	u.FirstName = optionalString(firstName)
	u.LastName = optionalString(lastName)
	return u, nil
}
