package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Manager answers role, permission and group-admin questions from the
// roles/permissions tables. Scenario templates declare requirements; the
// trigger expander asks this before persisting the action.
type Manager struct {
	DB  *sql.DB
	Log *slog.Logger
}

func New(conn *sql.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{DB: conn, Log: logger}
}

// CheckAccess reports whether the user satisfies every declared requirement.
// Roles are OR (any listed role suffices), permissions are AND (all must be
// granted through some role), group_admin requires an admin row for the
// event's chat.
func (m *Manager) CheckAccess(ctx context.Context, userID int64, roles, permissions []string, groupAdmin bool, event map[string]any) (bool, error) {
	if len(roles) > 0 {
		ok, err := m.hasAnyRole(ctx, userID, roles)
		if err != nil {
			return false, fmt.Errorf("role check: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	for _, perm := range permissions {
		ok, err := m.HasPermission(ctx, userID, perm)
		if err != nil {
			return false, fmt.Errorf("permission check %q: %w", perm, err)
		}
		if !ok {
			return false, nil
		}
	}
	if groupAdmin {
		chatID := eventChatID(event)
		if chatID == 0 {
			m.Log.Warn("group_admin check without chat_id", "user_id", userID)
			return false, nil
		}
		ok, err := m.IsGroupAdmin(ctx, chatID, userID)
		if err != nil {
			return false, fmt.Errorf("group admin check: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) hasAnyRole(ctx context.Context, userID int64, roles []string) (bool, error) {
	for _, role := range roles {
		ok, err := m.HasRole(ctx, userID, role)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HasRole reports whether the user holds the role.
func (m *Manager) HasRole(ctx context.Context, userID int64, role string) (bool, error) {
	var n int
	err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_roles WHERE user_id=? AND role_id=?`, userID, role).Scan(&n)
	return n > 0, err
}

// HasPermission reports whether any of the user's roles grants the permission.
func (m *Manager) HasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	var n int
	err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_roles ur
JOIN role_permissions rp ON rp.role_id = ur.role_id
WHERE ur.user_id=? AND rp.permission_id=?`, userID, permission).Scan(&n)
	return n > 0, err
}

// IsGroupAdmin reports whether the user administers the chat.
func (m *Manager) IsGroupAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	var n int
	err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM group_admins WHERE chat_id=? AND user_id=?`, chatID, userID).Scan(&n)
	return n > 0, err
}

// GrantRole assigns a role, creating the role row on first use.
func (m *Manager) GrantRole(ctx context.Context, userID int64, role string) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id) VALUES (?)`, role); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(user_id, role_id) VALUES (?,?)`, userID, role); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role assignment.
func (m *Manager) RevokeRole(ctx context.Context, userID int64, role string) error {
	_, err := m.DB.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=? AND role_id=?`, userID, role)
	return err
}

// GrantPermission attaches a permission to a role, creating both on first use.
func (m *Manager) GrantPermission(ctx context.Context, role, permission string) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id) VALUES (?)`, role); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id) VALUES (?)`, permission); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, role, permission); err != nil {
		return err
	}
	return tx.Commit()
}

// SetGroupAdmin records or clears a chat admin.
func (m *Manager) SetGroupAdmin(ctx context.Context, chatID, userID int64, admin bool) error {
	if admin {
		_, err := m.DB.ExecContext(ctx, `INSERT OR IGNORE INTO group_admins(chat_id, user_id) VALUES (?,?)`, chatID, userID)
		return err
	}
	_, err := m.DB.ExecContext(ctx, `DELETE FROM group_admins WHERE chat_id=? AND user_id=?`, chatID, userID)
	return err
}

func eventChatID(event map[string]any) int64 {
	switch v := event["chat_id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
