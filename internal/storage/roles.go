package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"remindbot/internal/model"
)

type roleRow struct {
	RoleID    string `db:"role_id"`
	Group     string `db:"role_group"`
	GroupName string `db:"role_group_name"`
	Subgroup  string `db:"role_subgroup"`
	FullName  string `db:"role_full_name"`
	Pass      string `db:"rolepass"`
}

func (r roleRow) toModel() model.Role {
	return model.Role{
		RoleID:    r.RoleID,
		Group:     r.Group,
		GroupName: r.GroupName,
		Subgroup:  r.Subgroup,
		FullName:  r.FullName,
		Pass:      r.Pass,
	}
}

func (s *Store) UpsertRole(ctx context.Context, r model.Role) error {
	if strings.TrimSpace(r.RoleID) == "" || strings.TrimSpace(r.Pass) == "" {
		return errors.New("role id and pass are required")
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO roles(role_id, role_group, role_group_name, role_subgroup, role_full_name, rolepass)
		 VALUES(:role_id, :role_group, :role_group_name, :role_subgroup, :role_full_name, :rolepass)
		 ON CONFLICT(role_id) DO UPDATE SET
		   role_group = excluded.role_group,
		   role_group_name = excluded.role_group_name,
		   role_subgroup = excluded.role_subgroup,
		   role_full_name = excluded.role_full_name,
		   rolepass = excluded.rolepass`,
		roleRow{
			RoleID: r.RoleID, Group: r.Group, GroupName: r.GroupName,
			Subgroup: r.Subgroup, FullName: r.FullName, Pass: r.Pass,
		},
	)
	if err != nil {
		return fmt.Errorf("upserting role %s: %w", r.RoleID, err)
	}
	return nil
}

func (s *Store) GetRoleByPass(ctx context.Context, pass string) (model.Role, error) {
	var r roleRow
	err := s.db.GetContext(ctx, &r, s.q(
		`SELECT role_id, role_group, role_group_name, role_subgroup, role_full_name, rolepass
		 FROM roles WHERE rolepass = ?`), pass)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Role{}, fmt.Errorf("role: %w", ErrNotFound)
	}
	if err != nil {
		return model.Role{}, fmt.Errorf("loading role: %w", err)
	}
	return r.toModel(), nil
}

// BindUser attaches a user to a role. Binding twice only refreshes the name.
func (s *Store) BindUser(ctx context.Context, u model.RoleUser) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO role_users(user_id, user_name, role_id) VALUES(?,?,?)
		 ON CONFLICT(user_id, role_id) DO UPDATE SET user_name = excluded.user_name`),
		u.UserID, u.UserName, u.RoleID,
	)
	if err != nil {
		return fmt.Errorf("binding user %s to %s: %w", u.UserID, u.RoleID, err)
	}
	return nil
}

// ListUsersForRole resolves recipients: "all" is every bound user, otherwise
// users bound to the role itself or to any role of the group with that name.
// The result is distinct by user id and sorted.
func (s *Store) ListUsersForRole(ctx context.Context, roleID string) ([]model.RoleUser, error) {
	var (
		rows []struct {
			UserID   string `db:"user_id"`
			UserName string `db:"user_name"`
		}
		err error
	)
	if roleID == model.RoleAll {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT user_id, MIN(user_name) AS user_name FROM role_users GROUP BY user_id ORDER BY user_id`)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.q(
			`SELECT ru.user_id, MIN(ru.user_name) AS user_name
			 FROM role_users ru LEFT JOIN roles r ON r.role_id = ru.role_id
			 WHERE ru.role_id = ? OR r.role_group = ?
			 GROUP BY ru.user_id ORDER BY ru.user_id`), roleID, roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving users for role %s: %w", roleID, err)
	}
	out := make([]model.RoleUser, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.RoleUser{UserID: r.UserID, UserName: r.UserName, RoleID: roleID})
	}
	return out, nil
}

// RolesForUser lists the role ids the user is bound to.
func (s *Store) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT role_id FROM role_users WHERE user_id = ? ORDER BY role_id`), userID)
	if err != nil {
		return nil, fmt.Errorf("listing roles of %s: %w", userID, err)
	}
	return out, nil
}
