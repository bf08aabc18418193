package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"traceline/internal/domain"
)

const contributorColumns = `id,name,email,password_hash,role,is_active,last_login,created_at`

func scanContributor(row interface{ Scan(...any) error }) (domain.Contributor, error) {
	var c domain.Contributor
	var lastLogin sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.PasswordHash, &c.Role, &c.IsActive, &lastLogin, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if lastLogin.Valid {
		c.LastLogin = &lastLogin.String
	}
	return c, nil
}

func (r Repo) InsertContributor(ctx context.Context, c domain.Contributor) error {
	if c.ID == "" {
		return errors.New("id required")
	}
	if c.Email == "" {
		return errors.New("email required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO contributors(id,name,email,password_hash,role,is_active,last_login,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, strings.ToLower(c.Email), c.PasswordHash, c.Role, c.IsActive, nullableStringPtr(c.LastLogin), c.CreatedAt)
	return err
}

func (r Repo) GetContributor(ctx context.Context, id string) (domain.Contributor, error) {
	return scanContributor(r.DB.QueryRowContext(ctx, `SELECT `+contributorColumns+` FROM contributors WHERE id=?`, id))
}

func (r Repo) GetContributorByEmail(ctx context.Context, email string) (domain.Contributor, error) {
	return scanContributor(r.DB.QueryRowContext(ctx, `SELECT `+contributorColumns+` FROM contributors WHERE email=?`, strings.ToLower(email)))
}

func (r Repo) ListContributors(ctx context.Context) ([]domain.Contributor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contributorColumns+` FROM contributors ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contributor
	for rows.Next() {
		c, err := scanContributor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateContributorProfile(ctx context.Context, id, name string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE contributors SET name=? WHERE id=?`, name, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateContributorPassword replaces the stored credential in place.
func (r Repo) UpdateContributorPassword(ctx context.Context, id, passwordHash string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE contributors SET password_hash=? WHERE id=?`, passwordHash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) TouchLastLogin(ctx context.Context, id, ts string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE contributors SET last_login=? WHERE id=?`, ts, id)
	return err
}

// DeactivateContributor soft-deletes: the row stays so timeline events and
// versions keep a valid author reference.
func (r Repo) DeactivateContributor(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE contributors SET is_active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
