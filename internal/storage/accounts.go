package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

type rowScanner interface {
	Scan(dest ...any) error
}

var accountColumns = []string{"id", "external_id", "display_name", "is_admin", "created_at"}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.ExternalID, &a.DisplayName, &a.IsAdmin, &a.CreatedAt)
	return a, err
}

// UpsertAccount creates the account on first sight. On later calls the
// display name is refreshed when non-empty and admin is only ever raised:
// a stored admin flag survives an admin=false call.
func (s *Store) UpsertAccount(ctx context.Context, externalID, displayName string, admin bool) (Account, error) {
	q := s.sql.Insert("accounts").
		Columns("external_id", "display_name", "is_admin").
		Values(externalID, displayName, admin).
		Suffix("ON CONFLICT(external_id) DO UPDATE SET " +
			"display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE accounts.display_name END, " +
			"is_admin = (accounts.is_admin OR excluded.is_admin)")

	query, args, err := q.ToSql()
	if err != nil {
		return Account{}, fmt.Errorf("build upsert account query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return Account{}, fmt.Errorf("upsert account: %w", err)
	}
	return s.GetAccountByExternalID(ctx, externalID)
}

func (s *Store) GetAccountByExternalID(ctx context.Context, externalID string) (Account, error) {
	return s.getAccount(ctx, sq.Eq{"external_id": externalID})
}

func (s *Store) getAccount(ctx context.Context, where sq.Sqlizer) (Account, error) {
	query, args, err := s.sql.Select(accountColumns...).From("accounts").Where(where).ToSql()
	if err != nil {
		return Account{}, fmt.Errorf("build get account query: %w", err)
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *Store) SetAccountAdmin(ctx context.Context, externalID string, admin bool) (Account, error) {
	query, args, err := s.sql.Update("accounts").
		Set("is_admin", admin).
		Where(sq.Eq{"external_id": externalID}).
		ToSql()
	if err != nil {
		return Account{}, fmt.Errorf("build set admin query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Account{}, fmt.Errorf("set admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Account{}, fmt.Errorf("set admin rows affected: %w", err)
	}
	if n == 0 {
		return Account{}, ErrNotFound
	}
	return s.GetAccountByExternalID(ctx, externalID)
}

func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	query, args, err := s.sql.Select(accountColumns...).From("accounts").OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list accounts query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	out := make([]Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}
