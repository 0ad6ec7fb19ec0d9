package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var botColumns = []string{"id", "account_id", "bot_id", "enc_token", "created_at", "updated_at"}

func scanBot(row rowScanner) (BotCredential, error) {
	var b BotCredential
	err := row.Scan(&b.ID, &b.AccountID, &b.BotID, &b.EncToken, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// UpsertBot registers a bot or re-claims an existing one: a second
// registration of the same bot id moves ownership and replaces the token.
func (s *Store) UpsertBot(ctx context.Context, accountID int64, botID, encToken string) (BotCredential, error) {
	q := s.sql.Insert("bot_credentials").
		Columns("account_id", "bot_id", "enc_token").
		Values(accountID, botID, encToken).
		Suffix("ON CONFLICT(bot_id) DO UPDATE SET account_id=excluded.account_id, enc_token=excluded.enc_token, updated_at=" + nowSQL(s.driver))

	query, args, err := q.ToSql()
	if err != nil {
		return BotCredential{}, fmt.Errorf("build upsert bot query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return BotCredential{}, fmt.Errorf("upsert bot: %w", err)
	}
	return s.GetBotByBotID(ctx, botID)
}

// UpdateBotToken replaces the sealed token without touching ownership.
func (s *Store) UpdateBotToken(ctx context.Context, id int64, encToken string) error {
	query, args, err := s.sql.Update("bot_credentials").
		Set("enc_token", encToken).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update bot token query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update bot token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update bot token rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetBotByBotID(ctx context.Context, botID string) (BotCredential, error) {
	return s.getBot(ctx, sq.Eq{"bot_id": botID})
}

func (s *Store) GetBot(ctx context.Context, id int64) (BotCredential, error) {
	return s.getBot(ctx, sq.Eq{"id": id})
}

// LatestBot returns the account's most recently registered bot.
func (s *Store) LatestBot(ctx context.Context, accountID int64) (BotCredential, error) {
	query, args, err := s.sql.Select(botColumns...).From("bot_credentials").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return BotCredential{}, fmt.Errorf("build latest bot query: %w", err)
	}
	b, err := scanBot(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BotCredential{}, ErrNotFound
		}
		return BotCredential{}, fmt.Errorf("get latest bot: %w", err)
	}
	return b, nil
}

func (s *Store) getBot(ctx context.Context, where sq.Sqlizer) (BotCredential, error) {
	query, args, err := s.sql.Select(botColumns...).From("bot_credentials").Where(where).ToSql()
	if err != nil {
		return BotCredential{}, fmt.Errorf("build get bot query: %w", err)
	}
	b, err := scanBot(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BotCredential{}, ErrNotFound
		}
		return BotCredential{}, fmt.Errorf("get bot: %w", err)
	}
	return b, nil
}

func (s *Store) ListBots(ctx context.Context, accountID int64) ([]BotCredential, error) {
	return s.listBots(ctx, sq.Eq{"account_id": accountID})
}

// ListAllBots is used by maintenance jobs such as key rotation.
func (s *Store) ListAllBots(ctx context.Context) ([]BotCredential, error) {
	return s.listBots(ctx, nil)
}

func (s *Store) listBots(ctx context.Context, where sq.Sqlizer) ([]BotCredential, error) {
	q := s.sql.Select(botColumns...).From("bot_credentials").OrderBy("id ASC")
	if where != nil {
		q = q.Where(where)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list bots query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	out := make([]BotCredential, 0)
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bots: %w", err)
	}
	return out, nil
}

func nowSQL(driver string) string {
	if driver == "postgres" {
		return "NOW()"
	}
	return "CURRENT_TIMESTAMP"
}
