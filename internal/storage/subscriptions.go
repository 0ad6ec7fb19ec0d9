package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var subscriptionColumns = []string{
	"s.id", "s.account_id", "s.route_token", "s.enc_secret", "s.repo", "s.events",
	"s.bot_credential_id", "s.destination_id", "s.created_at",
}

func subscriptionDest(sub *Subscription) []any {
	return []any{
		&sub.ID, &sub.AccountID, &sub.RouteToken, &sub.EncSecret, &sub.Repo, &sub.Events,
		&sub.BotCredentialID, &sub.DestinationID, &sub.CreatedAt,
	}
}

func (s *Store) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.Events == "" {
		sub.Events = "*"
	}
	query, args, err := s.sql.Insert("subscriptions").
		Columns("account_id", "route_token", "enc_secret", "repo", "events", "bot_credential_id", "destination_id").
		Values(sub.AccountID, sub.RouteToken, sub.EncSecret, sub.Repo, sub.Events, sub.BotCredentialID, sub.DestinationID).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return Subscription{}, fmt.Errorf("build insert subscription query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return s.GetSubscription(ctx, id)
}

func (s *Store) GetSubscription(ctx context.Context, id int64) (Subscription, error) {
	return s.getSubscription(ctx, sq.Eq{"s.id": id})
}

func (s *Store) GetSubscriptionByToken(ctx context.Context, routeToken string) (Subscription, error) {
	return s.getSubscription(ctx, sq.Eq{"s.route_token": routeToken})
}

func (s *Store) getSubscription(ctx context.Context, where sq.Sqlizer) (Subscription, error) {
	query, args, err := s.sql.Select(subscriptionColumns...).From("subscriptions s").Where(where).ToSql()
	if err != nil {
		return Subscription{}, fmt.Errorf("build get subscription query: %w", err)
	}
	var sub Subscription
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(subscriptionDest(&sub)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, accountID int64) ([]Subscription, error) {
	all, err := s.listSubscriptions(ctx, sq.Eq{"s.account_id": accountID})
	if err != nil {
		return nil, err
	}
	out := make([]Subscription, 0, len(all))
	for _, sub := range all {
		out = append(out, sub.Subscription)
	}
	return out, nil
}

// ListAllSubscriptions returns every subscription with its owner's external id.
func (s *Store) ListAllSubscriptions(ctx context.Context) ([]SubscriptionWithOwner, error) {
	return s.listSubscriptions(ctx, nil)
}

func (s *Store) listSubscriptions(ctx context.Context, where sq.Sqlizer) ([]SubscriptionWithOwner, error) {
	q := s.sql.Select(append(subscriptionColumns, "a.external_id")...).
		From("subscriptions s").
		Join("accounts a ON a.id = s.account_id").
		OrderBy("s.id ASC")
	if where != nil {
		q = q.Where(where)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list subscriptions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]SubscriptionWithOwner, 0)
	for rows.Next() {
		var sub SubscriptionWithOwner
		if err := rows.Scan(append(subscriptionDest(&sub.Subscription), &sub.OwnerExternalID)...); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// DeleteSubscription removes a subscription owned by accountID.
func (s *Store) DeleteSubscription(ctx context.Context, accountID, id int64) error {
	return s.deleteSubscription(ctx, sq.Eq{"id": id, "account_id": accountID})
}

// DeleteSubscriptionByID removes a subscription regardless of owner.
func (s *Store) DeleteSubscriptionByID(ctx context.Context, id int64) error {
	return s.deleteSubscription(ctx, sq.Eq{"id": id})
}

func (s *Store) deleteSubscription(ctx context.Context, where sq.Sqlizer) error {
	query, args, err := s.sql.Delete("subscriptions").Where(where).ToSql()
	if err != nil {
		return fmt.Errorf("build delete subscription query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete subscription rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSubscriptionSecret(ctx context.Context, id int64, encSecret string) error {
	query, args, err := s.sql.Update("subscriptions").
		Set("enc_secret", encSecret).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update subscription secret query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update subscription secret: %w", err)
	}
	return nil
}
