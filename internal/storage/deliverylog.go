package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// AppendDeliveryLog writes one entry. Entries are never updated.
func (s *Store) AppendDeliveryLog(ctx context.Context, e DeliveryLogEntry) error {
	var subID, errText any
	if e.SubscriptionID != nil {
		subID = *e.SubscriptionID
	}
	if e.Error != nil {
		errText = *e.Error
	}

	columns := []string{"subscription_id", "route_token", "event_type", "repo", "status", "summary", "payload", "error"}
	values := []any{subID, e.RouteToken, e.EventType, e.Repo, e.Status, e.Summary, e.Payload, errText}
	if !e.CreatedAt.IsZero() {
		columns = append(columns, "created_at")
		values = append(values, s.timeArg(e.CreatedAt))
	}

	query, args, err := s.sql.Insert("delivery_log").Columns(columns...).Values(values...).ToSql()
	if err != nil {
		return fmt.Errorf("build delivery log insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

// DeliveryFilter narrows RecentDeliveries. Zero fields do not filter.
type DeliveryFilter struct {
	// AccountID keeps entries of subscriptions owned by that account.
	AccountID      int64
	SubscriptionID int64
	Limit          uint64
}

// RecentDeliveries lists the newest entries first.
func (s *Store) RecentDeliveries(ctx context.Context, f DeliveryFilter) ([]DeliveryLogEntry, error) {
	if f.Limit == 0 {
		f.Limit = 20
	}
	q := s.sql.Select("id", "created_at", "subscription_id", "route_token", "event_type", "repo", "status", "summary", "payload", "error").
		From("delivery_log").
		OrderBy("id DESC").
		Limit(f.Limit)
	if f.SubscriptionID != 0 {
		q = q.Where(sq.Eq{"subscription_id": f.SubscriptionID})
	}
	if f.AccountID != 0 {
		q = q.Where(sq.Expr("subscription_id IN (SELECT id FROM subscriptions WHERE account_id = ?)", f.AccountID))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent deliveries query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]DeliveryLogEntry, 0)
	for rows.Next() {
		var e DeliveryLogEntry
		var subID sql.NullInt64
		var errText sql.NullString
		if err := rows.Scan(&e.ID, &e.CreatedAt, &subID, &e.RouteToken, &e.EventType, &e.Repo, &e.Status, &e.Summary, &e.Payload, &errText); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		if subID.Valid {
			e.SubscriptionID = &subID.Int64
		}
		if errText.Valid {
			e.Error = &errText.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery log: %w", err)
	}
	return out, nil
}

// PruneDeliveryLog deletes entries created before cutoff and returns how
// many were removed.
func (s *Store) PruneDeliveryLog(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := s.sql.Delete("delivery_log").
		Where(sq.Lt{"created_at": s.timeArg(cutoff)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build prune delivery log query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune delivery log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune delivery log rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}
	query, args, err := s.sql.Insert("audit_log").
		Columns("account_id", "action", "meta_json").
		Values(e.AccountID, e.Action, e.MetaJSON).
		ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
