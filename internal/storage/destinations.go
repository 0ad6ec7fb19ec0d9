package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// ErrInUse is returned when deleting a row that other rows still reference.
var ErrInUse = errors.New("in use")

var destinationColumns = []string{"id", "account_id", "chat_id", "label", "topic_id", "is_default", "created_at"}

func scanDestination(row rowScanner) (Destination, error) {
	var d Destination
	var topic sql.NullInt64
	if err := row.Scan(&d.ID, &d.AccountID, &d.ChatID, &d.Label, &topic, &d.IsDefault, &d.CreatedAt); err != nil {
		return Destination{}, err
	}
	if topic.Valid {
		d.TopicID = &topic.Int64
	}
	return d, nil
}

// AddDestination stores d for its account. The account's first destination
// becomes the default; IsDefault on the argument is ignored.
func (s *Store) AddDestination(ctx context.Context, d Destination) (Destination, error) {
	var out Destination
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockAccount(ctx, tx, d.AccountID); err != nil {
			return err
		}
		count, err := s.countDestinations(ctx, tx, d.AccountID)
		if err != nil {
			return err
		}

		var topic any
		if d.TopicID != nil {
			topic = *d.TopicID
		}
		query, args, err := s.sql.Insert("destinations").
			Columns("account_id", "chat_id", "label", "topic_id", "is_default").
			Values(d.AccountID, d.ChatID, d.Label, topic, count == 0).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert destination query: %w", err)
		}
		var id int64
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return fmt.Errorf("insert destination: %w", err)
		}

		out, err = s.getDestinationTx(ctx, tx, sq.Eq{"id": id})
		return err
	})
	if err != nil {
		return Destination{}, err
	}
	return out, nil
}

// SetDefaultDestination makes id the account's only default destination.
// Concurrent calls for one account serialize; the last to commit wins.
func (s *Store) SetDefaultDestination(ctx context.Context, accountID, id int64) (Destination, error) {
	var out Destination
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockAccount(ctx, tx, accountID); err != nil {
			return err
		}
		if _, err := s.getDestinationTx(ctx, tx, sq.Eq{"id": id, "account_id": accountID}); err != nil {
			return err
		}

		clearQuery, args, err := s.sql.Update("destinations").
			Set("is_default", false).
			Where(sq.Eq{"account_id": accountID, "is_default": true}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build clear default query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, clearQuery, args...); err != nil {
			return fmt.Errorf("clear default destination: %w", err)
		}

		setQuery, args, err := s.sql.Update("destinations").
			Set("is_default", true).
			Where(sq.Eq{"id": id, "account_id": accountID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build set default query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, setQuery, args...); err != nil {
			return fmt.Errorf("set default destination: %w", err)
		}

		out, err = s.getDestinationTx(ctx, tx, sq.Eq{"id": id})
		return err
	})
	if err != nil {
		return Destination{}, err
	}
	return out, nil
}

// DeleteDestination removes a destination that no subscription references.
// Deleting the default leaves the account without one.
func (s *Store) DeleteDestination(ctx context.Context, accountID, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockAccount(ctx, tx, accountID); err != nil {
			return err
		}
		if _, err := s.getDestinationTx(ctx, tx, sq.Eq{"id": id, "account_id": accountID}); err != nil {
			return err
		}

		query, args, err := s.sql.Select("COUNT(*)").From("subscriptions").
			Where(sq.Eq{"destination_id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build destination refs query: %w", err)
		}
		var refs int
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&refs); err != nil {
			return fmt.Errorf("count destination refs: %w", err)
		}
		if refs > 0 {
			return ErrInUse
		}

		query, args, err = s.sql.Delete("destinations").
			Where(sq.Eq{"id": id, "account_id": accountID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build delete destination query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete destination: %w", err)
		}
		return nil
	})
}

// GetDestination returns the destination only when it belongs to accountID.
func (s *Store) GetDestination(ctx context.Context, accountID, id int64) (Destination, error) {
	return s.getDestination(ctx, sq.Eq{"id": id, "account_id": accountID})
}

func (s *Store) GetDestinationByID(ctx context.Context, id int64) (Destination, error) {
	return s.getDestination(ctx, sq.Eq{"id": id})
}

func (s *Store) DefaultDestination(ctx context.Context, accountID int64) (Destination, error) {
	return s.getDestination(ctx, sq.Eq{"account_id": accountID, "is_default": true})
}

func (s *Store) getDestination(ctx context.Context, where sq.Sqlizer) (Destination, error) {
	query, args, err := s.sql.Select(destinationColumns...).From("destinations").Where(where).ToSql()
	if err != nil {
		return Destination{}, fmt.Errorf("build get destination query: %w", err)
	}
	d, err := scanDestination(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Destination{}, ErrNotFound
		}
		return Destination{}, fmt.Errorf("get destination: %w", err)
	}
	return d, nil
}

func (s *Store) getDestinationTx(ctx context.Context, tx *sql.Tx, where sq.Sqlizer) (Destination, error) {
	query, args, err := s.sql.Select(destinationColumns...).From("destinations").Where(where).ToSql()
	if err != nil {
		return Destination{}, fmt.Errorf("build get destination query: %w", err)
	}
	d, err := scanDestination(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Destination{}, ErrNotFound
		}
		return Destination{}, fmt.Errorf("get destination: %w", err)
	}
	return d, nil
}

func (s *Store) countDestinations(ctx context.Context, tx *sql.Tx, accountID int64) (int, error) {
	query, args, err := s.sql.Select("COUNT(*)").From("destinations").
		Where(sq.Eq{"account_id": accountID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count destinations query: %w", err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count destinations: %w", err)
	}
	return n, nil
}

func (s *Store) ListDestinations(ctx context.Context, accountID int64) ([]Destination, error) {
	query, args, err := s.sql.Select(destinationColumns...).From("destinations").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list destinations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	out := make([]Destination, 0)
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate destinations: %w", err)
	}
	return out, nil
}
