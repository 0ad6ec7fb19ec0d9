package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingInput remembers a command that is waiting for its argument in the
// caller's next message.
type pendingInput struct {
	Command  string `json:"command"`
	ChatID   string `json:"chat_id"`
	ThreadID int64  `json:"thread_id,omitempty"`
}

type pendingStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newPendingStore(rdb *redis.Client, ttl time.Duration) *pendingStore {
	return &pendingStore{redis: rdb, ttl: ttl}
}

func (p *pendingStore) key(accountID int64, botID string) string {
	return fmt.Sprintf("hookgram:pending:%d:%s", accountID, botID)
}

func (p *pendingStore) Set(ctx context.Context, accountID int64, botID string, in pendingInput) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return p.redis.Set(ctx, p.key(accountID, botID), string(b), p.ttl).Err()
}

// Get returns nil when nothing is pending.
func (p *pendingStore) Get(ctx context.Context, accountID int64, botID string) (*pendingInput, error) {
	raw, err := p.redis.Get(ctx, p.key(accountID, botID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var in pendingInput
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// Clear reports whether an entry existed.
func (p *pendingStore) Clear(ctx context.Context, accountID int64, botID string) (bool, error) {
	n, err := p.redis.Del(ctx, p.key(accountID, botID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
