package commands

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"hookgram/internal/tenant"
)

// botNames caches bot usernames by credential id for /listbot. Entries are
// dropped when a credential is connected again.
type botNames struct {
	cache   *lru.Cache[int64, string]
	api     BotAPI
	timeout time.Duration
}

func newBotNames(size int, api BotAPI) *botNames {
	if size <= 0 {
		size = 512
	}
	cache, err := lru.New[int64, string](size)
	if err != nil {
		panic(err)
	}
	return &botNames{cache: cache, api: api, timeout: 5 * time.Second}
}

// Lookup returns the bot's username, or "" when getMe fails. Failures are
// not cached.
func (n *botNames) Lookup(ctx context.Context, bot tenant.Bot) string {
	if name, ok := n.cache.Get(bot.ID); ok {
		return name
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	me, err := n.api.GetMe(ctx, bot.Token)
	if err != nil {
		return ""
	}
	n.cache.Add(bot.ID, me.Username)
	return me.Username
}

func (n *botNames) Invalidate(credentialID int64) {
	n.cache.Remove(credentialID)
}

// Remember stores a username already fetched by the caller.
func (n *botNames) Remember(credentialID int64, username string) {
	n.cache.Add(credentialID, username)
}
