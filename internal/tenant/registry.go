// Package tenant owns the per-account records: bots, destinations and
// subscriptions. Secrets are sealed before they reach storage and opened
// only on the way out.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hookgram/internal/crypto"
	"hookgram/internal/storage"
	"hookgram/internal/telegram"
)

var (
	ErrNotFound             = storage.ErrNotFound
	ErrNoBot                = errors.New("no bot connected")
	ErrNoDefaultDestination = errors.New("no default destination")
	ErrDestinationInUse     = errors.New("destination is used by a subscription")
)

type Config struct {
	Store    *storage.Store
	Keyring  *crypto.Keyring
	AdminIDs []string
	Logger   zerolog.Logger
}

type Registry struct {
	store   *storage.Store
	keyring *crypto.Keyring
	admins  map[string]struct{}
	logger  zerolog.Logger
}

func NewRegistry(cfg Config) *Registry {
	admins := make(map[string]struct{}, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = struct{}{}
	}
	return &Registry{
		store:   cfg.Store,
		keyring: cfg.Keyring,
		admins:  admins,
		logger:  cfg.Logger.With().Str("component", "tenant").Logger(),
	}
}

// Bot is a credential with its token opened.
type Bot struct {
	storage.BotCredential
	Token string
}

// Subscription is a subscription with its verification secret opened.
type Subscription struct {
	storage.Subscription
	Secret string
	Filter EventFilter
}

// IsConfiguredAdmin reports whether externalID is in the configured admin set.
func (r *Registry) IsConfiguredAdmin(externalID string) bool {
	_, ok := r.admins[externalID]
	return ok
}

// EnsureAccount creates or refreshes the account for a Telegram user. The
// stored admin flag is raised when the user is in the configured admin set
// and never lowered here.
func (r *Registry) EnsureAccount(ctx context.Context, externalID, displayName string) (storage.Account, error) {
	if strings.TrimSpace(externalID) == "" {
		return storage.Account{}, invalid("user", "missing id")
	}
	return r.store.UpsertAccount(ctx, externalID, displayName, r.IsConfiguredAdmin(externalID))
}

// AccountByExternalID looks up an account without creating it.
func (r *Registry) AccountByExternalID(ctx context.Context, externalID string) (storage.Account, error) {
	return r.store.GetAccountByExternalID(ctx, externalID)
}

func (r *Registry) SetAdmin(ctx context.Context, externalID string, admin bool) (storage.Account, error) {
	return r.store.SetAccountAdmin(ctx, externalID, admin)
}

func (r *Registry) ListAccounts(ctx context.Context) ([]storage.Account, error) {
	return r.store.ListAccounts(ctx)
}

// ConnectBot registers token for accountID. Connecting a bot id that is
// already known re-claims it: the owner and token are replaced.
func (r *Registry) ConnectBot(ctx context.Context, accountID int64, token string) (Bot, error) {
	token = strings.TrimSpace(token)
	botID, ok := telegram.ParseBotID(token)
	if !ok {
		return Bot{}, invalid("token", "expected <digits>:<secret>")
	}
	if _, rest, _ := strings.Cut(token, ":"); strings.TrimSpace(rest) == "" || strings.ContainsAny(rest, " /") {
		return Bot{}, invalid("token", "expected <digits>:<secret>")
	}
	enc, err := r.keyring.Seal(crypto.PurposeBotToken, token)
	if err != nil {
		return Bot{}, fmt.Errorf("seal bot token: %w", err)
	}
	cred, err := r.store.UpsertBot(ctx, accountID, botID, enc)
	if err != nil {
		return Bot{}, err
	}
	return Bot{BotCredential: cred, Token: token}, nil
}

func (r *Registry) openBot(cred storage.BotCredential) (Bot, error) {
	token, err := r.keyring.Open(crypto.PurposeBotToken, cred.EncToken)
	if err != nil {
		return Bot{}, fmt.Errorf("open token of bot %s: %w", cred.BotID, err)
	}
	return Bot{BotCredential: cred, Token: token}, nil
}

func (r *Registry) BotByBotID(ctx context.Context, botID string) (Bot, error) {
	cred, err := r.store.GetBotByBotID(ctx, botID)
	if err != nil {
		return Bot{}, err
	}
	return r.openBot(cred)
}

// UpdateBotToken stores a new token for an existing credential, keeping its
// owner.
func (r *Registry) UpdateBotToken(ctx context.Context, id int64, token string) error {
	enc, err := r.keyring.Seal(crypto.PurposeBotToken, token)
	if err != nil {
		return fmt.Errorf("seal bot token: %w", err)
	}
	return r.store.UpdateBotToken(ctx, id, enc)
}

func (r *Registry) ListBots(ctx context.Context, accountID int64) ([]Bot, error) {
	creds, err := r.store.ListBots(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]Bot, 0, len(creds))
	for _, c := range creds {
		b, err := r.openBot(c)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// AddDestination stores a chat for accountID. The first destination of an
// account becomes its default.
func (r *Registry) AddDestination(ctx context.Context, accountID int64, chatID string, topicID *int64, label string) (storage.Destination, error) {
	if strings.TrimSpace(chatID) == "" {
		return storage.Destination{}, invalid("destination", "empty chat id")
	}
	return r.store.AddDestination(ctx, storage.Destination{
		AccountID: accountID,
		ChatID:    chatID,
		TopicID:   topicID,
		Label:     strings.TrimSpace(label),
	})
}

func (r *Registry) ListDestinations(ctx context.Context, accountID int64) ([]storage.Destination, error) {
	return r.store.ListDestinations(ctx, accountID)
}

func (r *Registry) GetDestination(ctx context.Context, accountID, id int64) (storage.Destination, error) {
	return r.store.GetDestination(ctx, accountID, id)
}

func (r *Registry) DefaultDestination(ctx context.Context, accountID int64) (storage.Destination, error) {
	return r.store.DefaultDestination(ctx, accountID)
}

// UseDestination makes id the account's single default destination.
func (r *Registry) UseDestination(ctx context.Context, accountID, id int64) (storage.Destination, error) {
	return r.store.SetDefaultDestination(ctx, accountID, id)
}

func (r *Registry) DeleteDestination(ctx context.Context, accountID, id int64) error {
	err := r.store.DeleteDestination(ctx, accountID, id)
	if errors.Is(err, storage.ErrInUse) {
		return ErrDestinationInUse
	}
	return err
}

type SubscribeRequest struct {
	AccountID int64
	Repo      string
	Events    string
	// ViaBotID is the Telegram bot id the command arrived through. It is
	// used when the caller owns that bot.
	ViaBotID string
}

// Subscribe creates a subscription for req.Repo routed through one of the
// caller's bots to their default destination. The returned secret is the
// only time it is available in the clear to the caller.
func (r *Registry) Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	repo, err := ParseRepo(req.Repo)
	if err != nil {
		return Subscription{}, err
	}
	filter, err := ParseEvents(req.Events)
	if err != nil {
		return Subscription{}, err
	}

	bot, err := r.subscriptionBot(ctx, req.AccountID, req.ViaBotID)
	if err != nil {
		return Subscription{}, err
	}
	dest, err := r.store.DefaultDestination(ctx, req.AccountID)
	if errors.Is(err, storage.ErrNotFound) {
		return Subscription{}, ErrNoDefaultDestination
	}
	if err != nil {
		return Subscription{}, err
	}

	secret := newSecret()
	enc, err := r.keyring.Seal(crypto.PurposeSubscriptionSecret, secret)
	if err != nil {
		return Subscription{}, fmt.Errorf("seal subscription secret: %w", err)
	}
	sub, err := r.store.CreateSubscription(ctx, storage.Subscription{
		AccountID:       req.AccountID,
		RouteToken:      newSecret(),
		EncSecret:       enc,
		Repo:            repo,
		Events:          filter.String(),
		BotCredentialID: bot.ID,
		DestinationID:   dest.ID,
	})
	if err != nil {
		return Subscription{}, err
	}
	return Subscription{Subscription: sub, Secret: secret, Filter: filter}, nil
}

func (r *Registry) subscriptionBot(ctx context.Context, accountID int64, viaBotID string) (storage.BotCredential, error) {
	if viaBotID != "" {
		cred, err := r.store.GetBotByBotID(ctx, viaBotID)
		if err == nil && cred.AccountID == accountID {
			return cred, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return storage.BotCredential{}, err
		}
	}
	cred, err := r.store.LatestBot(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.BotCredential{}, ErrNoBot
	}
	return cred, err
}

func (r *Registry) ListSubscriptions(ctx context.Context, accountID int64) ([]storage.Subscription, error) {
	return r.store.ListSubscriptions(ctx, accountID)
}

func (r *Registry) ListAllSubscriptions(ctx context.Context) ([]storage.SubscriptionWithOwner, error) {
	return r.store.ListAllSubscriptions(ctx)
}

// Unsubscribe deletes a subscription. Without asAdmin only the owner's own
// subscriptions are visible.
func (r *Registry) Unsubscribe(ctx context.Context, accountID, id int64, asAdmin bool) error {
	if asAdmin {
		return r.store.DeleteSubscriptionByID(ctx, id)
	}
	return r.store.DeleteSubscription(ctx, accountID, id)
}

// RecentDeliveries lists the newest delivery log entries the caller may
// see. A zero subID lists all of them. Without asAdmin only the caller's
// subscriptions are visible and a foreign subID is ErrNotFound.
func (r *Registry) RecentDeliveries(ctx context.Context, accountID, subID int64, asAdmin bool, limit uint64) ([]storage.DeliveryLogEntry, error) {
	filter := storage.DeliveryFilter{SubscriptionID: subID, Limit: limit}
	if !asAdmin {
		if subID != 0 {
			sub, err := r.store.GetSubscription(ctx, subID)
			if err != nil {
				return nil, err
			}
			if sub.AccountID != accountID {
				return nil, ErrNotFound
			}
		}
		filter.AccountID = accountID
	}
	return r.store.RecentDeliveries(ctx, filter)
}

// SubscriptionByToken looks up a route token and opens its secret.
func (r *Registry) SubscriptionByToken(ctx context.Context, routeToken string) (Subscription, error) {
	sub, err := r.store.GetSubscriptionByToken(ctx, routeToken)
	if err != nil {
		return Subscription{}, err
	}
	secret, err := r.keyring.Open(crypto.PurposeSubscriptionSecret, sub.EncSecret)
	if err != nil {
		return Subscription{}, fmt.Errorf("open secret of subscription %d: %w", sub.ID, err)
	}
	filter, err := ParseEvents(sub.Events)
	if err != nil {
		r.logger.Warn().Err(err).Int64("subscription_id", sub.ID).Msg("stored event filter unreadable, ignoring all events")
		filter = noEvents()
	}
	return Subscription{Subscription: sub, Secret: secret, Filter: filter}, nil
}

// ResolveTarget loads the bot and destination a subscription points at.
// Either missing yields ErrNotFound.
func (r *Registry) ResolveTarget(ctx context.Context, sub storage.Subscription) (Bot, storage.Destination, error) {
	cred, err := r.store.GetBot(ctx, sub.BotCredentialID)
	if err != nil {
		return Bot{}, storage.Destination{}, err
	}
	dest, err := r.store.GetDestinationByID(ctx, sub.DestinationID)
	if err != nil {
		return Bot{}, storage.Destination{}, err
	}
	bot, err := r.openBot(cred)
	if err != nil {
		return Bot{}, storage.Destination{}, err
	}
	return bot, dest, nil
}

// RekeyResult counts values re-sealed under the current key.
type RekeyResult struct {
	Bots          int
	Subscriptions int
}

// Rekey re-seals every stored token and secret that was written with a key
// other than the current one.
func (r *Registry) Rekey(ctx context.Context) (RekeyResult, error) {
	var res RekeyResult

	bots, err := r.store.ListAllBots(ctx)
	if err != nil {
		return res, err
	}
	for _, b := range bots {
		if !r.keyring.Stale(b.EncToken) {
			continue
		}
		enc, err := r.keyring.Rotate(crypto.PurposeBotToken, b.EncToken)
		if err != nil {
			return res, fmt.Errorf("rotate token of bot %s: %w", b.BotID, err)
		}
		if err := r.store.UpdateBotToken(ctx, b.ID, enc); err != nil {
			return res, err
		}
		res.Bots++
	}

	subs, err := r.store.ListAllSubscriptions(ctx)
	if err != nil {
		return res, err
	}
	for _, s := range subs {
		if !r.keyring.Stale(s.EncSecret) {
			continue
		}
		enc, err := r.keyring.Rotate(crypto.PurposeSubscriptionSecret, s.EncSecret)
		if err != nil {
			return res, fmt.Errorf("rotate secret of subscription %d: %w", s.ID, err)
		}
		if err := r.store.UpdateSubscriptionSecret(ctx, s.ID, enc); err != nil {
			return res, err
		}
		res.Subscriptions++
	}

	r.logger.Info().Int("bots", res.Bots).Int("subscriptions", res.Subscriptions).
		Str("key_id", r.keyring.CurrentKeyID()).Msg("rekey finished")
	return res, nil
}

// Audit records a mutation. Failures are logged and otherwise ignored.
func (r *Registry) Audit(ctx context.Context, accountID int64, action string, meta map[string]any) {
	raw, err := json.Marshal(meta)
	if err != nil {
		raw = []byte("{}")
	}
	if err := r.store.LogAction(ctx, storage.AuditEntry{
		AccountID: accountID,
		Action:    action,
		MetaJSON:  string(raw),
	}); err != nil {
		r.logger.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}

// newSecret returns a random v4 uuid as 32 hex characters.
func newSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
