// Package commands implements the chat interface: every registered bot's
// webhook lands here and slash commands manage the caller's bots,
// destinations and subscriptions.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"hookgram/internal/delivery"
	"hookgram/internal/guard"
	"hookgram/internal/metrics"
	"hookgram/internal/storage"
	"hookgram/internal/telegram"
	"hookgram/internal/tenant"
)

var ErrUnauthorized = errors.New("unauthorized")

const (
	maxUpdateBody = 1 << 20
	verifyTimeout = 5 * time.Second
)

// BotAPI is the subset of the Bot API used by commands.
type BotAPI interface {
	GetChatMember(ctx context.Context, token, chatID string, userID int64) (string, error)
	SetWebhook(ctx context.Context, token, hookURL string) error
	GetWebhookInfo(ctx context.Context, token string) (gotgbot.WebhookInfo, error)
	GetMe(ctx context.Context, token string) (gotgbot.User, error)
}

type Config struct {
	Registry      *tenant.Registry
	API           BotAPI
	Pipeline      *delivery.Pipeline
	Redis         *redis.Client
	RateLimiter   *guard.RateLimiter
	Dedupe        *guard.UpdateDeduplicator
	PublicBaseURL string
	PendingTTL    time.Duration
	BotNameCache  int
	// SetWebhook makes /connectbot point the new bot's webhook at this
	// service.
	SetWebhook bool
	Logger     zerolog.Logger
}

type Service struct {
	registry    *tenant.Registry
	api         BotAPI
	pipeline    *delivery.Pipeline
	pending     *pendingStore
	rateLimiter *guard.RateLimiter
	dedupe      *guard.UpdateDeduplicator
	names       *botNames
	baseURL     string
	setWebhook  bool
	handlers    map[string]command
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

func NewService(cfg Config) *Service {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 5 * time.Minute
	}
	s := &Service{
		registry:    cfg.Registry,
		api:         cfg.API,
		pipeline:    cfg.Pipeline,
		pending:     newPendingStore(cfg.Redis, cfg.PendingTTL),
		rateLimiter: cfg.RateLimiter,
		dedupe:      cfg.Dedupe,
		names:       newBotNames(cfg.BotNameCache, cfg.API),
		baseURL:     strings.TrimRight(cfg.PublicBaseURL, "/"),
		setWebhook:  cfg.SetWebhook,
		logger:      cfg.Logger.With().Str("component", "commands").Logger(),
		metrics:     metrics.Global(),
		tracer:      otel.Tracer("hookgram/commands"),
	}
	s.handlers = s.commandTable()
	return s
}

// request is one command invocation after the caller and bot are resolved.
type request struct {
	account  storage.Account
	bot      tenant.Bot
	owner    bool
	chatID   string
	threadID int64
	command  string
	arg      string
}

func (r *request) privileged() bool {
	return r.owner || r.account.IsAdmin
}

// ServeHTTP handles POST /tg/{botID}/{token}. Telegram always gets 200.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	token := chi.URLParam(r, "token")

	var upd gotgbot.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBody)).Decode(&upd); err != nil {
		s.logger.Warn().Err(err).Str("bot_id", botID).Msg("undecodable telegram update")
	} else {
		s.HandleUpdate(r.Context(), botID, token, upd)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// HandleUpdate processes one update for the bot identified by the webhook
// path. It never returns an error; failures are logged and, where a reply
// is possible, answered with a generic message.
func (s *Service) HandleUpdate(ctx context.Context, botID, token string, upd gotgbot.Update) {
	s.metrics.TelegramUpdates.Inc()
	ctx, span := s.tracer.Start(ctx, "telegram.update", trace.WithAttributes(
		attribute.String("bot.id", botID),
		attribute.Int64("update.id", upd.UpdateId),
	))
	defer span.End()

	if id, ok := telegram.ParseBotID(token); !ok || id != botID {
		s.logger.Debug().Str("bot_id", botID).Msg("webhook path token does not match bot id")
		return
	}
	if s.dedupe != nil {
		first, err := s.dedupe.MarkFirst(ctx, botID, upd.UpdateId)
		if err != nil {
			s.logger.Error().Err(err).Int64("update_id", upd.UpdateId).Msg("failed to dedupe update")
		} else if !first {
			return
		}
	}

	msg := upd.Message
	if msg == nil {
		msg = upd.EditedMessage
	}
	if msg == nil {
		msg = upd.ChannelPost
	}
	if msg == nil {
		// Callback queries and other update kinds are acknowledged by the
		// 200 response alone.
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Str("bot_id", botID).Msg("command panicked")
			s.replyTo(ctx, token, chatIDOf(msg), threadIDOf(msg), "Something went wrong. Please try again.")
		}
	}()
	s.handleMessage(ctx, botID, token, msg)
}

func (s *Service) handleMessage(ctx context.Context, botID, token string, msg *gotgbot.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID, threadID := chatIDOf(msg), threadIDOf(msg)
	isCommand := strings.HasPrefix(text, "/")

	if msg.From == nil {
		if isCommand {
			s.replyTo(ctx, token, chatID, threadID,
				"Commands need a sender. Send them from a private chat or a group, "+
					"and register this channel with <code>/adddest "+esc(chatID)+"</code>.")
		}
		return
	}
	externalID := strconv.FormatInt(msg.From.Id, 10)

	var account storage.Account
	var err error
	if isCommand {
		account, err = s.registry.EnsureAccount(ctx, externalID, displayName(msg.From))
	} else {
		account, err = s.registry.AccountByExternalID(ctx, externalID)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", externalID).Msg("account lookup failed")
		s.replyTo(ctx, token, chatID, threadID, "Something went wrong. Please try again.")
		return
	}

	if !isCommand {
		resumed, ok := s.resumePending(ctx, account.ID, botID, chatID, text)
		if !ok {
			return
		}
		text = resumed
	}

	bot, owner, ok := s.resolveBot(ctx, account, botID, token)
	if !ok {
		return
	}

	cmd, arg := parseCommand(text)
	req := &request{
		account:  account,
		bot:      bot,
		owner:    owner,
		chatID:   chatID,
		threadID: threadID,
		command:  cmd,
		arg:      arg,
	}
	s.dispatch(ctx, req)
}

// resumePending turns a plain message into the argument of the command the
// caller started earlier in the same chat.
func (s *Service) resumePending(ctx context.Context, accountID int64, botID, chatID, text string) (string, bool) {
	in, err := s.pending.Get(ctx, accountID, botID)
	if err != nil {
		s.logger.Error().Err(err).Int64("account_id", accountID).Msg("pending input lookup failed")
		return "", false
	}
	if in == nil || in.ChatID != chatID {
		return "", false
	}
	if _, err := s.pending.Clear(ctx, accountID, botID); err != nil {
		s.logger.Warn().Err(err).Int64("account_id", accountID).Msg("pending input clear failed")
	}
	return "/" + in.Command + " " + text, true
}

// resolveBot loads the bot the update arrived through. An unknown bot is
// claimed by the caller. A token that differs from the stored one is
// accepted only from the owner or an admin, and then replaces it. Both
// paths first confirm with getMe that Telegram accepts the token for
// botID, so a forged webhook call cannot claim or rewrite a bot.
func (s *Service) resolveBot(ctx context.Context, account storage.Account, botID, token string) (tenant.Bot, bool, bool) {
	bot, err := s.registry.BotByBotID(ctx, botID)
	if errors.Is(err, storage.ErrNotFound) {
		username, ok := s.verifyToken(ctx, botID, token)
		if !ok {
			return tenant.Bot{}, false, false
		}
		bot, err = s.registry.ConnectBot(ctx, account.ID, token)
		if err != nil {
			s.logger.Error().Err(err).Str("bot_id", botID).Msg("auto-claim of bot failed")
			return tenant.Bot{}, false, false
		}
		s.registry.Audit(ctx, account.ID, "claim_bot", map[string]any{"bot_id": botID})
		s.names.Remember(bot.ID, username)
		s.logger.Info().Str("bot_id", botID).Int64("account_id", account.ID).Msg("bot claimed on first update")
		return bot, true, true
	}
	if err != nil {
		s.logger.Error().Err(err).Str("bot_id", botID).Msg("bot lookup failed")
		return tenant.Bot{}, false, false
	}

	owner := bot.AccountID == account.ID
	if bot.Token != token {
		if !owner && !account.IsAdmin {
			return tenant.Bot{}, false, false
		}
		username, ok := s.verifyToken(ctx, botID, token)
		if !ok {
			return tenant.Bot{}, false, false
		}
		if err := s.registry.UpdateBotToken(ctx, bot.ID, token); err != nil {
			s.logger.Error().Err(err).Str("bot_id", botID).Msg("bot token update failed")
			return tenant.Bot{}, false, false
		}
		bot.Token = token
		s.names.Remember(bot.ID, username)
	}
	return bot, owner, true
}

// verifyToken asks Telegram who token belongs to and reports whether that
// is botID. It returns the bot's username on success.
func (s *Service) verifyToken(ctx context.Context, botID, token string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	me, err := s.api.GetMe(ctx, token)
	if err != nil {
		s.logger.Warn().Err(err).Str("bot_id", botID).Msg("webhook token rejected by telegram")
		return "", false
	}
	if strconv.FormatInt(me.Id, 10) != botID {
		s.logger.Warn().Str("bot_id", botID).Int64("getme_id", me.Id).Msg("webhook token belongs to another bot")
		return "", false
	}
	return me.Username, true
}

func (s *Service) dispatch(ctx context.Context, req *request) {
	handler, known := s.handlers[req.command]
	label := req.command
	if !known {
		label = "unknown"
	}
	s.metrics.Commands.WithLabelValues(label).Inc()

	if !known {
		s.reply(ctx, req, "Unknown command. /help")
		return
	}
	// Any other command abandons a prompt that is still waiting for input.
	if req.command != "cancel" {
		if _, err := s.pending.Clear(ctx, req.account.ID, req.bot.BotID); err != nil {
			s.logger.Warn().Err(err).Int64("account_id", req.account.ID).Msg("pending input clear failed")
		}
	}
	if !handler.public && !req.privileged() {
		s.reply(ctx, req, "You are not the owner of this bot. Ask the owner or an admin, or connect your own bot.")
		return
	}
	if handler.admin && !req.account.IsAdmin {
		s.reply(ctx, req, errorReply(ErrUnauthorized))
		return
	}

	if s.rateLimiter != nil {
		allowed, _, resetAt, err := s.rateLimiter.Allow(ctx, req.account.ID, time.Now())
		if err != nil {
			s.logger.Error().Err(err).Int64("account_id", req.account.ID).Msg("rate limiter unavailable")
		} else if !allowed {
			s.reply(ctx, req, "Too many commands. Try again after "+resetAt.Format("15:04")+" UTC.")
			return
		}
	}

	text, err := handler.run(ctx, req)
	if err != nil {
		text = errorReply(err)
		if isUnexpected(err) {
			s.logger.Error().Err(err).
				Str("command", req.command).
				Int64("account_id", req.account.ID).
				Msg("command failed")
		}
	}
	if text != "" {
		s.reply(ctx, req, text)
	}
}

func (s *Service) reply(ctx context.Context, req *request, text string) {
	s.replyTo(ctx, req.bot.Token, req.chatID, req.threadID, text)
}

func (s *Service) replyTo(ctx context.Context, token, chatID string, threadID int64, text string) {
	if err := s.pipeline.Deliver(ctx, token, delivery.Target{ChatID: chatID, ThreadID: threadID}, text); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("reply failed")
	}
}

// parseCommand splits "/cmd@bot arg..." into a lower-cased command name
// without the slash and the trimmed remainder.
func parseCommand(text string) (string, string) {
	head, rest := splitFirstWord(text)
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head), rest
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexAny(s, " \n\t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func chatIDOf(msg *gotgbot.Message) string {
	return strconv.FormatInt(msg.Chat.Id, 10)
}

func threadIDOf(msg *gotgbot.Message) int64 {
	if !msg.IsTopicMessage {
		return 0
	}
	return msg.MessageThreadId
}

func displayName(u *gotgbot.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
