package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hookgram/internal/metrics"
)

// ParseModeHTML is the only formatting mode hookgram emits.
const ParseModeHTML = "HTML"

type Config struct {
	APIURL       string
	HTTPClient   *http.Client
	Timeout      time.Duration
	ShortTimeout time.Duration
}

// Client calls the Bot API on behalf of any registered bot. All bots share
// one gotgbot client; the token is supplied per call.
type Client struct {
	base    *gotgbot.BaseBotClient
	apiURL  string
	timeout time.Duration
	short   time.Duration
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = gotgbot.DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ShortTimeout <= 0 {
		cfg.ShortTimeout = 10 * time.Second
	}
	httpClient := http.Client{}
	if cfg.HTTPClient != nil {
		httpClient = *cfg.HTTPClient
	}
	return &Client{
		base: &gotgbot.BaseBotClient{
			Client:             httpClient,
			DefaultRequestOpts: &gotgbot.RequestOpts{Timeout: cfg.Timeout, APIURL: cfg.APIURL},
		},
		apiURL:  cfg.APIURL,
		timeout: cfg.Timeout,
		short:   cfg.ShortTimeout,
		tracer:  otel.Tracer("hookgram/telegram"),
		metrics: metrics.Global(),
	}
}

// APIError is an ok=false answer from the Bot API.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: status %d: %s", e.Method, e.StatusCode, e.Description)
}

type OutgoingMessage struct {
	ChatID   string
	ThreadID int64
	Text     string
}

var noLinkPreview = func() string {
	raw, _ := json.Marshal(gotgbot.LinkPreviewOptions{IsDisabled: true})
	return string(raw)
}()

// SendMessage posts one HTML message and returns its message id. ChatID is
// passed through untouched so "@channel" usernames work.
func (c *Client) SendMessage(ctx context.Context, token string, msg OutgoingMessage) (int64, error) {
	params := map[string]string{
		"chat_id":              msg.ChatID,
		"text":                 msg.Text,
		"parse_mode":           ParseModeHTML,
		"link_preview_options": noLinkPreview,
	}
	if msg.ThreadID != 0 {
		params["message_thread_id"] = strconv.FormatInt(msg.ThreadID, 10)
	}
	var sent gotgbot.Message
	err := c.do(ctx, token, "sendMessage", func(ctx context.Context, bot *gotgbot.Bot) error {
		raw, err := bot.RequestWithContext(ctx, "sendMessage", params, nil, c.opts(c.timeout))
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &sent)
	})
	if err != nil {
		return 0, err
	}
	return sent.MessageId, nil
}

// GetChatMember returns the member status ("creator", "administrator",
// "member", "left", ...) of userID in chatID.
func (c *Client) GetChatMember(ctx context.Context, token, chatID string, userID int64) (string, error) {
	params := map[string]string{
		"chat_id": chatID,
		"user_id": strconv.FormatInt(userID, 10),
	}
	var member struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, token, "getChatMember", func(ctx context.Context, bot *gotgbot.Bot) error {
		raw, err := bot.RequestWithContext(ctx, "getChatMember", params, nil, c.opts(c.short))
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &member)
	})
	return member.Status, err
}

// SetWebhook points the bot at hookURL and drops updates queued while it
// had no webhook.
func (c *Client) SetWebhook(ctx context.Context, token, hookURL string) error {
	return c.do(ctx, token, "setWebhook", func(ctx context.Context, bot *gotgbot.Bot) error {
		_, err := bot.SetWebhookWithContext(ctx, hookURL, &gotgbot.SetWebhookOpts{
			DropPendingUpdates: true,
			RequestOpts:        c.opts(c.timeout),
		})
		return err
	})
}

func (c *Client) GetWebhookInfo(ctx context.Context, token string) (gotgbot.WebhookInfo, error) {
	var info gotgbot.WebhookInfo
	err := c.do(ctx, token, "getWebhookInfo", func(ctx context.Context, bot *gotgbot.Bot) error {
		got, err := bot.GetWebhookInfoWithContext(ctx, &gotgbot.GetWebhookInfoOpts{RequestOpts: c.opts(c.short)})
		if err != nil {
			return err
		}
		info = *got
		return nil
	})
	return info, err
}

// GetMe returns the bot behind token. Telegram rejects unknown or revoked
// tokens here, which makes it the ownership check for a token.
func (c *Client) GetMe(ctx context.Context, token string) (gotgbot.User, error) {
	var me gotgbot.User
	err := c.do(ctx, token, "getMe", func(ctx context.Context, bot *gotgbot.Bot) error {
		got, err := bot.GetMeWithContext(ctx, &gotgbot.GetMeOpts{RequestOpts: c.opts(c.short)})
		if err != nil {
			return err
		}
		me = *got
		return nil
	})
	return me, err
}

func (c *Client) opts(timeout time.Duration) *gotgbot.RequestOpts {
	return &gotgbot.RequestOpts{Timeout: timeout, APIURL: c.apiURL}
}

// do runs one Bot API call for token inside a span and maps its error.
func (c *Client) do(ctx context.Context, token, method string, call func(ctx context.Context, bot *gotgbot.Bot) error) (err error) {
	ctx, span := c.tracer.Start(ctx, "telegram."+method, trace.WithAttributes(attribute.String("telegram.method", method)))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.TelegramCalls.WithLabelValues(method, result).Inc()
		span.End()
	}()

	bot, err := gotgbot.NewBot(token, &gotgbot.BotOpts{BotClient: c.base, DisableTokenCheck: true})
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, redact(err, token))
	}
	if err := call(ctx, bot); err != nil {
		var tgErr *gotgbot.TelegramError
		if errors.As(err, &tgErr) {
			span.SetAttributes(attribute.Int("telegram.error_code", tgErr.Code))
			return &APIError{Method: method, StatusCode: tgErr.Code, Description: tgErr.Description}
		}
		return fmt.Errorf("telegram %s: %w", method, redact(err, token))
	}
	return nil
}

// redact strips the request URL, which embeds the bot token, from
// transport errors and scrubs any remaining occurrence of the token.
func redact(err error, token string) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, token, "<redacted>"))
}

// ParseBotID returns the numeric bot id that prefixes a token of the form
// "<digits>:<secret>". ok is false for anything else.
func ParseBotID(token string) (id string, ok bool) {
	prefix, _, found := strings.Cut(strings.TrimSpace(token), ":")
	if !found || prefix == "" {
		return "", false
	}
	if _, err := strconv.ParseUint(prefix, 10, 64); err != nil {
		return "", false
	}
	return prefix, true
}
