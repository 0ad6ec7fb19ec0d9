package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hookgram/internal/metrics"
	"hookgram/internal/storage"
)

const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderSignature = "X-Hub-Signature-256"
	HeaderDelivery  = "X-GitHub-Delivery"

	maxLoggedToken = 64
)

// DeliveryLog receives one entry per handled call.
type DeliveryLog interface {
	AppendDeliveryLog(ctx context.Context, e storage.DeliveryLogEntry) error
}

type HandlerConfig struct {
	Auth    *Authenticator
	Router  *Router
	Log     DeliveryLog // nil disables the delivery log
	MaxBody int64
	Logger  zerolog.Logger
}

// Handler serves POST /wh/{token}.
type Handler struct {
	auth    *Authenticator
	router  *Router
	log     DeliveryLog
	maxBody int64
	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 25 << 20
	}
	return &Handler{
		auth:    cfg.Auth,
		router:  cfg.Router,
		log:     cfg.Log,
		maxBody: cfg.MaxBody,
		logger:  cfg.Logger.With().Str("component", "github").Logger(),
		metrics: metrics.Global(),
		tracer:  otel.Tracer("hookgram/relay"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	event := strings.TrimSpace(r.Header.Get(HeaderEvent))
	if event == "" {
		event = "unknown"
	}

	ctx, span := h.tracer.Start(r.Context(), "github.webhook", trace.WithAttributes(
		attribute.String("github.event", event),
		attribute.String("github.delivery", r.Header.Get(HeaderDelivery)),
	))
	defer span.End()

	entry := storage.DeliveryLogEntry{RouteToken: truncateToken(token), EventType: event}
	respond := func(status int, outcome, body string) {
		span.SetAttributes(attribute.String("outcome", outcome))
		h.metrics.GitHubWebhooks.WithLabelValues(outcome).Inc()
		h.record(ctx, entry)
		writeText(w, status, body)
	}

	// The route is looked up before the body is read so an unknown token
	// answers 404 whatever its size.
	sub, found, err := h.auth.Resolve(ctx, token)
	if err != nil {
		h.logger.Error().Err(err).Msg("subscription lookup failed")
		span.SetStatus(codes.Error, "lookup failed")
		entry.Status = storage.StatusError
		entry.Error = strPtr("lookup failed")
		respond(http.StatusInternalServerError, "error", "internal error")
		return
	}
	if !found {
		entry.Status = storage.StatusError
		entry.Error = strPtr(ErrRouteNotFound.Error())
		respond(http.StatusNotFound, "not_found", ErrRouteNotFound.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		entry.Status = storage.StatusError
		entry.Error = strPtr("body unreadable")
		respond(http.StatusRequestEntityTooLarge, "invalid", "payload too large")
		return
	}
	if res := Authorize(sub, body, r.Header.Get(HeaderSignature)); res.Outcome != OutcomeAuthorized {
		entry.Status = storage.StatusError
		entry.Error = strPtr(ErrSignatureInvalid.Error())
		respond(http.StatusUnauthorized, "unauthorized", ErrSignatureInvalid.Error())
		return
	}

	entry.SubscriptionID = &sub.ID
	entry.Repo = sub.Repo
	span.SetAttributes(attribute.Int64("subscription.id", sub.ID))

	payload, err := extractPayload(r.Header.Get("Content-Type"), body)
	if err != nil {
		entry.Status = storage.StatusError
		entry.Error = strPtr("invalid payload")
		respond(http.StatusBadRequest, "invalid", "invalid payload")
		return
	}
	entry.Payload = string(payload)

	d := h.router.Route(ctx, sub, event, payload)
	entry.Status = d.Status
	entry.Repo = d.Repo
	entry.Summary = d.Summary

	switch d.Status {
	case storage.StatusIgnored:
		respond(http.StatusOK, "ignored", "ignored")
	case storage.StatusDelivered:
		respond(http.StatusOK, "delivered", "ok")
	default:
		entry.Error = strPtr(d.Err.Error())
		span.RecordError(d.Err)
		span.SetStatus(codes.Error, "delivery failed")
		h.logger.Warn().Err(d.Err).
			Int64("subscription_id", sub.ID).
			Str("event", event).
			Str("repo", d.Repo).
			Msg("github event not delivered")
		if errors.Is(d.Err, ErrDeliveryTargetMissing) {
			respond(http.StatusInternalServerError, "target_missing", ErrDeliveryTargetMissing.Error())
			return
		}
		respond(http.StatusInternalServerError, "error", "delivery failed")
	}
}

func (h *Handler) record(ctx context.Context, e storage.DeliveryLogEntry) {
	if h.log == nil {
		return
	}
	// The entry outlives a client disconnect.
	if err := h.log.AppendDeliveryLog(context.WithoutCancel(ctx), e); err != nil {
		h.logger.Error().Err(err).Str("status", e.Status).Msg("delivery log write failed")
	}
}

// extractPayload returns the JSON document of a delivery. GitHub sends
// either a raw JSON body or a form with a "payload" field.
func extractPayload(contentType string, body []byte) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		body = []byte(form.Get("payload"))
	}
	if !json.Valid(body) {
		return nil, errors.New("payload is not JSON")
	}
	return body, nil
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// truncateToken keeps at most maxLoggedToken bytes of a path token as
// valid UTF-8, cutting on a rune boundary.
func truncateToken(token string) string {
	token = strings.ToValidUTF8(token, "")
	if len(token) <= maxLoggedToken {
		return token
	}
	cut := maxLoggedToken
	for cut > 0 && !utf8.RuneStart(token[cut]) {
		cut--
	}
	return token[:cut]
}

func strPtr(s string) *string {
	return &s
}
