package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"hookgram/internal/delivery"
	"hookgram/internal/storage"
	"hookgram/internal/summary"
	"hookgram/internal/tenant"
)

// Targets resolves the bot and destination a subscription points at.
type Targets interface {
	ResolveTarget(ctx context.Context, sub storage.Subscription) (tenant.Bot, storage.Destination, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, token string, to delivery.Target, text string) error
}

type RouterConfig struct {
	Targets   Targets
	Deliverer Deliverer
	Logger    zerolog.Logger
}

type Router struct {
	targets   Targets
	deliverer Deliverer
	logger    zerolog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		targets:   cfg.Targets,
		deliverer: cfg.Deliverer,
		logger:    cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// Decision is what happened to one authorized event. Status is one of the
// storage delivery statuses; Err is set only for StatusError.
type Decision struct {
	Status  string
	Repo    string
	Summary string
	Err     error
}

// Route filters, renders and delivers one event for sub.
func (r *Router) Route(ctx context.Context, sub tenant.Subscription, event string, payload []byte) Decision {
	repo := summary.RepoName(payload)
	if repo == "" {
		repo = sub.Repo
	}
	d := Decision{Repo: repo}

	if !sub.Filter.Allows(event) {
		d.Status = storage.StatusIgnored
		return d
	}

	bot, dest, err := r.targets.ResolveTarget(ctx, sub.Subscription)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Error().Err(err).Int64("subscription_id", sub.ID).Msg("resolve target failed")
		}
		d.Status = storage.StatusError
		d.Err = fmt.Errorf("%w: %v", ErrDeliveryTargetMissing, err)
		return d
	}

	d.Summary = summary.Summarize(event, payload)
	to := delivery.Target{ChatID: dest.ChatID}
	if dest.TopicID != nil {
		to.ThreadID = *dest.TopicID
	}
	if err := r.deliverer.Deliver(ctx, bot.Token, to, d.Summary); err != nil {
		d.Status = storage.StatusError
		d.Err = err
		return d
	}
	d.Status = storage.StatusDelivered
	return d
}
