package delivery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"hookgram/internal/metrics"
	"hookgram/internal/telegram"
)

// Sender is the Bot API call the pipeline needs.
type Sender interface {
	SendMessage(ctx context.Context, token string, msg telegram.OutgoingMessage) (int64, error)
}

// Target is where a message goes: a chat and, for forum groups, a topic.
type Target struct {
	ChatID   string
	ThreadID int64
}

type Config struct {
	Sender Sender
	Limit  int
	Logger zerolog.Logger
}

type Pipeline struct {
	sender  Sender
	limit   int
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.Limit <= 0 {
		cfg.Limit = MaxMessageLength
	}
	return &Pipeline{
		sender:  cfg.Sender,
		limit:   cfg.Limit,
		logger:  cfg.Logger.With().Str("component", "delivery").Logger(),
		metrics: metrics.Global(),
	}
}

// Deliver sends text as one or more HTML messages, in order. The first
// failed chunk stops delivery; chunks already sent stay sent.
func (p *Pipeline) Deliver(ctx context.Context, token string, to Target, text string) error {
	chunks := Split(NormalizeNewlines(text), p.limit)
	for i, chunk := range chunks {
		_, err := p.sender.SendMessage(ctx, token, telegram.OutgoingMessage{
			ChatID:   to.ChatID,
			ThreadID: to.ThreadID,
			Text:     chunk,
		})
		if err != nil {
			p.logger.Warn().Err(err).
				Str("chat_id", to.ChatID).
				Int("chunk", i+1).
				Int("chunks", len(chunks)).
				Msg("send chunk failed")
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		p.metrics.DeliveryChunks.Inc()
	}
	return nil
}
