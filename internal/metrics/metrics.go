package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hookgram"

type Metrics struct {
	GitHubWebhooks    *prometheus.CounterVec
	TelegramUpdates   prometheus.Counter
	Commands          *prometheus.CounterVec
	TelegramCalls     *prometheus.CounterVec
	DeliveryChunks    prometheus.Counter
	DeliveryLogPruned prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns the process-wide collectors, registering them with the
// default registry on first use.
func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			GitHubWebhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "github_webhooks_total",
				Help:      "GitHub webhook calls by outcome",
			}, []string{"outcome"}),
			TelegramUpdates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Bot commands dispatched by name",
			}, []string{"command"}),
			TelegramCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telegram_calls_total",
				Help:      "Outbound Bot API calls by method and result",
			}, []string{"method", "result"}),
			DeliveryChunks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_chunks_total",
				Help:      "Message chunks handed to the Bot API",
			}),
			DeliveryLogPruned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_log_pruned_total",
				Help:      "Delivery log entries removed by retention",
			}),
		}
		prometheus.MustRegister(
			global.GitHubWebhooks,
			global.TelegramUpdates,
			global.Commands,
			global.TelegramCalls,
			global.DeliveryChunks,
			global.DeliveryLogPruned,
		)
	})
	return global
}
