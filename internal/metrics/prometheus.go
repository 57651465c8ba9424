package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broker metrics
var (
	BrokerConnectionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_connection_attempts_total",
			Help: "Total number of broker connection attempts",
		},
		[]string{"result"}, // success, failure
	)

	BrokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_connected",
			Help: "Whether the broker connection is currently open (1) or not (0)",
		},
	)

	BrokerReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_reconnects_total",
			Help: "Total number of reconnect rounds after an established connection dropped",
		},
		[]string{"result"}, // success, failure
	)

	BrokerDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_deliveries_total",
			Help: "Total number of broker deliveries by acknowledgment",
		},
		[]string{"channel", "ack"}, // ack, nack, ack_error
	)

	BrokerHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_handler_duration_seconds",
			Help:    "Duration of message handler invocations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
)

// Consumer metrics
var (
	ConsumerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_total",
			Help: "Total number of queue messages handled by result",
		},
		[]string{"result"}, // acked, dropped, requeued, duplicate
	)
)

// Mail metrics
var (
	MailSendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_send_total",
			Help: "Total number of delivery attempts by driver and status",
		},
		[]string{"driver", "status"}, // sent, failed
	)

	MailSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mail_send_duration_seconds",
			Help:    "Duration of delivery attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver"},
	)

	TemplateRenderFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "template_render_failures_total",
			Help: "Total number of template lookup or render failures",
		},
	)
)

// API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
