package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tcf",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"agent", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tcf",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"agent", "method", "path", "status"},
	)
	channelMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tcf",
			Subsystem: "channel",
			Name:      "messages_total",
			Help:      "TCF messages by direction and type.",
		},
		[]string{"direction", "type"},
	)
	channelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tcf",
			Subsystem: "channel",
			Name:      "active",
			Help:      "Channels started and not yet closed.",
		},
	)
	channelsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tcf",
			Subsystem: "channel",
			Name:      "opened_total",
			Help:      "Channels that completed the Hello exchange.",
		},
	)
	channelsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tcf",
			Subsystem: "channel",
			Name:      "closed_total",
			Help:      "Closed channels by outcome.",
		},
		[]string{"terminated"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tcf",
			Subsystem: "channel",
			Name:      "command_duration_seconds",
			Help:      "Time from queuing a command to its result.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	congestionReported = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tcf",
			Subsystem: "channel",
			Name:      "local_congestion_reported",
			Help:      "Last local congestion level sent to a peer.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			channelMessages,
			channelsActive,
			channelsOpened,
			channelsClosed,
			commandDuration,
			congestionReported,
		)
	})
}

func RecordHTTPRequest(agent, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(agent, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(agent, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordChannelMessage(direction, msgType string) {
	RegisterMetrics()
	channelMessages.WithLabelValues(direction, msgType).Inc()
}

func RecordChannelStarted() {
	RegisterMetrics()
	channelsActive.Inc()
}

func RecordChannelOpened() {
	RegisterMetrics()
	channelsOpened.Inc()
}

func RecordChannelClosed(terminated bool) {
	RegisterMetrics()
	channelsActive.Dec()
	channelsClosed.WithLabelValues(strconv.FormatBool(terminated)).Inc()
}

func RecordCommandDuration(service string, d time.Duration) {
	RegisterMetrics()
	commandDuration.WithLabelValues(service).Observe(d.Seconds())
}

func RecordCongestionReport(level int) {
	RegisterMetrics()
	congestionReported.Set(float64(level))
}
