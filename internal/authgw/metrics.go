package authgw

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// リフレッシュ結果のラベル値。
const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeShared    = "shared"
	outcomeCanceled  = "canceled"
	outcomeTransport = "transport"
)

// Metrics はゲートウェイのPrometheusメトリクス。
// nilのMetricsに対するメソッド呼び出しは何もしない。
type Metrics struct {
	// requests は送信したリクエスト数（ステータスコード別）。
	requests *prometheus.CounterVec
	// duration はリクエストの所要時間。
	duration prometheus.Histogram
	// refreshes はリフレッシュ数（結果別）。
	refreshes *prometheus.CounterVec
	// retries はリフレッシュ後の再送数。
	retries prometheus.Counter
}

// NewMetrics はメトリクスを生成してregに登録する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookshelf",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Number of upstream requests sent by the gateway, by status code.",
		}, []string{"code"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bookshelf",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Latency of upstream requests sent by the gateway.",
			Buckets:   prometheus.DefBuckets,
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookshelf",
			Subsystem: "gateway",
			Name:      "refreshes_total",
			Help:      "Number of access token refreshes, by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bookshelf",
			Subsystem: "gateway",
			Name:      "retries_total",
			Help:      "Number of requests re-sent after a successful refresh.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.refreshes, m.retries)
	}
	return m
}

func (m *Metrics) observeRequest(code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(code).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) refreshed(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
