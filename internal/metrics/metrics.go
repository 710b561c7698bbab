// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/karmahub/internal/auth"
	"github.com/hitoshi/karmahub/internal/guard"
)

// Collector は認証操作とRoute Guardの判定を記録するPrometheus実装。
// auth.MetricsRecorder と guard.Recorder を満たす。
type Collector struct {
	attempts       *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	guardDecisions *prometheus.CounterVec
	hookFailures   *prometheus.CounterVec
	activeEngines  prometheus.Gauge
}

var (
	_ auth.MetricsRecorder = (*Collector)(nil)
	_ guard.Recorder       = (*Collector)(nil)
)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karmahub_auth_attempts_total",
			Help: "認証操作の結果別の合計数",
		}, []string{"operation", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karmahub_auth_rate_limited_total",
			Help: "試行回数制限で拒否された認証操作の合計数",
		}, []string{"operation"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karmahub_guard_decisions_total",
			Help: "Route Guardの判定結果別の合計数",
		}, []string{"status"}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karmahub_auth_hook_failures_total",
			Help: "サインイン後処理の失敗数",
		}, []string{"hook"}),
		activeEngines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "karmahub_active_engines",
			Help: "保持しているブラウザセッション数",
		}),
	}

	reg.MustRegister(
		c.attempts,
		c.rateLimited,
		c.guardDecisions,
		c.hookFailures,
		c.activeEngines,
	)

	return c
}

// RecordAttempt は認証操作の結果を記録する。
func (c *Collector) RecordAttempt(operation, outcome string) {
	c.attempts.WithLabelValues(operation, outcome).Inc()
}

// RecordRateLimited は試行回数制限による拒否を記録する。
func (c *Collector) RecordRateLimited(operation string) {
	c.rateLimited.WithLabelValues(operation).Inc()
}

// RecordHookFailure はサインイン後処理の失敗を記録する。
func (c *Collector) RecordHookFailure(hook string) {
	c.hookFailures.WithLabelValues(hook).Inc()
}

// RecordGuardDecision はRoute Guardの判定結果を記録する。
func (c *Collector) RecordGuardDecision(status string) {
	c.guardDecisions.WithLabelValues(status).Inc()
}

// SetActiveEngines はブラウザセッション数を設定する。session.WithSizeObserverに渡す。
func (c *Collector) SetActiveEngines(n int) {
	c.activeEngines.Set(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
