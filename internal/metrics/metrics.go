// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 管理者確認の結果ラベル
const (
	AdminCheckAdmin    = "admin"
	AdminCheckNotAdmin = "not_admin"
	AdminCheckFailed   = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ID管理、ファンクションクライアント、ワーカーから利用する。
type MetricsCollector interface {
	RecordAdminCheck(result string)
	RecordImpersonation(action, result string)
	RecordSignIn(result string)
	RecordFunctionCall(function string, statusCode int, duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordConversationsAnalyzed(count int)
	RecordArticlesImported(count int)
	SetActiveManagers(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	adminChecks           *prometheus.CounterVec
	impersonations        *prometheus.CounterVec
	signIns               *prometheus.CounterVec
	functionLatency       *prometheus.HistogramVec
	functionStatus        *prometheus.CounterVec
	httpStatus            *prometheus.CounterVec
	conversationsAnalyzed prometheus.Counter
	articlesImported      prometheus.Counter
	activeManagers        prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		adminChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "widgetdash_admin_checks_total",
			Help: "管理者確認の結果別の合計数",
		}, []string{"result"}),
		impersonations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "widgetdash_impersonation_total",
			Help: "なりすまし開始・終了の結果別の合計数",
		}, []string{"action", "result"}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "widgetdash_sign_in_total",
			Help: "ログイン試行の結果別の合計数",
		}, []string{"result"}),
		functionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "widgetdash_function_latency_seconds",
			Help:    "サーバーレスファンクション呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"function"}),
		functionStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "widgetdash_function_status_total",
			Help: "サーバーレスファンクションのステータスコード別レスポンス数",
		}, []string{"function", "status_code"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "widgetdash_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		conversationsAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "widgetdash_conversations_analyzed_total",
			Help: "AI分析が完了した会話の合計数",
		}),
		articlesImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "widgetdash_articles_imported_total",
			Help: "インポートされた記事の合計数",
		}),
		activeManagers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "widgetdash_active_managers",
			Help: "メモリ上に保持しているセッションマネージャー数",
		}),
	}

	reg.MustRegister(
		c.adminChecks,
		c.impersonations,
		c.signIns,
		c.functionLatency,
		c.functionStatus,
		c.httpStatus,
		c.conversationsAnalyzed,
		c.articlesImported,
		c.activeManagers,
	)

	return c
}

// RecordAdminCheck は管理者確認の結果を記録する。
func (c *Collector) RecordAdminCheck(result string) {
	c.adminChecks.WithLabelValues(result).Inc()
}

// RecordImpersonation はなりすまし遷移の結果を記録する。
func (c *Collector) RecordImpersonation(action, result string) {
	c.impersonations.WithLabelValues(action, result).Inc()
}

// RecordSignIn はログイン試行の結果を記録する。
func (c *Collector) RecordSignIn(result string) {
	c.signIns.WithLabelValues(result).Inc()
}

// RecordFunctionCall はファンクション呼び出しのステータスとレイテンシを記録する。
// ネットワークエラー時のstatusCodeは0。
func (c *Collector) RecordFunctionCall(function string, statusCode int, duration time.Duration) {
	c.functionLatency.WithLabelValues(function).Observe(duration.Seconds())
	c.functionStatus.WithLabelValues(function, strconv.Itoa(statusCode)).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordConversationsAnalyzed は分析済み会話数を記録する。
func (c *Collector) RecordConversationsAnalyzed(count int) {
	c.conversationsAnalyzed.Add(float64(count))
}

// RecordArticlesImported はインポートされた記事数を記録する。
func (c *Collector) RecordArticlesImported(count int) {
	c.articlesImported.Add(float64(count))
}

// SetActiveManagers は保持中のセッションマネージャー数を設定する。
func (c *Collector) SetActiveManagers(count int) {
	c.activeManagers.Set(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordAdminCheck(string) {}
func (Nop) RecordImpersonation(string, string) {}
func (Nop) RecordSignIn(string) {}
func (Nop) RecordFunctionCall(string, int, time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordConversationsAnalyzed(int) {}
func (Nop) RecordArticlesImported(int) {}
func (Nop) SetActiveManagers(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
