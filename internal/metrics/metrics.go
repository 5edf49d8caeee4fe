// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/groupsync/internal/model"
)

// Collector はPrometheusメトリクスを収集する実装。
// reconcile.RunRecorder、scim.RequestObserver、queue.ResultRecorderを満たす。
type Collector struct {
	runs             *prometheus.CounterVec
	relevantEvents   prometheus.Counter
	patchesApplied   prometheus.Counter
	failures         *prometheus.CounterVec
	runDuration      prometheus.Histogram
	directoryStatus  *prometheus.CounterVec
	directoryLatency *prometheus.HistogramVec
	queueResults     *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsync_runs_total",
			Help: "リコンサイル実行の合計数（終了状態別）",
		}, []string{"state"}),
		relevantEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupsync_relevant_events_total",
			Help: "対象プレフィックスに一致したイベントの合計数",
		}),
		patchesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupsync_patches_applied_total",
			Help: "反映に成功したパッチの合計数",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsync_failures_total",
			Help: "エラー種別ごとの失敗数",
		}, []string{"kind"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "groupsync_run_duration_seconds",
			Help:    "リコンサイル実行の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		directoryStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsync_directory_requests_total",
			Help: "ディレクトリAPIへのリクエスト数（操作・ステータスコード別）",
		}, []string{"operation", "status_code"}),
		directoryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupsync_directory_request_duration_seconds",
			Help:    "ディレクトリAPIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		queueResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsync_queue_results_total",
			Help: "キューから取り出したパッチの処理結果",
		}, []string{"result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "groupsync_queue_depth",
			Help: "状態ごとのキュー滞留数",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.runs,
		c.relevantEvents,
		c.patchesApplied,
		c.failures,
		c.runDuration,
		c.directoryStatus,
		c.directoryLatency,
		c.queueResults,
		c.queueDepth,
	)

	return c
}

// RecordRun は実行結果を記録する。
func (c *Collector) RecordRun(report *model.RunReport) {
	if report == nil {
		return
	}
	c.runs.WithLabelValues(string(report.State)).Inc()
	c.relevantEvents.Add(float64(report.RelevantEventCount))
	c.patchesApplied.Add(float64(report.AppliedCount))
	for _, f := range report.Failures {
		c.failures.WithLabelValues(string(f.ErrorKind)).Inc()
	}
	if !report.StartedAt.IsZero() && !report.FinishedAt.IsZero() {
		c.runDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
}

// ObserveDirectoryRequest はディレクトリAPIへのリクエスト結果を記録する。
// 通信エラーなどでレスポンスがない場合、statusCodeは0になる。
func (c *Collector) ObserveDirectoryRequest(operation string, statusCode int, duration time.Duration) {
	c.directoryStatus.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	c.directoryLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordQueueResult はキューワーカーの処理結果を記録する。
func (c *Collector) RecordQueueResult(result string) {
	c.queueResults.WithLabelValues(result).Inc()
}

// SetQueueDepth は指定状態のキュー滞留数を設定する。
func (c *Collector) SetQueueDepth(status string, n int) {
	c.queueDepth.WithLabelValues(status).Set(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
