package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		TickDuration, PromotionTotal, PromotionSkipTotal,
		ClaimTotal, RunTerminalTotal, LogAppendTotal,
		WSSubscribers, RateLimitedTotal,
	)
}

// TickDuration 调度 tick 耗时（秒）
var TickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "orch_tick_duration_seconds",
		Help:    "调度 tick 耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// PromotionTotal 队列条目晋升为 Run 的总数
var PromotionTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orch_promotion_total",
		Help: "队列条目晋升为 Run 的总数",
	},
)

// PromotionSkipTotal tick 中跳过的条目数（按原因）
var PromotionSkipTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orch_promotion_skip_total",
		Help: "tick 中跳过的条目数",
	},
	[]string{"reason"}, // dependency | approval | quota | already_running
)

// ClaimTotal 认领请求总数（按结果）
var ClaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orch_claim_total",
		Help: "认领请求总数",
	},
	[]string{"result"}, // granted | busy
)

// RunTerminalTotal 终态 Run 总数（按状态）
var RunTerminalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orch_run_terminal_total",
		Help: "终态 Run 总数",
	},
	[]string{"state"}, // succeeded | failed | cancelled
)

// LogAppendTotal 追加日志条数（按流）
var LogAppendTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orch_log_append_total",
		Help: "追加日志条数",
	},
	[]string{"stream"}, // stdout | stderr | system
)

// WSSubscribers 当前 WebSocket 订阅者数
var WSSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "orch_ws_subscribers",
		Help: "当前 WebSocket 订阅者数",
	},
)

// RateLimitedTotal 被限流拒绝的请求总数
var RateLimitedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orch_rate_limited_total",
		Help: "被限流拒绝的请求总数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
