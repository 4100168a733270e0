// Package monitoring 以 Prometheus 指标暴露命令执行、事件写入与摘要缓存的运行状况
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"epoque/errors"
)

// 命令执行结果标签
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
)

var durationBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// Metrics 引擎指标集合
//
// nil *Metrics 的所有记录方法都是空操作，组件可以不判空直接调用。
type Metrics struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	eventsWritten   *prometheus.CounterVec
	writeConflicts  *prometheus.CounterVec
	summaryCache    *prometheus.CounterVec
	replayedEvents  *prometheus.CounterVec
	storeDuration   *prometheus.HistogramVec
}

// NewMetrics 创建指标并注册到 reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epoque_commands_total",
			Help: "Processed commands by type and outcome",
		}, []string{"command_type", "outcome"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "epoque_command_duration_seconds",
			Help:    "Command processing latency in seconds",
			Buckets: durationBuckets,
		}, []string{"command_type"}),

		eventsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epoque_events_written_total",
			Help: "Committed events by journal group",
		}, []string{"group"}),

		writeConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epoque_write_conflicts_total",
			Help: "Optimistic write conflicts by journal group",
		}, []string{"group"}),

		summaryCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epoque_summary_cache_total",
			Help: "Summary cache lookups by summary type and result",
		}, []string{"summary_type", "result"}),

		replayedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epoque_summary_replayed_events_total",
			Help: "Events folded while loading summaries",
		}, []string{"summary_type"}),

		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "epoque_store_operation_duration_seconds",
			Help:    "Event store operation latency by operation and outcome",
			Buckets: durationBuckets,
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(
		m.commands,
		m.commandDuration,
		m.eventsWritten,
		m.writeConflicts,
		m.summaryCache,
		m.replayedEvents,
		m.storeDuration,
	)
	return m
}

// CommandProcessed 记录一次命令执行
func (m *Metrics) CommandProcessed(commandType string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(commandType, Outcome(err)).Inc()
	m.commandDuration.WithLabelValues(commandType).Observe(d.Seconds())
}

func (m *Metrics) EventsWritten(group string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsWritten.WithLabelValues(group).Add(float64(n))
}

func (m *Metrics) WriteConflict(group string) {
	if m == nil {
		return
	}
	m.writeConflicts.WithLabelValues(group).Inc()
}

// SummaryCacheLookup 记录摘要缓存命中或未命中
func (m *Metrics) SummaryCacheLookup(summaryType string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.summaryCache.WithLabelValues(summaryType, result).Inc()
}

func (m *Metrics) SummaryReplayed(summaryType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.replayedEvents.WithLabelValues(summaryType).Add(float64(n))
}

// StoreOperation 记录一次事件存储操作
func (m *Metrics) StoreOperation(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(operation, Outcome(err)).Observe(d.Seconds())
}

// Outcome 把命令错误归类为指标标签
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.IsRejected(err):
		return OutcomeRejected
	case errors.IsConflict(err):
		return OutcomeConflict
	case errors.IsTimeout(err):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
