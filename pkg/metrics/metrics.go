package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 通道重连计数
	ChannelReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_reconnects_total",
			Help: "Total number of session channel reconnects",
		},
		[]string{"session"},
	)

	// 推送事件分发计数
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dispatched_total",
			Help: "Total number of push events dispatched to handlers",
		},
		[]string{"event_type"},
	)

	// 重复事件被去重的计数
	DuplicateEventsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplicate_events_suppressed_total",
			Help: "Total number of duplicate push events suppressed by dedup",
		},
		[]string{"event_type"},
	)

	// Watch 状态转换计数
	WatchTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_transitions_total",
			Help: "Total number of account watch state transitions",
		},
		[]string{"to_state"},
	)

	// 乐观更新结果计数
	MutationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutation_outcomes_total",
			Help: "Total number of optimistic mutations by outcome",
		},
		[]string{"kind", "outcome"}, // outcome: committed, rolled_back
	)

	// 草稿自动保存计数
	DraftAutosaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "draft_autosaves_total",
			Help: "Total number of draft autosave attempts",
		},
		[]string{"status"}, // status: success, failed, skipped_empty
	)

	// 服务端调用延迟（秒）
	BackendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_call_duration_seconds",
			Help:    "Mail backend call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "status"},
	)

	// 账户同步耗时（秒）
	AccountSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "account_sync_duration_seconds",
			Help:    "Observed account sync duration from syncing to completed",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3m
		},
		[]string{"account"},
	)
)

// IncrementChannelReconnect 增加通道重连计数
func IncrementChannelReconnect(session string) {
	ChannelReconnects.WithLabelValues(session).Inc()
}

// IncrementEventDispatched 增加事件分发计数
func IncrementEventDispatched(eventType string) {
	EventsDispatched.WithLabelValues(eventType).Inc()
}

// IncrementDuplicateSuppressed 增加去重计数
func IncrementDuplicateSuppressed(eventType string) {
	DuplicateEventsSuppressed.WithLabelValues(eventType).Inc()
}

// IncrementWatchTransition 记录 watch 状态转换
func IncrementWatchTransition(toState string) {
	WatchTransitions.WithLabelValues(toState).Inc()
}

// IncrementMutationOutcome 记录乐观更新结果
func IncrementMutationOutcome(kind, outcome string) {
	MutationOutcomes.WithLabelValues(kind, outcome).Inc()
}

// IncrementDraftAutosave 记录草稿自动保存
func IncrementDraftAutosave(status string) {
	DraftAutosaves.WithLabelValues(status).Inc()
}

// RecordBackendCall 记录后端调用延迟
func RecordBackendCall(operation, status string, duration time.Duration) {
	BackendCallDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordAccountSync 记录一次账户同步耗时
func RecordAccountSync(account string, duration time.Duration) {
	AccountSyncDuration.WithLabelValues(account).Observe(duration.Seconds())
}
