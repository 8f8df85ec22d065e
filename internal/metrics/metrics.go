package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "voice_relay_http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	ActiveCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voice_relay_active_calls",
			Help: "Number of calls currently being relayed",
		},
	)

	CallsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_relay_calls_finished_total",
			Help: "Calls finished, by final session status",
		},
		[]string{"status"},
	)

	CallsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_relay_calls_rejected_total",
			Help: "Media streams rejected before a session was created",
		},
		[]string{"reason"},
	)

	FramesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_relay_frames_total",
			Help: "Audio frames relayed, by direction",
		},
		[]string{"direction"},
	)

	BargeIns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voice_relay_barge_ins_total",
			Help: "Clear events sent to the caller after the user started speaking",
		},
	)

	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voice_relay_decode_errors_total",
			Help: "Inbound media-stream events that could not be decoded",
		},
	)

	FunctionCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_relay_function_calls_total",
			Help: "Function calls dispatched on behalf of the agent",
		},
		[]string{"function", "outcome"},
	)

	FunctionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voice_relay_function_latency_seconds",
			Help:    "Function call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	AgentDialLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "voice_relay_agent_dial_seconds",
			Help: "Time to open the voice agent connection",
		},
	)
)

// 方向标签
const (
	DirectionToAgent  = "to_agent"
	DirectionToCaller = "to_caller"
)

// 函数调用结果标签
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
	OutcomeUnknown = "unknown"
)
