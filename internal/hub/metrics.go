package hub

import (
	"github.com/hashicorp/go-metrics"
)

var (
	MetricConnectCount           = []string{"tcphub", "connect", "count"}
	MetricConnectErrorCount      = []string{"tcphub", "connect", "error", "count"}
	MetricFailoverCount          = []string{"tcphub", "failover", "count"}
	MetricDisconnectCount        = []string{"tcphub", "disconnect", "count"}
	MetricFramesInBytes          = []string{"tcphub", "frames", "in", "bytes"}
	MetricFramesOutBytes         = []string{"tcphub", "frames", "out", "bytes"}
	MetricLargestWriteBytes      = []string{"tcphub", "write", "largest", "bytes"}
	MetricWriteStallCount        = []string{"tcphub", "write", "stall", "count"}
	MetricHeartbeatSentCount     = []string{"tcphub", "heartbeat", "sent", "count"}
	MetricHeartbeatReplyCount    = []string{"tcphub", "heartbeat", "reply", "count"}
	MetricHeartbeatRTTMillis     = []string{"tcphub", "heartbeat", "rtt", "ms"}
	MetricHeartbeatTimeoutCount  = []string{"tcphub", "heartbeat", "timeout", "count"}
	MetricProtocolViolationCount = []string{"tcphub", "protocol", "violation", "count"}
	MetricUnknownTIDDropCount    = []string{"tcphub", "unknown_tid", "drop", "count"}
	MetricRequestTimeoutCount    = []string{"tcphub", "request", "timeout", "count"}
	MetricResubscribeCount       = []string{"tcphub", "resubscribe", "count"}
	MetricPendingCallsGauge      = []string{"tcphub", "pending", "calls"}
	MetricLiveSubscriptionsGauge = []string{"tcphub", "live", "subscriptions"}
)

type TelemetryLabel string

var (
	LabelHub    TelemetryLabel = "hub"
	LabelAddr   TelemetryLabel = "addr"
	LabelReason TelemetryLabel = "reason"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (h *Hub) withLabels(extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(h.labels)+len(extra))
	out = append(out, h.labels...)
	return append(out, extra...)
}

func (h *Hub) incr(key []string, extra ...metrics.Label) {
	h.msink.IncrCounterWithLabels(key, 1, h.withLabels(extra...))
}

func (h *Hub) add(key []string, val int, extra ...metrics.Label) {
	h.msink.IncrCounterWithLabels(key, float32(val), h.withLabels(extra...))
}

func (h *Hub) sample(key []string, val float32, extra ...metrics.Label) {
	h.msink.AddSampleWithLabels(key, val, h.withLabels(extra...))
}

func (h *Hub) gauge(key []string, val float32) {
	h.msink.SetGaugeWithLabels(key, val, h.withLabels())
}
