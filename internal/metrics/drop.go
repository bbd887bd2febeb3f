package metrics

import "feedflow/logger"

// DropMetric identifies the metric name emitted when a frame or send is dropped.
type DropMetric string

const (
	// DropMetricMalformed records inbound frames that could not be decoded.
	DropMetricMalformed DropMetric = "frames_malformed_dropped"
	// DropMetricUnsubscribed records data frames for an unknown channel id.
	DropMetricUnsubscribed DropMetric = "frames_unsubscribed_dropped"
	// DropMetricUnknownChannel records data for a channel type with no handler.
	DropMetricUnknownChannel DropMetric = "frames_unknown_channel_dropped"
	// DropMetricHandlerPanic records frames abandoned after a handler panic.
	DropMetricHandlerPanic DropMetric = "frames_handler_panic_dropped"
	// DropMetricSendDisconnected records outbound frames sent while disconnected.
	DropMetricSendDisconnected DropMetric = "sends_disconnected_dropped"
)

// EmitDropMetric counts one drop in Prometheus and emits it as a metric
// event. Optional channel, symbol and stage metadata are added when set.
func EmitDropMetric(log *logger.Log, metric DropMetric, channel, symbol, stage string) {
	IncDropped(string(metric))

	fields := logger.Fields{}
	if channel != "" {
		fields["channel"] = channel
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
