package eventbus

// Well-known channel names used throughout the daemon. Producers and
// consumers agree on these strings rather than sharing a generated enum,
// matching the dynamic-attribute-creation style described in spec §9: any
// component may publish or subscribe to an arbitrary name, but the ones
// below are the contract the core subsystems rely on.
const (
	ChannelAGDOutput        = "agd_output"
	ChannelChangePlayLevel  = "change_play_level"
	ChannelThresholdChanged = "threshold_changed"
	ChannelLog              = "log_message"
	ChannelArduinoReading   = "arduino_reading"
	ChannelHID              = "hid"
	ChannelSetLogLevel      = "set_log_level"
)

// PublishReading publishes an agd_output event: the raw input sample and the
// running aggregated-derivative sum computed from it.
func (b *Bus) PublishReading(raw float64, agd float64) {
	b.Publish(ChannelAGDOutput, raw, agd)
}

// PublishLevelChange requests that the orchestrator transition to level,
// attributing the request to source (e.g. "network", "agd", "web").
func (b *Bus) PublishLevelChange(level int, source string) {
	b.Publish(ChannelChangePlayLevel, level, source)
}

// PublishThresholdChanged announces that the AGD detector's threshold at
// index k was updated to value.
func (b *Bus) PublishThresholdChanged(k int, value float64) {
	b.Publish(ChannelThresholdChanged, k, value)
}

// PublishLogRecord fans a formatted log line out to subscribers (the web UI's
// log-message broadcast). The log channel is flagged no-log-on-failure by
// the logging package at startup, so a failing subscriber here never
// recurses back into the logger.
func (b *Bus) PublishLogRecord(namespace, level, text string) {
	b.Publish(ChannelLog, namespace, level, text)
}
