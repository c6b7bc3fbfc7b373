package metrics

import "expvar"

var counters = map[string]*expvar.Int{}

func newCounter(name string) *expvar.Int {
	v := expvar.NewInt(name)
	counters[name] = v
	return v
}

var (
	TicksEmitted      = newCounter("ticks_emitted")
	UpdatesApplied    = newCounter("updates_applied")
	UpdateConflicts   = newCounter("update_conflicts")
	GapsDetected      = newCounter("gaps_detected")
	RecordingRejected = newCounter("recording_lines_rejected")
	ForcedCloses      = newCounter("forced_closes")

	BridgeSubmitted = newCounter("bridge_tasks_submitted")
	BridgeResolved  = newCounter("bridge_tasks_resolved")
	BridgeFailed    = newCounter("bridge_tasks_failed")
	BridgeCancelled = newCounter("bridge_tasks_cancelled")

	LiveMessages   = newCounter("live_messages")
	LiveReconnects = newCounter("live_reconnects")
)
