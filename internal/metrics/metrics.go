package metrics

var latencyBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	StreamFailures    = Default.Counter("relaybot_stream_failures_total", "Workflow streams that ended without a final result", "")
	ProgressEdits     = Default.Counter("relaybot_progress_edits_total", "Progress edits sent to the chat", "")
	ProgressCoalesced = Default.Counter("relaybot_progress_coalesced_total", "Progress updates superseded before they were shown", "")
	Compressions      = Default.Counter("relaybot_image_compressions_total", "Photos recompressed to fit the photo limit", "")
	UploadFailures    = Default.Counter("relaybot_upload_failures_total", "Inbound attachments that could not be uploaded to the workflow", "")
	ActiveTurns       = Default.Gauge("relaybot_active_turns", "Turns currently being processed", "")

	TurnLatency = Default.Histogram("relaybot_turn_latency_seconds", "Time from accepted message to delivered answer", "", latencyBuckets)
)

// TurnsTotal counts accepted turns by interaction category.
func TurnsTotal(category string) *Counter {
	return Default.Counter("relaybot_turns_total", "Turns accepted by interaction category", Labels("category", category))
}

// RenderOutcome counts final answers by the fallback tier that delivered them.
func RenderOutcome(tier string) *Counter {
	return Default.Counter("relaybot_render_outcomes_total", "Final answers by delivery tier", Labels("tier", tier))
}

// MediaItems counts media items by transport and result.
func MediaItems(transport, result string) *Counter {
	return Default.Counter("relaybot_media_items_total", "Media items delivered by transport", Labels("transport", transport, "result", result))
}
