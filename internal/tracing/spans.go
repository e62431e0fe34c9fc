package tracing

// Span attribute keys.
const (
	AttrSessionID    = "session.id"
	AttrProjectDir   = "session.dir"
	AttrAgent        = "session.agent"
	AttrSubmissionID = "submission.id"
	AttrOpType       = "submission.op"
	AttrModel        = "agent.model"
	AttrCheckpointID = "checkpoint.id"
	AttrFileCount    = "checkpoint.file_count"
	AttrTerminalID   = "terminal.id"
)

// Span names.
const (
	SpanSessionStart   = "session.start"
	SpanSessionSend    = "session.send"
	SpanSubmit         = "bridge.submit"
	SpanLaunch         = "bridge.launch"
	SpanCheckpointSave = "checkpoint.save"
	SpanCheckpointLoad = "checkpoint.restore"
)

// Span event names.
const (
	EventFallbackLaunch = "launch.fallback"
	EventLazyRestart    = "session.lazy_restart"
)
