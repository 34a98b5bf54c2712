package eventbus

// Event types published by the engine.
const (
	EventExecutionStarted    = "execution.started"
	EventExecutionFinished   = "execution.finished"
	EventExecutionTerminated = "execution.terminated"
	EventFireDropped         = "fire.dropped"
)
