package common

const (
	// Redis key prefixes
	InflightKeyPrefix = "grading:inflight:"

	// Stream keys (overridable via GRADING_STREAM_KEY / FEEDBACK_STREAM_KEY)
	DefaultGradingStream  = "grading:submissions"
	DefaultFeedbackStream = "grading:comments"

	// Artifact object naming
	ArtifactExtension = ".zip"
	ArtifactMIMEType  = "application/zip"
)
