package types

import "errors"

// Failure taxonomy. Stages wrap one of these with %w; the orchestrator
// branches with errors.Is.
var (
	ErrValidation             = errors.New("work item validation failed")
	ErrInvalidAudioReference  = errors.New("invalid audio reference")
	ErrTranscriptionFailed    = errors.New("transcription failed")
	ErrTranscriptionTimeout   = errors.New("transcription timeout")
	ErrModelInvocationFailed  = errors.New("model invocation failed")
	ErrSchemaValidationFailed = errors.New("schema validation failed")
	ErrRemoteWriteFailed      = errors.New("remote write failed")
)
