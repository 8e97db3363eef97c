package portrait

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine readable error category exposed to clients.
type Kind string

// Error kinds. There is no capacity error; a full store evicts.
const (
	KindDecode          Kind = "decode_error"
	KindNoFace          Kind = "no_face_detected"
	KindSessionNotFound Kind = "session_not_found"
	KindSynthesis       Kind = "synthesis_error"
	KindInvalidRequest  Kind = "invalid_request"
	KindInternal        Kind = "internal_error"
)

// Sentinel errors, matched with errors.Is.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoFaceDetected  = errors.New("no face detected")
	ErrTopology        = errors.New("keypoint topology mismatch")
)

// Error is the structured error returned by preprocessing and transform requests.
type Error struct {
	Kind    Kind
	Stage   string // failing pipeline stage, set for synthesis errors
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewDecodeError reports malformed or unsupported image input.
func NewDecodeError(err error) *Error {
	return &Error{Kind: KindDecode, Message: fmt.Sprintf("failed to decode image: %v", err), Err: err}
}

// NewNoFaceError reports that preprocessing found no usable face.
func NewNoFaceError(err error) *Error {
	if err == nil {
		err = ErrNoFaceDetected
	}
	return &Error{Kind: KindNoFace, Message: "no usable face found in image", Err: err}
}

// NewSessionNotFoundError reports a cache miss; the client has to upload again.
func NewSessionNotFoundError(id string) *Error {
	return &Error{
		Kind:    KindSessionNotFound,
		Message: fmt.Sprintf("session %q not found (cache miss, please re-upload the image)", id),
		Err:     ErrSessionNotFound,
	}
}

// NewSynthesisError reports a failure inside a neural module stage.
func NewSynthesisError(stage string, err error) *Error {
	return &Error{Kind: KindSynthesis, Stage: stage, Message: err.Error(), Err: err}
}

// NewInvalidRequestError reports a malformed request payload.
func NewInvalidRequestError(msg string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: msg}
}

// KindOf returns the kind of err, KindInternal for untyped errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, ErrSessionNotFound) {
		return KindSessionNotFound
	}
	if errors.Is(err, ErrNoFaceDetected) {
		return KindNoFace
	}
	return KindInternal
}

// StageOf returns the failing stage of a synthesis error, or "".
func StageOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return ""
}
