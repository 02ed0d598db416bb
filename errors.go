package blksnap

import (
	"errors"
	"fmt"
)

// Error is the structured error returned by every engine operation. It
// carries enough context (device, tracker, snapshot, chunk) to let a
// caller log or branch on the failure without string matching.
type Error struct {
	Op         string // operation that failed, e.g. "snapshot_take"
	DeviceID   string // device id, empty if not applicable
	SnapshotID string // snapshot id, empty if not applicable
	Chunk      int64  // chunk index, -1 if not applicable
	Code       ErrorKind
	Msg        string
	Inner      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DeviceID != "" {
		parts = append(parts, fmt.Sprintf("device=%s", e.DeviceID))
	}
	if e.SnapshotID != "" {
		parts = append(parts, fmt.Sprintf("snapshot=%s", e.SnapshotID))
	}
	if e.Chunk >= 0 {
		parts = append(parts, fmt.Sprintf("chunk=%d", e.Chunk))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("blksnap: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("blksnap: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support keyed on error kind.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorKind is the closed set of error categories from spec.md's error
// handling design (§7).
type ErrorKind string

const (
	KindNotFound  ErrorKind = "not found"
	KindBusy      ErrorKind = "busy"
	KindNoMemory  ErrorKind = "no memory"
	KindRetryable ErrorKind = "retryable"
	KindIoFailure ErrorKind = "io failure"
	KindNoSpace   ErrorKind = "no space"
	KindCorrupted ErrorKind = "corrupted"
	KindDeadLock  ErrorKind = "deadlock"
	KindInvalid   ErrorKind = "invalid"
)

// NewError builds a bare structured error.
func NewError(op string, code ErrorKind, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Chunk: -1}
}

// NewDeviceError builds an error scoped to one device.
func NewDeviceError(op, deviceID string, code ErrorKind, msg string) *Error {
	return &Error{Op: op, DeviceID: deviceID, Code: code, Msg: msg, Chunk: -1}
}

// NewSnapshotError builds an error scoped to one snapshot.
func NewSnapshotError(op, snapshotID string, code ErrorKind, msg string) *Error {
	return &Error{Op: op, SnapshotID: snapshotID, Code: code, Msg: msg, Chunk: -1}
}

// NewChunkError builds an error scoped to one diff area chunk.
func NewChunkError(op, deviceID string, chunk int64, code ErrorKind, msg string) *Error {
	return &Error{Op: op, DeviceID: deviceID, Chunk: chunk, Code: code, Msg: msg}
}

// WrapError wraps an existing error under a new operation name, preserving
// its kind when the inner error is already structured.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ue, ok := inner.(*Error); ok {
		return &Error{
			Op:         op,
			DeviceID:   ue.DeviceID,
			SnapshotID: ue.SnapshotID,
			Chunk:      ue.Chunk,
			Code:       ue.Code,
			Msg:        ue.Msg,
			Inner:      ue.Inner,
		}
	}
	return &Error{Op: op, Code: KindIoFailure, Msg: inner.Error(), Inner: inner, Chunk: -1}
}

// IsKind reports whether err is a structured Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == kind
	}
	return false
}
