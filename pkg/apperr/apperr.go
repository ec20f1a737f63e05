// Package apperr classifies the failures that can cross component boundaries.
//
// Each kind is a sentinel usable with errors.Is. Components wrap the concrete
// cause in an *Error so callers can branch on the kind while logs keep the
// underlying message.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration means a required setting or credential is missing.
	// Fatal for the current attempt; never retried automatically.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport means the live session transport failed to open or send.
	// The session falls back to Disconnected; the user may retry.
	ErrTransport = errors.New("transport error")

	// ErrMediaAccess means the microphone or camera could not be opened.
	ErrMediaAccess = errors.New("media access error")

	// ErrPeerConnection means a single remote participant's link failed.
	// It is isolated to that participant.
	ErrPeerConnection = errors.New("peer connection error")

	// ErrDecode means an inbound audio payload was malformed.
	// The message is dropped and the session continues.
	ErrDecode = errors.New("decode error")

	// ErrUnsupportedTool means the model requested an operation outside the
	// supported tool set.
	ErrUnsupportedTool = errors.New("unsupported tool")
)

// Error wraps a concrete failure with its kind and the operation that failed.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	default:
		return e.Kind.Error()
	}
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err as a failure of the given kind during op.
func New(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration reports a missing or invalid setting.
func Configuration(op, format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transport wraps a live transport failure.
func Transport(op string, err error) error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

// MediaAccess wraps a device failure.
func MediaAccess(op string, err error) error {
	return &Error{Kind: ErrMediaAccess, Op: op, Err: err}
}

// PeerConnection wraps a failure scoped to one remote participant.
func PeerConnection(op string, err error) error {
	return &Error{Kind: ErrPeerConnection, Op: op, Err: err}
}

// Decode wraps a malformed payload failure.
func Decode(op string, err error) error {
	return &Error{Kind: ErrDecode, Op: op, Err: err}
}

// Kind returns the classified kind of err, or nil when err is unclassified.
func Kind(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
