// Package playerr defines the error taxonomy shared by the parser, the
// playback adapter and the transition controller.
package playerr

import (
	"errors"
	"fmt"
)

// Kind classifies a playback failure.
type Kind string

const (
	// KindParse is a malformed manifest. Fatal to construction.
	KindParse Kind = "parse"
	// KindNetwork is a manifest or segment fetch failure. Retried by the adapter.
	KindNetwork Kind = "network"
	// KindMedia is a decode failure. One internal retry, then fatal.
	KindMedia Kind = "media"
	// KindUnsupported means no usable playback engine exists.
	KindUnsupported Kind = "unsupported"
	// KindState is an event delivered in a state that cannot handle it.
	KindState Kind = "state"
	// KindUnknown is reported for errors that carry no Kind.
	KindUnknown Kind = "unknown"
)

// Error is a classified playback error.
type Error struct {
	Kind    Kind
	Op      string
	URL     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind, so that
// errors.Is(err, &playerr.Error{Kind: playerr.KindParse}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.URL == "" && t.Cause == nil
}

// New creates an error of the given kind.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Parse returns a parse error for the given manifest line.
func Parse(line int, format string, args ...any) *Error {
	return &Error{
		Kind:    KindParse,
		Op:      "parse",
		Message: fmt.Sprintf("line %d: %s", line, fmt.Sprintf(format, args...)),
	}
}

// Network returns a network error for url.
func Network(op, url string, cause error) *Error {
	return &Error{Kind: KindNetwork, Op: op, URL: url, Cause: cause}
}

// Media returns a media (decode) error for url.
func Media(op, url string, cause error) *Error {
	return &Error{Kind: KindMedia, Op: op, URL: url, Cause: cause}
}

// Unsupported returns an error reporting that no engine can play.
func Unsupported(message string) *Error {
	return &Error{Kind: KindUnsupported, Op: "surface", Message: message}
}

// State returns a state error describing an event the controller cannot handle.
func State(format string, args ...any) *Error {
	return &Error{Kind: KindState, Op: "controller", Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the adapter may retry the failure locally.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindMedia:
		return true
	default:
		return false
	}
}
