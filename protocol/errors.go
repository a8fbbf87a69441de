// Copyright 2026 The aeimsLib Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies an error independently of the transport it came from.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionFailed
	KindDisconnectionFailed
	KindCommandFailed
	KindEncodingFailed
	KindDecodingFailed
	KindValidationFailed
	KindTimeout
	KindInvalidState
	KindProtocolError
	KindConnectionLost
	KindDuplicateProtocol
)

var kindNames = map[Kind]string{
	KindUnknown:             "UNKNOWN",
	KindConnectionFailed:    "CONNECTION_FAILED",
	KindDisconnectionFailed: "DISCONNECTION_FAILED",
	KindCommandFailed:       "COMMAND_FAILED",
	KindEncodingFailed:      "ENCODING_FAILED",
	KindDecodingFailed:      "DECODING_FAILED",
	KindValidationFailed:    "VALIDATION_FAILED",
	KindTimeout:             "TIMEOUT",
	KindInvalidState:        "INVALID_STATE",
	KindProtocolError:       "PROTOCOL_ERROR",
	KindConnectionLost:      "CONNECTION_LOST",
	KindDuplicateProtocol:   "DUPLICATE_PROTOCOL",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrConnectionFailed    = &Error{Kind: KindConnectionFailed}
	ErrDisconnectionFailed = &Error{Kind: KindDisconnectionFailed}
	ErrCommandFailed       = &Error{Kind: KindCommandFailed}
	ErrEncodingFailed      = &Error{Kind: KindEncodingFailed}
	ErrDecodingFailed      = &Error{Kind: KindDecodingFailed}
	ErrValidationFailed    = &Error{Kind: KindValidationFailed}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrProtocol            = &Error{Kind: KindProtocolError}
	ErrConnectionLost      = &Error{Kind: KindConnectionLost}
	ErrDuplicateProtocol   = &Error{Kind: KindDuplicateProtocol}
)

var (
	// ErrCancelled is the cause attached to commands cancelled by Disconnect.
	ErrCancelled = errors.New("protocol: command cancelled")
	// ErrNoProtocol is returned when no registration matches a device and no default is set.
	ErrNoProtocol = errors.New("protocol: no protocol matches device")
)

// Error is the error type surfaced by the runtime and by concrete protocols.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "connect" or "read holding registers".
	Op string
	// Retrying is set on connect failures after which a reconnect has been scheduled.
	Retrying bool
	Err      error
}

// NewError wraps err with kind and op. An err that already is an *Error of the
// same kind is returned unchanged.
func NewError(kind Kind, op string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == kind {
		return pe
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := "protocol: " + e.Kind.String()
	if e.Op != "" {
		msg += " (" + e.Op + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Retrying {
		msg += " (will retry)"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// transportFailure reports whether err means the link itself failed, in which
// case the whole batch it belongs to fails.
func transportFailure(err error) bool {
	switch KindOf(err) {
	case KindConnectionLost, KindCommandFailed, KindTimeout, KindUnknown:
		return true
	}
	return false
}
