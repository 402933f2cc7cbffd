// Package callerr defines the error taxonomy shared by the call stack: media capture, signaling,
// negotiation and the session registry. Errors compare by code, so a wrapped error still matches
// its sentinel with errors.Is.
package callerr

import "errors"

// Code identifies an error kind. Codes travel over HTTP in the response envelope.
type Code string

const (
	CodeMediaAccessDenied  Code = "media_access_denied"
	CodeMediaUnavailable   Code = "media_unavailable"
	CodeDeviceSwitchFailed Code = "device_switch_failed"
	CodeDeviceBusy         Code = "device_busy"
	CodeChannelUnavailable Code = "channel_unavailable"
	CodeAlreadyJoined      Code = "already_joined"
	CodeNegotiationTimeout Code = "negotiation_timeout"
	CodeConnectionFailed   Code = "connection_failed"
	CodeConnectionLost     Code = "connection_lost"
	CodeBookingNotFound    Code = "booking_not_found"
	CodeBookingNotEligible Code = "booking_not_eligible"
	CodeNotParticipant     Code = "not_participant"
	CodeSessionNotFound    Code = "session_not_found"
	CodeSessionEnded       Code = "session_ended"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrMediaAccessDenied  = &Error{Code: CodeMediaAccessDenied, Msg: "media access denied"}
	ErrMediaUnavailable   = &Error{Code: CodeMediaUnavailable, Msg: "media device unavailable"}
	ErrDeviceSwitchFailed = &Error{Code: CodeDeviceSwitchFailed, Msg: "camera switch failed"}
	ErrDeviceBusy         = &Error{Code: CodeDeviceBusy, Msg: "device in use"}
	ErrChannelUnavailable = &Error{Code: CodeChannelUnavailable, Msg: "signaling channel unavailable"}
	ErrAlreadyJoined      = &Error{Code: CodeAlreadyJoined, Msg: "room already joined"}
	ErrNegotiationTimeout = &Error{Code: CodeNegotiationTimeout, Msg: "negotiation timed out"}
	ErrConnectionFailed   = &Error{Code: CodeConnectionFailed, Msg: "peer connection failed"}
	ErrConnectionLost     = &Error{Code: CodeConnectionLost, Msg: "peer connection lost"}
	ErrBookingNotFound    = &Error{Code: CodeBookingNotFound, Msg: "booking not found"}
	ErrBookingNotEligible = &Error{Code: CodeBookingNotEligible, Msg: "booking not eligible for a session"}
	ErrNotParticipant     = &Error{Code: CodeNotParticipant, Msg: "not a participant of this booking"}
	ErrSessionNotFound    = &Error{Code: CodeSessionNotFound, Msg: "session not found"}
	ErrSessionEnded       = &Error{Code: CodeSessionEnded, Msg: "session has ended"}
)

var byCode = map[Code]*Error{}

func init() {
	for _, e := range []*Error{
		ErrMediaAccessDenied, ErrMediaUnavailable, ErrDeviceSwitchFailed, ErrDeviceBusy,
		ErrChannelUnavailable, ErrAlreadyJoined, ErrNegotiationTimeout, ErrConnectionFailed,
		ErrConnectionLost, ErrBookingNotFound, ErrBookingNotEligible, ErrNotParticipant,
		ErrSessionNotFound, ErrSessionEnded,
	} {
		byCode[e.Code] = e
	}
}

// Wrap returns an error of the given kind carrying cause. The message of the kind is kept.
func Wrap(kind *Error, cause error) error {
	return &Error{Code: kind.Code, Msg: kind.Msg, Err: cause}
}

// WithMsg returns an error of the given kind with a more specific message.
func WithMsg(kind *Error, msg string) error {
	return &Error{Code: kind.Code, Msg: msg}
}

// FromCode rebuilds an error from a wire code; unknown codes yield nil.
func FromCode(code Code, msg string) error {
	kind, ok := byCode[code]
	if !ok {
		return nil
	}
	if msg == "" {
		return kind
	}
	return &Error{Code: kind.Code, Msg: msg}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Recoverable reports whether a manual retry of the same call attempt may succeed.
func Recoverable(err error) bool {
	switch CodeOf(err) {
	case CodeChannelUnavailable, CodeConnectionLost, CodeNegotiationTimeout, CodeConnectionFailed, CodeDeviceBusy:
		return true
	}
	return false
}
