package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidMembership = errors.New("invalid conversation membership")
	ErrNotAMember        = errors.New("not a member of this conversation")
	ErrNotAParticipant   = errors.New("not a participant of this call")
	ErrAlreadyConnected  = errors.New("user already has an active session")
	ErrCallEnded         = errors.New("call has ended")
	ErrScreenShareInUse  = errors.New("another participant is already sharing their screen")
	ErrBusy              = errors.New("resource busy, retry later")
	ErrInvalidInput      = errors.New("invalid input")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthorized      = errors.New("unauthorized access")
)

// IsRetryable reports whether the caller may resubmit the same request unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}
