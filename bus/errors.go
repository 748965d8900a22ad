package bus

import "errors"

// WireError is the closed set of error strings the root ever places in a
// response payload's "error" field. The set is exhaustive per spec: no
// handler may emit a value outside it.
type WireError string

const (
	// Resolution errors.
	ErrNoAppsFound             WireError = "NoAppsFound"
	ErrTargetAppUnavailable    WireError = "TargetAppUnavailable"
	ErrTargetInstanceUnavail   WireError = "TargetInstanceUnavailable"
	ErrUserCancelled           WireError = "UserCancelled"
	ErrIntentDeliveryFailed    WireError = "IntentDeliveryFailed"
	ErrMalformedContext        WireError = "MalformedContext"
	// Open/launch errors.
	ErrAppNotFound         WireError = "AppNotFound"
	ErrErrorOnLaunch       WireError = "ErrorOnLaunch"
	ErrAppTimeout          WireError = "AppTimeout"
	ErrResolverUnavailable WireError = "ResolverUnavailable"
	// Channel errors.
	ErrNoChannelFound WireError = "NoChannelFound"
	ErrCreationFailed WireError = "CreationFailed"
	ErrAccessDenied   WireError = "AccessDenied"
)

// ErrGoX are ready-made error values carrying each WireError's text.
// ToWireError below matches by message text, so any error built from the
// same string maps to the same WireError whether or not it is one of
// these values.
var (
	ErrGoNoAppsFound           = errors.New(string(ErrNoAppsFound))
	ErrGoTargetAppUnavailable  = errors.New(string(ErrTargetAppUnavailable))
	ErrGoTargetInstanceUnavail = errors.New(string(ErrTargetInstanceUnavail))
	ErrGoUserCancelled         = errors.New(string(ErrUserCancelled))
	ErrGoIntentDeliveryFailed  = errors.New(string(ErrIntentDeliveryFailed))
	ErrGoMalformedContext      = errors.New(string(ErrMalformedContext))
	ErrGoAppNotFound           = errors.New(string(ErrAppNotFound))
	ErrGoErrorOnLaunch         = errors.New(string(ErrErrorOnLaunch))
	ErrGoAppTimeout            = errors.New(string(ErrAppTimeout))
	ErrGoResolverUnavailable   = errors.New(string(ErrResolverUnavailable))
	ErrGoNoChannelFound        = errors.New(string(ErrNoChannelFound))
	ErrGoCreationFailed        = errors.New(string(ErrCreationFailed))
	ErrGoAccessDenied          = errors.New(string(ErrAccessDenied))
)

// wireErrors lists every WireError string ToWireError recognizes.
// Domain packages (directory, channel, launch, ...) each declare their
// own errors.New(string(bus.ErrX)) sentinel rather than importing the
// ErrGoX values directly, so matching here is by message text, not by
// pointer identity.
var wireErrors = []WireError{
	ErrNoAppsFound, ErrTargetAppUnavailable, ErrTargetInstanceUnavail,
	ErrUserCancelled, ErrIntentDeliveryFailed, ErrMalformedContext,
	ErrAppNotFound, ErrErrorOnLaunch, ErrAppTimeout, ErrResolverUnavailable,
	ErrNoChannelFound, ErrCreationFailed, ErrAccessDenied,
}

// ToWireError maps any error whose message matches one of the closed
// taxonomy's strings to its WireError. Any other error maps to
// ok=false; the caller (root's dispatcher) logs it and emits the most
// specific terminal response it can, per spec section 7.
func ToWireError(err error) (WireError, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	for _, we := range wireErrors {
		if msg == string(we) {
			return we, true
		}
	}
	return "", false
}
