package realtime

import (
	"errors"
	"fmt"

	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
)

// Registration errors.
var ErrInvalidFilter = usmqtt.ErrInvalidFilter
var ErrSubscriptionFailed = errors.New("realtime: broker subscription failed")
var ErrRegistryClosed = errors.New("realtime: registry is closed")
var ErrBindingNotFound = errors.New("realtime: handler binding not found")
var ErrInvalidRegistrationArgs = errors.New("realtime: invalid topic registration args")
var ErrPubSubStopped = errors.New("realtime: pubsub is stopped")

// Dispatch errors.
var ErrDecode = errors.New("realtime: payload decode failed")
var ErrHandler = errors.New("realtime: topic handler failed")
var ErrHandlerPanic = errors.New("realtime: panic in topic handler")
var ErrHandlerTimeout = errors.New("realtime: topic handler timed out")

var ErrInboxStopped = errors.New("realtime: inbox is stopped")
var ErrCtxNoPublisher = errors.New("realtime: topic context has no publisher")
var ErrUnknownCodec = errors.New("realtime: unknown codec")

// HandlerFailure records one handler that could not process a message.
type HandlerFailure struct {
	Filter    string
	HandlerID uint64
	Err       error
}

func (f HandlerFailure) Error() string {
	return fmt.Sprintf("filter=%q handler=%d: %v", f.Filter, f.HandlerID, f.Err)
}

func (f HandlerFailure) Unwrap() error {
	return f.Err
}
