package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	// ErrImproperlyConfigured marks fatal wiring errors detected before or
	// during startup.
	ErrImproperlyConfigured = sterrors.New("ninjin: improperly configured")
	ErrDuplicateResource    = fmt.Errorf("%w: resource already registered", ErrImproperlyConfigured)
	ErrNotConnected         = fmt.Errorf("%w: broker is not connected", ErrImproperlyConfigured)
	ErrAlreadyStarted       = fmt.Errorf("%w: service already started", ErrImproperlyConfigured)
	ErrHandlerRequired      = fmt.Errorf("%w: handler function is required", ErrImproperlyConfigured)
	ErrHandlerNameRequired  = fmt.Errorf("%w: handler name is required", ErrImproperlyConfigured)
	ErrResourceRequired     = fmt.Errorf("%w: resource is required", ErrImproperlyConfigured)
	ErrConsumerKeyRequired  = fmt.Errorf("%w: consumer key is required", ErrImproperlyConfigured)
	ErrServiceNameRequired  = fmt.Errorf("%w: service name is required", ErrImproperlyConfigured)

	ErrUnknownConsumer = sterrors.New("ninjin: unknown consumer")
	ErrUnknownHandler  = sterrors.New("ninjin: unknown handler")

	// ErrIncorrectMessage is returned for envelopes that cannot be decoded or
	// published.
	ErrIncorrectMessage = sterrors.New("ninjin: incorrect message")
	ErrEmptyPayload     = fmt.Errorf("%w: cannot publish empty payload", ErrIncorrectMessage)

	ErrValidation          = sterrors.New("ninjin: validation failed")
	ErrRPCTimeout          = sterrors.New("ninjin: rpc call timed out")
	ErrServiceClosed       = sterrors.New("ninjin: service closed")
	ErrInvalidDelay        = sterrors.New("ninjin: delay must be positive")
	ErrDestinationRequired = sterrors.New("ninjin: destination is required")
	ErrUnknownJob          = sterrors.New("ninjin: unknown job")
)

// ConfigValidationError wraps configuration problems reported at startup.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "ninjin: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// Is lets callers match any configuration failure against ErrImproperlyConfigured.
func (e ConfigValidationError) Is(target error) bool {
	return target == ErrImproperlyConfigured
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
