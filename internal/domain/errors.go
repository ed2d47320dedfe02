package domain

import "errors"

// Failure classes. Every error crossing a component boundary should wrap exactly one.
var (
	ErrTransient = errors.New("transient failure")
	ErrPermanent = errors.New("permanent failure")
	ErrResource  = errors.New("resource unavailable")
)

var (
	ErrSelfAddressed       = Permanent(errors.New("message is addressed to the sending node"))
	ErrInvalidDestination  = Permanent(errors.New("invalid destination"))
	ErrEmptyPayload        = Permanent(errors.New("message body is empty"))
	ErrPayloadTooLarge     = Permanent(errors.New("payload exceeds maximum size even after chunking"))
	ErrPacketTooLarge      = Permanent(errors.New("packet exceeds interface maximum size"))
	ErrUnknownInterface    = Permanent(errors.New("unknown interface"))
	ErrAckTimeout          = Transient(errors.New("acknowledgement timeout"))
	ErrNegativeAck         = Transient(errors.New("negative acknowledgement"))
	ErrInterfaceDown       = Resource(errors.New("interface is not live"))
	ErrConsumerLimit       = Resource(errors.New("interface consumer limit reached"))
	ErrHandleReleased      = Resource(errors.New("interface handle already released"))
	ErrNotFound            = errors.New("not found")
	ErrNotCancellable      = errors.New("message can no longer be cancelled")
	ErrDeliveryEngineClose = errors.New("delivery engine is closed")
)

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.class, e.err}
}

func classify(class, err error) error {
	if err == nil {
		return nil
	}

	return &classifiedError{class: class, err: err}
}

func Transient(err error) error { return classify(ErrTransient, err) }
func Permanent(err error) error { return classify(ErrPermanent, err) }
func Resource(err error) error  { return classify(ErrResource, err) }

type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureTransient
	FailurePermanent
	FailureResource
)

func (c FailureClass) String() string {
	switch c {
	case FailureNone:
		return "none"
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	case FailureResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Classify maps an error to its failure class. Unclassified errors count as transient.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrPermanent):
		return FailurePermanent
	case errors.Is(err, ErrResource):
		return FailureResource
	default:
		return FailureTransient
	}
}
