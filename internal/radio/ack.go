package radio

import (
	"fmt"

	"github.com/skobkin/meshbot/internal/domain"
)

// AckReason is the routing error carried by an acknowledgement.
type AckReason uint8

const (
	ReasonNone AckReason = iota
	ReasonNoRoute
	ReasonGotNak
	ReasonTimeout
	ReasonNoInterface
	ReasonMaxRetransmit
	ReasonNoChannel
	ReasonTooLarge
	ReasonNoResponse
	ReasonDutyCycleLimit
	ReasonBadRequest
	ReasonNotAuthorized
)

var ackReasonNames = map[AckReason]string{
	ReasonNone:           "NONE",
	ReasonNoRoute:        "NO_ROUTE",
	ReasonGotNak:         "GOT_NAK",
	ReasonTimeout:        "TIMEOUT",
	ReasonNoInterface:    "NO_INTERFACE",
	ReasonMaxRetransmit:  "MAX_RETRANSMIT",
	ReasonNoChannel:      "NO_CHANNEL",
	ReasonTooLarge:       "TOO_LARGE",
	ReasonNoResponse:     "NO_RESPONSE",
	ReasonDutyCycleLimit: "DUTY_CYCLE_LIMIT",
	ReasonBadRequest:     "BAD_REQUEST",
	ReasonNotAuthorized:  "NOT_AUTHORIZED",
}

func (r AckReason) String() string {
	if name, ok := ackReasonNames[r]; ok {
		return name
	}

	return fmt.Sprintf("REASON_%d", uint8(r))
}

// Err converts an acknowledgement reason into a classified error.
// ReasonNone yields nil.
func (r AckReason) Err() error {
	switch r {
	case ReasonNone:
		return nil
	case ReasonNoChannel, ReasonTooLarge, ReasonBadRequest, ReasonNotAuthorized:
		return domain.Permanent(fmt.Errorf("radio rejected packet: %s", r))
	default:
		return fmt.Errorf("%w: %s", domain.ErrNegativeAck, r)
	}
}
