// Package failover decides, after a failed call attempt, whether the call
// moves on to the next route of its dial sequence.
package failover

import (
	"fmt"
	"strconv"
	"strings"
)

// Cause is a Q.850 release cause.
type Cause int

const (
	UnallocatedNumber     Cause = 1
	NoRouteDestination    Cause = 3
	NormalClearing        Cause = 16
	UserBusy              Cause = 17
	NoUserResponse        Cause = 18
	NoAnswer              Cause = 19
	CallRejected          Cause = 21
	NumberChanged         Cause = 22
	ExchangeRoutingError  Cause = 25
	InvalidNumberFormat   Cause = 28
	NormalUnspecified     Cause = 31
	NoCircuitAvailable    Cause = 34
	NetworkOutOfOrder     Cause = 38
	TemporaryFailure      Cause = 41
	SwitchingCongestion   Cause = 42
	ChannelUnavailable    Cause = 44
	ResourceUnavailable   Cause = 47
	BearerCapNotAvail     Cause = 58
	ServiceUnavailable    Cause = 63
	FacilityNotImpl       Cause = 79
	RecoveryOnTimerExpiry Cause = 102
	Interworking          Cause = 127
)

var causeNames = map[Cause]string{
	UnallocatedNumber:     "UNALLOCATED_NUMBER",
	NoRouteDestination:    "NO_ROUTE_DESTINATION",
	NormalClearing:        "NORMAL_CLEARING",
	UserBusy:              "USER_BUSY",
	NoUserResponse:        "NO_USER_RESPONSE",
	NoAnswer:              "NO_ANSWER",
	CallRejected:          "CALL_REJECTED",
	NumberChanged:         "NUMBER_CHANGED",
	ExchangeRoutingError:  "EXCHANGE_ROUTING_ERROR",
	InvalidNumberFormat:   "INVALID_NUMBER_FORMAT",
	NormalUnspecified:     "NORMAL_UNSPECIFIED",
	NoCircuitAvailable:    "NORMAL_CIRCUIT_CONGESTION",
	NetworkOutOfOrder:     "NETWORK_OUT_OF_ORDER",
	TemporaryFailure:      "NORMAL_TEMPORARY_FAILURE",
	SwitchingCongestion:   "SWITCH_CONGESTION",
	ChannelUnavailable:    "REQUESTED_CHAN_UNAVAIL",
	ResourceUnavailable:   "RESOURCE_UNAVAIL",
	BearerCapNotAvail:     "BEARERCAPABILITY_NOTAVAIL",
	ServiceUnavailable:    "SERVICE_UNAVAILABLE",
	FacilityNotImpl:       "FACILITY_NOT_IMPLEMENTED",
	RecoveryOnTimerExpiry: "RECOVERY_ON_TIMER_EXPIRE",
	Interworking:          "INTERWORKING",
}

func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return "CAUSE_" + strconv.Itoa(int(c))
}

// DefaultFailoverCauses are the causes that move a call to the next carrier
// when the carrier does not configure its own set. All of them describe the
// carrier or network, not the called party.
var DefaultFailoverCauses = []Cause{
	NoRouteDestination,
	ExchangeRoutingError,
	NoCircuitAvailable,
	NetworkOutOfOrder,
	TemporaryFailure,
	SwitchingCongestion,
	ChannelUnavailable,
	ResourceUnavailable,
	BearerCapNotAvail,
	ServiceUnavailable,
	RecoveryOnTimerExpiry,
	Interworking,
}

// sipCauses maps final SIP responses to Q.850 causes.
var sipCauses = map[int]Cause{
	400: TemporaryFailure,
	401: CallRejected,
	402: CallRejected,
	403: CallRejected,
	404: UnallocatedNumber,
	405: ServiceUnavailable,
	406: FacilityNotImpl,
	407: CallRejected,
	408: RecoveryOnTimerExpiry,
	410: NumberChanged,
	413: Interworking,
	414: InvalidNumberFormat,
	415: FacilityNotImpl,
	420: Interworking,
	480: NoUserResponse,
	481: TemporaryFailure,
	482: ExchangeRoutingError,
	483: ExchangeRoutingError,
	484: InvalidNumberFormat,
	485: UnallocatedNumber,
	486: UserBusy,
	487: NormalClearing,
	488: BearerCapNotAvail,
	500: TemporaryFailure,
	501: FacilityNotImpl,
	502: NetworkOutOfOrder,
	503: SwitchingCongestion,
	504: RecoveryOnTimerExpiry,
	505: Interworking,
	513: Interworking,
	600: UserBusy,
	603: CallRejected,
	604: UnallocatedNumber,
	606: BearerCapNotAvail,
}

// dialStatusCauses maps Asterisk DIALSTATUS values.
var dialStatusCauses = map[string]Cause{
	"ANSWER":      NormalClearing,
	"BUSY":        UserBusy,
	"NOANSWER":    NoAnswer,
	"CANCEL":      NormalClearing,
	"CONGESTION":  SwitchingCongestion,
	"CHANUNAVAIL": ChannelUnavailable,
}

// FromSIP maps a SIP response code. Unknown codes fall back by class.
func FromSIP(code int) Cause {
	if c, ok := sipCauses[code]; ok {
		return c
	}
	switch {
	case code >= 400 && code < 500:
		return Interworking
	case code >= 500 && code < 600:
		return TemporaryFailure
	case code >= 600 && code < 700:
		return CallRejected
	}
	return NormalUnspecified
}

// ParseCause reads a Q.850 number (1-127), a SIP response code (400-699),
// an optional "SIP " prefixed code, or an Asterisk DIALSTATUS name.
func ParseCause(s string) (Cause, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty cause")
	}
	if c, ok := dialStatusCauses[s]; ok {
		return c, nil
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "SIP"))
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown cause %q", s)
	}
	switch {
	case n >= 1 && n <= 127:
		return Cause(n), nil
	case n >= 400 && n <= 699:
		return FromSIP(n), nil
	}
	return 0, fmt.Errorf("cause %d out of range", n)
}
