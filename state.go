package rdmasec

// State names a point in the connection-establishment state machine. Both
// client and server sessions progress through the same linear sequence;
// FAILED is reachable from any state, and teardown is the only transition
// out of FAILED.
type State int

const (
	StateNew State = iota
	StateTLSReady
	StatePsnSent
	StatePsnRecvd
	StateResourcesReady
	StateParamsSent
	StateParamsRecvd
	StateQpInit
	StateQpRtr
	StateQpRts
	StateOpen
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateTLSReady:
		return "TLS_READY"
	case StatePsnSent:
		return "PSN_SENT"
	case StatePsnRecvd:
		return "PSN_RECVD"
	case StateResourcesReady:
		return "RESOURCES_READY"
	case StateParamsSent:
		return "PARAMS_SENT"
	case StateParamsRecvd:
		return "PARAMS_RECVD"
	case StateQpInit:
		return "QP_INIT"
	case StateQpRtr:
		return "QP_RTR"
	case StateQpRts:
		return "QP_RTS"
	case StateOpen:
		return "OPEN"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// order is the linear order states must be observed in; used by tests to
// assert that observed transitions never run out of sequence.
var order = []State{
	StateNew, StateTLSReady, StatePsnSent, StatePsnRecvd, StateResourcesReady,
	StateParamsSent, StateParamsRecvd, StateQpInit, StateQpRtr, StateQpRts, StateOpen,
}

// IsPrefixOfOrder reports whether seq is a prefix of the canonical state
// order (ignoring a trailing StateFailed, which may follow any prefix).
func IsPrefixOfOrder(seq []State) bool {
	n := len(seq)
	if n > 0 && seq[n-1] == StateFailed {
		n--
	}
	if n > len(order) {
		return false
	}
	for i := 0; i < n; i++ {
		if seq[i] != order[i] {
			return false
		}
	}
	return true
}
