package verbs

import "github.com/go-rdmasec/rdmasec/internal/rdmaerr"

// Opcode identifies the kind of work a completion corresponds to.
type Opcode int

const (
	OpcodeSend Opcode = iota
	OpcodeRecv
)

func (o Opcode) String() string {
	switch o {
	case OpcodeSend:
		return "SEND"
	case OpcodeRecv:
		return "RECV"
	default:
		return "UNKNOWN"
	}
}

// WorkCompletion is a single entry deposited by a verb into a completion
// queue.
type WorkCompletion struct {
	Opcode Opcode
	OK     bool
	Status string // non-empty iff !OK
	Data   []byte // payload for OpcodeRecv completions
}

// CompletionQueue is where posted work requests deposit their completions.
type CompletionQueue struct {
	device *Device
	depth  int
	ch     chan WorkCompletion
}

// NewCompletionQueue creates a completion queue sized to hold at least depth
// outstanding work completions.
func NewCompletionQueue(device *Device, depth int) (*CompletionQueue, error) {
	if device == nil {
		return nil, &rdmaerr.ResourceError{Resource: "cq", Err: errNilDevice}
	}
	if depth <= 0 {
		depth = 10
	}
	return &CompletionQueue{
		device: device,
		depth:  depth,
		ch:     make(chan WorkCompletion, depth),
	}, nil
}

// Depth returns the queue's configured capacity.
func (cq *CompletionQueue) Depth() int { return cq.depth }

// Poll returns the next completion without blocking. ok is false if the
// queue is currently empty.
func (cq *CompletionQueue) Poll() (wc WorkCompletion, ok bool) {
	select {
	case wc = <-cq.ch:
		return wc, true
	default:
		return WorkCompletion{}, false
	}
}

func (cq *CompletionQueue) push(wc WorkCompletion) bool {
	select {
	case cq.ch <- wc:
		return true
	default:
		return false
	}
}

// Destroy releases the completion queue.
func (cq *CompletionQueue) Destroy() error {
	return nil
}
