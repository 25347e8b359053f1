package verbs

import (
	"fmt"
	"sync"

	"github.com/go-rdmasec/rdmasec/internal/rdmaerr"
)

// QPType is the RDMA transport type. Only Reliable-Connected is modeled;
// unreliable-datagram and unreliable-connected semantics are out of scope.
type QPType int

const RC QPType = 0

// RemoteParams is everything needed to address a peer queue pair at RTR
// time: its number, its port's LID/GID, and the PSN it will use as its
// receive sequence number.
type RemoteParams struct {
	QPNum uint32
	LID   uint16
	GID   [16]byte
	PSN   uint32
}

// QueuePair is a manually-driven reliable-connected queue pair. State
// transitions must be performed in order (Init, then RTR, then RTS); there
// is no automatic connection manager here by design — PSNs and peer
// addressing are supplied by the caller, not negotiated by this package.
type QueuePair struct {
	mu sync.Mutex

	num    uint32
	device *Device
	pd     *ProtectionDomain
	sendCQ *CompletionQueue
	recvCQ *CompletionQueue

	state rdmaerr.QpState

	accessFlags AccessFlags
	localPSN    uint32
	remotePSN   uint32
	remote      RemoteParams

	postedRecv int // outstanding posted receive work requests

	fabric    *Fabric
	transport Transport
}

// Transport carries a queue pair's send data to its peer when the peer is
// not reachable through an in-process Fabric — the normal case for two
// communicating processes, which share no memory and are bridged only by
// whatever channel the caller wires up via SetTransport (e.g. multiplexed
// over the same connection used for connection establishment).
type Transport interface {
	Send(data []byte) error
}

// TransportFunc adapts a plain function to Transport.
type TransportFunc func(data []byte) error

func (f TransportFunc) Send(data []byte) error { return f(data) }

// NewQueuePair creates an RC queue pair in the RESET state, bound to pd and
// the given send/receive completion queues.
func NewQueuePair(pd *ProtectionDomain, sendCQ, recvCQ *CompletionQueue) (*QueuePair, error) {
	if pd == nil || pd.device == nil {
		return nil, &rdmaerr.ResourceError{Resource: "qp", Err: errNilDevice}
	}
	qp := &QueuePair{
		num:    nextQPNum(),
		device: pd.device,
		pd:     pd,
		sendCQ: sendCQ,
		recvCQ: recvCQ,
		state:  rdmaerr.QpStateReset,
		fabric: pd.device.fabric,
	}
	qp.fabric.register(qp)
	return qp, nil
}

// Num returns the queue pair's number, to be communicated to the peer as
// dest_qp_num.
func (qp *QueuePair) Num() uint32 { return qp.num }

// State returns the current lifecycle state.
func (qp *QueuePair) State() rdmaerr.QpState {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.state
}

// ModifyToInit transitions RESET -> INIT, recording the access flags the QP
// will honor once opened for traffic.
func (qp *QueuePair) ModifyToInit(port uint8, accessFlags AccessFlags) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != rdmaerr.QpStateReset {
		return &rdmaerr.QpTransitionError{From: qp.state, To: rdmaerr.QpStateInit, Err: fmt.Errorf("not in RESET")}
	}
	qp.accessFlags = accessFlags
	qp.state = rdmaerr.QpStateInit
	return nil
}

// RTRParams configures the INIT -> RTR transition.
type RTRParams struct {
	PathMTU         uint32
	Remote          RemoteParams
	MinRNRTimer     uint8
	MaxDestRdAtomic uint8
}

// ModifyToRTR transitions INIT -> RTR. remote.PSN becomes the QP's receive
// PSN; it must already be known (read off the TLS control channel) before
// this is called.
func (qp *QueuePair) ModifyToRTR(p RTRParams) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != rdmaerr.QpStateInit {
		return &rdmaerr.QpTransitionError{From: qp.state, To: rdmaerr.QpStateRTR, Err: fmt.Errorf("not in INIT")}
	}
	if p.Remote.PSN == 0 || p.Remote.PSN > 1<<24-1 {
		return &rdmaerr.QpTransitionError{From: qp.state, To: rdmaerr.QpStateRTR, Err: rdmaerr.ErrPsnOutOfRange}
	}
	qp.remote = p.Remote
	qp.remotePSN = p.Remote.PSN
	qp.state = rdmaerr.QpStateRTR
	return nil
}

// RTSParams configures the RTR -> RTS transition.
type RTSParams struct {
	LocalPSN      uint32
	Timeout       uint8
	RetryCount    uint8
	RnrRetryCount uint8
	MaxRdAtomic   uint8
}

// ModifyToRTS transitions RTR -> RTS. local.PSN becomes the QP's send PSN;
// it must already have been flushed to the peer over the TLS control
// channel before this is called.
func (qp *QueuePair) ModifyToRTS(p RTSParams) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != rdmaerr.QpStateRTR {
		return &rdmaerr.QpTransitionError{From: qp.state, To: rdmaerr.QpStateRTS, Err: fmt.Errorf("not in RTR")}
	}
	if p.LocalPSN == 0 || p.LocalPSN > 1<<24-1 {
		return &rdmaerr.QpTransitionError{From: qp.state, To: rdmaerr.QpStateRTS, Err: rdmaerr.ErrPsnOutOfRange}
	}
	qp.localPSN = p.LocalPSN
	qp.state = rdmaerr.QpStateRTS
	return nil
}

// LocalPSN returns the PSN committed at the RTS transition.
func (qp *QueuePair) LocalPSN() uint32 {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.localPSN
}

// RemotePSN returns the PSN recorded at the RTR transition.
func (qp *QueuePair) RemotePSN() uint32 {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.remotePSN
}

// PostRecv posts one receive work request against mr, allowing one inbound
// send (or RDMA write) to be accepted. It is valid from RTR onward.
func (qp *QueuePair) PostRecv(mr *MemoryRegion) error {
	qp.mu.Lock()
	if qp.state != rdmaerr.QpStateRTR && qp.state != rdmaerr.QpStateRTS {
		st := qp.state
		qp.mu.Unlock()
		return &rdmaerr.QpTransitionError{From: st, To: st, Err: fmt.Errorf("post recv requires RTR or RTS")}
	}
	qp.postedRecv++
	qp.mu.Unlock()
	return nil
}

// PostSend posts data for delivery to the peer queue pair named at RTR time.
// On the Fabric path the peer must have a receive posted (directly or by the
// time the fabric routes the message) or the send fails, mirroring RNR
// exhaustion on real hardware. When a Transport is set, the send succeeds
// once the transport accepts the data; the peer's receives are not checked.
func (qp *QueuePair) PostSend(data []byte) error {
	qp.mu.Lock()
	if qp.state != rdmaerr.QpStateRTS {
		st := qp.state
		qp.mu.Unlock()
		return &rdmaerr.QpTransitionError{From: st, To: st, Err: fmt.Errorf("post send requires RTS")}
	}
	destNum := qp.remote.QPNum
	transport := qp.transport
	qp.mu.Unlock()

	if transport != nil {
		if err := transport.Send(data); err != nil {
			qp.sendCQ.push(WorkCompletion{Opcode: OpcodeSend, OK: false, Status: err.Error()})
			return err
		}
		qp.sendCQ.push(WorkCompletion{Opcode: OpcodeSend, OK: true})
		return nil
	}

	peer, ok := qp.fabric.lookup(destNum)
	if !ok {
		qp.sendCQ.push(WorkCompletion{Opcode: OpcodeSend, OK: false, Status: "peer qp not found"})
		return fmt.Errorf("verbs: peer qp %d not found on fabric", destNum)
	}

	if err := peer.deliver(data); err != nil {
		qp.sendCQ.push(WorkCompletion{Opcode: OpcodeSend, OK: false, Status: err.Error()})
		return err
	}

	qp.sendCQ.push(WorkCompletion{Opcode: OpcodeSend, OK: true})
	return nil
}

// SetTransport wires qp's outbound sends to t instead of the in-process
// Fabric. rdmasec.Session sets this once a session reaches OPEN, whether or
// not the peer shares its process; callers that drive queue pairs directly
// within one process (this package's unit tests) can leave it nil and rely
// on Fabric-based delivery instead.
func (qp *QueuePair) SetTransport(t Transport) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	qp.transport = t
}

// deliver is called by a peer's PostSend to hand data to this queue pair. It
// consumes one posted receive slot and deposits a completion on the receive
// CQ.
func (qp *QueuePair) deliver(data []byte) error {
	qp.mu.Lock()
	if qp.postedRecv <= 0 {
		qp.mu.Unlock()
		return fmt.Errorf("verbs: no receive posted on qp %d", qp.num)
	}
	qp.postedRecv--
	qp.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)

	if !qp.recvCQ.push(WorkCompletion{Opcode: OpcodeRecv, OK: true, Data: cp}) {
		return fmt.Errorf("verbs: recv cq full on qp %d", qp.num)
	}
	return nil
}

// DeliverFromWire injects data read off an external Transport as if it had
// arrived directly from the peer queue pair, consuming one posted receive
// slot. Used by a caller running a background reader over the transport
// wired via SetTransport.
func (qp *QueuePair) DeliverFromWire(data []byte) error {
	return qp.deliver(data)
}

// FailRecv pushes a failed receive completion, for a transport reader that
// observes an unrecoverable error (peer closed, read failure) instead of a
// delivered frame.
func (qp *QueuePair) FailRecv(status string) {
	qp.recvCQ.push(WorkCompletion{Opcode: OpcodeRecv, OK: false, Status: status})
}

// SendCQ returns the queue pair's send completion queue.
func (qp *QueuePair) SendCQ() *CompletionQueue { return qp.sendCQ }

// RecvCQ returns the queue pair's receive completion queue.
func (qp *QueuePair) RecvCQ() *CompletionQueue { return qp.recvCQ }

// ToError forces the queue pair into the ERROR state, e.g. after a failed
// completion.
func (qp *QueuePair) ToError() {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	qp.state = rdmaerr.QpStateError
}

// Destroy releases the queue pair and removes it from the fabric. It must
// be called before the owning protection domain is deallocated.
func (qp *QueuePair) Destroy() error {
	qp.fabric.unregister(qp.num)
	return nil
}
