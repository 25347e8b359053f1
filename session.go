package rdmasec

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-rdmasec/rdmasec/internal/control"
	"github.com/go-rdmasec/rdmasec/internal/psn"
	"github.com/go-rdmasec/rdmasec/internal/rdmaerr"
	"github.com/go-rdmasec/rdmasec/internal/verbs"
)

// Session is one admitted connection's worker-owned state: the TLS channel,
// its RDMA resources, and the PSNs and peer parameters exchanged during
// establishment. Exactly one goroutine — the session's worker — mutates a
// Session after establish returns it.
type Session struct {
	id int

	ch  *control.Channel
	res *sessionResources

	state State

	localPSN  uint32
	remotePSN uint32

	localParams  control.ParamsRecord
	remoteParams control.ParamsRecord

	port verbs.Port

	torndown sync.Once

	// closed is set before ch is closed during teardown, so the wire-bridge
	// reader goroutine can tell an intentional close from a peer failure.
	closed atomic.Bool
}

// establishConfig carries the tunables establish needs from Config/ClientConfig
// without the two depending on each other.
type establishConfig struct {
	CQDepth    int
	BufferSize int
	PathMTU    int
}

// generatePSN is swapped out in tests that rig the PSN source to produce a
// collision between both sides.
var generatePSN = psn.Generate

// establish drives a Session from a freshly TLS-handshaken channel through
// PSN exchange, RDMA resource creation, parameter exchange, and the
// INIT -> RTR -> RTS transitions. It is identical for client and server;
// the only asymmetry between the two roles is which of them called
// tls.Dial vs tls.Server to produce ch, which has already happened by the
// time establish is called.
func establish(ch *control.Channel, device *verbs.Device, cfg establishConfig, m *registryMetrics) (*Session, error) {
	s := &Session{ch: ch, state: StateTLSReady, port: device.Port()}

	localPSN, err := generatePSN()
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("establish: generate local psn: %w", err)
	}
	s.localPSN = localPSN
	if m != nil {
		m.psnGeneratedTotal.Inc()
	}

	if err := ch.WriteFrame(control.PsnRecord{PSN: localPSN}.Marshal()); err != nil {
		s.state = StateFailed
		if m != nil {
			m.sessionsFailedTLS.Inc()
		}
		return nil, fmt.Errorf("establish: write psn record: %w", err)
	}
	s.state = StatePsnSent

	frame, err := ch.ReadFrame()
	if err != nil {
		s.state = StateFailed
		if m != nil {
			m.sessionsFailedTLS.Inc()
		}
		return nil, fmt.Errorf("establish: read psn record: %w", err)
	}
	peerPSN, err := control.UnmarshalPsnRecord(frame)
	if err != nil {
		s.state = StateFailed
		if m != nil {
			m.sessionsFailedPSN.Inc()
		}
		return nil, fmt.Errorf("establish: %w", err)
	}
	if !psn.Valid(peerPSN.PSN) {
		s.state = StateFailed
		if m != nil {
			m.sessionsFailedPSN.Inc()
		}
		return nil, fmt.Errorf("establish: %w: %d", rdmaerr.ErrPsnOutOfRange, peerPSN.PSN)
	}
	if peerPSN.PSN == localPSN {
		s.state = StateFailed
		if m != nil {
			m.psnCollisionsTotal.Inc()
			m.sessionsFailedPSN.Inc()
		}
		return nil, rdmaerr.ErrPsnCollision
	}
	s.remotePSN = peerPSN.PSN
	s.state = StatePsnRecvd

	res, err := buildSessionResources(device, cfg.CQDepth, cfg.BufferSize)
	if err != nil {
		s.state = StateFailed
		if m != nil {
			m.sessionsFailedRDMA.Inc()
		}
		return nil, fmt.Errorf("establish: %w", err)
	}
	s.res = res
	s.state = StateResourcesReady

	s.localParams = control.ParamsRecord{
		QPNum: s.res.qp.Num(),
		LID:   s.port.LID,
		GID:   s.port.GID,
		PSN:   s.localPSN,
	}
	if err := ch.WriteFrame(s.localParams.Marshal()); err != nil {
		s.teardownOnFailure()
		s.state = StateFailed
		if m != nil {
			m.sessionsFailedTLS.Inc()
		}
		return nil, fmt.Errorf("establish: write params record: %w", err)
	}
	s.state = StateParamsSent

	frame, err = ch.ReadFrame()
	if err != nil {
		s.teardownOnFailure()
		s.state = StateFailed
		if m != nil {
			m.sessionsFailedTLS.Inc()
		}
		return nil, fmt.Errorf("establish: read params record: %w", err)
	}
	remoteParams, err := control.UnmarshalParamsRecord(frame)
	if err != nil {
		s.teardownOnFailure()
		s.state = StateFailed
		return nil, fmt.Errorf("establish: %w", err)
	}
	s.remoteParams = remoteParams
	s.state = StateParamsRecvd

	if err := s.res.qp.ModifyToInit(s.port.Num, verbs.AccessLocalWrite|verbs.AccessRemoteWrite|verbs.AccessRemoteRead); err != nil {
		s.teardownOnFailure()
		s.state = StateFailed
		if m != nil {
			m.sessionsFailedQP.Inc()
		}
		return nil, fmt.Errorf("establish: %w", err)
	}
	s.state = StateQpInit

	rtr := verbs.RTRParams{
		PathMTU: uint32(cfg.PathMTU),
		Remote: verbs.RemoteParams{
			QPNum: remoteParams.QPNum,
			LID:   remoteParams.LID,
			GID:   remoteParams.GID,
			PSN:   s.remotePSN,
		},
		MinRNRTimer:     1,
		MaxDestRdAtomic: 1,
	}
	if err := s.res.qp.ModifyToRTR(rtr); err != nil {
		s.teardownOnFailure()
		s.state = StateFailed
		if m != nil {
			m.sessionsFailedQP.Inc()
		}
		return nil, fmt.Errorf("establish: %w", err)
	}
	s.state = StateQpRtr

	rts := verbs.RTSParams{
		LocalPSN:      s.localPSN,
		Timeout:       14,
		RetryCount:    7,
		RnrRetryCount: 7,
		MaxRdAtomic:   1,
	}
	if err := s.res.qp.ModifyToRTS(rts); err != nil {
		s.teardownOnFailure()
		s.state = StateFailed
		if m != nil {
			m.sessionsFailedQP.Inc()
		}
		return nil, fmt.Errorf("establish: %w", err)
	}
	s.state = StateQpRts

	if err := s.res.qp.PostRecv(s.res.recvMR); err != nil {
		s.teardownOnFailure()
		s.state = StateFailed
		if m != nil {
			m.sessionsFailedQP.Inc()
		}
		return nil, fmt.Errorf("establish: post initial recv: %w", err)
	}
	s.state = StateOpen
	s.startWireBridge()

	return s, nil
}

// startWireBridge multiplexes the queue pair's simulated RDMA sends and
// receives over the same TLS connection used for establishment, now idle.
// Two sessions in separate processes never share a Fabric, so PostSend's
// normal same-process peer lookup can never find the other side; wiring a
// Transport here makes send data actually cross the wire instead of only
// working when a test harness hands both sides the same in-process Device.
func (s *Session) startWireBridge() {
	qp := s.res.qp
	ch := s.ch

	qp.SetTransport(verbs.TransportFunc(func(data []byte) error {
		return ch.WriteFrame(data)
	}))

	go s.runWireReader(ch, qp)
}

// runWireReader is the control channel's sole reader once a session is
// OPEN: it blocks on ReadFrame and hands each frame to qp as a delivered
// receive, so the receiving side's message loop observes it the same way
// it would observe a same-process Fabric delivery. qp and ch are captured
// once at startup rather than read off s, so a concurrent teardown nilling
// s.res can never race this goroutine.
func (s *Session) runWireReader(ch *control.Channel, qp *verbs.QueuePair) {
	for {
		data, err := ch.ReadFrame()
		if err != nil {
			if !s.closed.Load() {
				qp.FailRecv(err.Error())
			}
			return
		}
		// A full receive CQ or no posted receive means the peer outran
		// flow control; drop the frame rather than blocking this reader,
		// matching a dropped completion on real hardware.
		_ = qp.DeliverFromWire(data)
	}
}

// teardownOnFailure releases whatever RDMA resources establish had already
// allocated when a later step fails, in reverse order.
func (s *Session) teardownOnFailure() {
	if s.res != nil {
		s.res.destroy()
		s.res = nil
	}
}

// QPNum returns the session's own queue pair number, for logging.
func (s *Session) QPNum() uint32 {
	if s.res == nil || s.res.qp == nil {
		return 0
	}
	return s.res.qp.Num()
}
