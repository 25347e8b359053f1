package rdmasec

import (
	"errors"
	"time"

	"github.com/go-rdmasec/rdmasec/internal/control"
	"github.com/go-rdmasec/rdmasec/internal/rdmaerr"
)

// DisconnectTimeouts holds the two timers the three-way disconnect
// handshake arms: 5s for the initiator waiting on ACK, 3s for the responder
// waiting on FIN.
type DisconnectTimeouts struct {
	Initiator time.Duration
	Responder time.Duration
}

// pollInterval is how often the disconnect handshake re-checks the receive
// CQ while waiting on a sentinel. Short enough not to visibly delay
// teardown, long enough not to spin a core doing it.
const pollInterval = 2 * time.Millisecond

// finFlushDelay is how long the initiator waits after sending FIN before
// tearing down, giving the responder time to observe FIN and flush its own
// teardown before the connection disappears under it.
const finFlushDelay = 100 * time.Millisecond

// markErrored forces s's queue pair into the ERROR state when err indicates
// a completion failure, mirroring the real CompletionFailed -> ERROR
// transition before the resources are torn down.
func markErrored(s *Session, err error) {
	var ce *rdmaerr.CompletionError
	if errors.As(err, &ce) && s.res != nil {
		s.res.qp.ToError()
	}
}

// sendSentinel posts one of the three disconnect sentinels as RDMA send
// data and waits for its own completion, matching how ordinary application
// data is sent in the message loop: sentinels are delivered as data
// records through the queue pair, which for an OPEN session carries them
// over the TLS channel (see startWireBridge).
func sendSentinel(s *Session, sentinel string) error {
	if err := s.res.qp.PostSend([]byte(sentinel)); err != nil {
		return err
	}
	for {
		wc, ok := s.res.sendCQ.Poll()
		if !ok {
			time.Sleep(pollInterval)
			continue
		}
		if !wc.OK {
			return &rdmaerr.CompletionError{Status: wc.Status}
		}
		return nil
	}
}

// waitForSentinel polls the receive CQ until it sees want or the deadline
// passes. Non-sentinel completions observed while waiting are dropped,
// including any application data still in flight: nothing drains pending
// sends before REQ is sent.
func waitForSentinel(s *Session, want string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wc, ok := s.res.recvCQ.Poll()
		if !ok {
			time.Sleep(pollInterval)
			continue
		}
		if wc.OK && string(wc.Data) == want {
			return true
		}
	}
	return false
}

// InitiateDisconnect runs the initiator side of the three-way handshake:
// send REQ, wait up to t.Initiator for ACK, send FIN, tear down. If ACK
// never arrives, teardown is forced and a DisconnectTimeoutError is
// returned; the slot is released either way.
func InitiateDisconnect(s *Session, t DisconnectTimeouts, reg *Registry, m *registryMetrics) error {
	if err := sendSentinel(s, control.SentinelDisconnectReq); err != nil {
		markErrored(s, err)
		teardown(s, reg)
		if m != nil {
			m.disconnectsForced.Inc()
		}
		return err
	}

	if !waitForSentinel(s, control.SentinelDisconnectAck, t.Initiator) {
		teardown(s, reg)
		if m != nil {
			m.disconnectsForced.Inc()
		}
		return &rdmaerr.DisconnectTimeoutError{Role: "initiator"}
	}

	err := sendSentinel(s, control.SentinelDisconnectFin)
	if err != nil {
		markErrored(s, err)
	} else {
		time.Sleep(finFlushDelay)
	}
	teardown(s, reg)
	if m != nil {
		if err != nil {
			m.disconnectsForced.Inc()
		} else {
			m.disconnectsGraceful.Inc()
		}
	}
	return err
}

// HandleDisconnectRequest runs the responder side after the message loop
// observes an inbound REQ: send ACK, wait up to t.Responder for FIN, tear
// down.
func HandleDisconnectRequest(s *Session, t DisconnectTimeouts, reg *Registry, m *registryMetrics) error {
	if err := sendSentinel(s, control.SentinelDisconnectAck); err != nil {
		markErrored(s, err)
		teardown(s, reg)
		if m != nil {
			m.disconnectsForced.Inc()
		}
		return err
	}

	if !waitForSentinel(s, control.SentinelDisconnectFin, t.Responder) {
		teardown(s, reg)
		if m != nil {
			m.disconnectsForced.Inc()
		}
		return &rdmaerr.DisconnectTimeoutError{Role: "responder"}
	}

	teardown(s, reg)
	if m != nil {
		m.disconnectsGraceful.Inc()
	}
	return nil
}

// teardown releases a session's RDMA resources, closes its TLS channel, and
// releases its registry slot, in that order. Safe to call more than once
// for the same session.
func teardown(s *Session, reg *Registry) {
	s.torndown.Do(func() {
		s.closed.Store(true)
		if s.res != nil {
			s.res.destroy()
			s.res = nil
		}
		if s.ch != nil {
			s.ch.Close()
		}
		if reg != nil {
			reg.release(s.id)
		}
	})
}
