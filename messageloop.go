package rdmasec

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rdmasec/rdmasec/internal/control"
	"github.com/go-rdmasec/rdmasec/internal/rdmaerr"
)

// loopPollInterval bounds how long the message loop sleeps between empty
// polls of both completion queues.
const loopPollInterval = 2 * time.Millisecond

// RunMessageLoop drives a session from OPEN to teardown: it polls the
// receive CQ for inbound sends, echoes application data back on the
// send-MR and re-posts a receive to keep at least one outstanding at all
// times, and polls the send CQ for failed completions. An inbound
// disconnect-REQ sentinel hands off to the responder side of the three-way
// disconnect handshake; ctx cancellation (process shutdown) hands off to
// the initiator side.
func RunMessageLoop(ctx context.Context, s *Session, timeouts DisconnectTimeouts, reg *Registry, m *registryMetrics) error {
	for {
		select {
		case <-ctx.Done():
			return InitiateDisconnect(s, timeouts, reg, m)
		default:
		}

		didWork := false

		if wc, ok := s.res.recvCQ.Poll(); ok {
			didWork = true
			if !wc.OK {
				s.res.qp.ToError()
				teardown(s, reg)
				if m != nil {
					m.sessionsFailedCompl.Inc()
				}
				return &rdmaerr.CompletionError{Status: wc.Status}
			}

			if err := s.res.qp.PostRecv(s.res.recvMR); err != nil {
				teardown(s, reg)
				if m != nil {
					m.sessionsFailedCompl.Inc()
				}
				return fmt.Errorf("message loop: re-post recv: %w", err)
			}

			if control.IsSentinel(wc.Data) && string(wc.Data) == control.SentinelDisconnectReq {
				return HandleDisconnectRequest(s, timeouts, reg, m)
			}

			if err := s.res.qp.PostSend(wc.Data); err != nil {
				teardown(s, reg)
				if m != nil {
					m.sessionsFailedCompl.Inc()
				}
				return fmt.Errorf("message loop: echo: %w", err)
			}
		}

		if wc, ok := s.res.sendCQ.Poll(); ok {
			didWork = true
			if !wc.OK {
				s.res.qp.ToError()
				teardown(s, reg)
				if m != nil {
					m.sessionsFailedCompl.Inc()
				}
				return &rdmaerr.CompletionError{Status: wc.Status}
			}
		}

		if !didWork {
			time.Sleep(loopPollInterval)
		}
	}
}

// Send posts one application payload on behalf of a caller driving a
// session directly (e.g. the client's demo workload), rather than from
// within RunMessageLoop's echo path.
func Send(s *Session, data []byte) error {
	return s.res.qp.PostSend(data)
}

// PollRecv polls a session's receive CQ once without blocking, for callers
// that drive their own read loop (e.g. the client demo workload) instead of
// running RunMessageLoop.
func PollRecv(s *Session) (data []byte, ok bool, failed bool) {
	wc, ok := s.res.recvCQ.Poll()
	if !ok {
		return nil, false, false
	}
	if !wc.OK {
		return nil, true, true
	}
	return wc.Data, true, false
}
