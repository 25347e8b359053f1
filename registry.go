package rdmasec

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-rdmasec/rdmasec/internal/control"
	"github.com/go-rdmasec/rdmasec/internal/rdmaerr"
	"github.com/go-rdmasec/rdmasec/internal/verbs"
	"github.com/rs/zerolog"
)

// Registry is the server-wide shared state: the shared device context and
// a bounded array of session slots guarded by a single
// mutex that protects only the array and count, never an individual
// session's internals.
type Registry struct {
	Logger zerolog.Logger

	device *verbs.Device

	cqDepth    int
	bufferSize int
	pathMTU    int
	timeouts   DisconnectTimeouts

	mu    sync.Mutex
	slots []*Session

	numClients atomic.Int32

	metrics *registryMetrics
}

// NewRegistry opens the shared RDMA device and allocates capacity session
// slots. capacity defaults to 10 when zero or negative.
func NewRegistry(capacity int, cqDepth, bufferSize, pathMTU int, deviceName string, timeouts DisconnectTimeouts, logger zerolog.Logger) (*Registry, error) {
	if capacity <= 0 {
		capacity = 10
	}
	device, err := verbs.OpenNamedDevice(nil, deviceName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rdmaerr.ErrDeviceUnavailable, err)
	}

	r := &Registry{
		Logger:     logger,
		device:     device,
		cqDepth:    cqDepth,
		bufferSize: bufferSize,
		pathMTU:    pathMTU,
		timeouts:   timeouts,
		slots:      make([]*Session, capacity),
	}
	r.metrics = newRegistryMetrics(&r.numClients)
	return r, nil
}

// NumClients returns the number of currently admitted sessions.
func (r *Registry) NumClients() int {
	return int(r.numClients.Load())
}

// admit scans for a free slot and claims it for s, returning the slot
// index. It returns rdmaerr.ErrCapacityExceeded without mutating anything
// if the registry is full.
func (r *Registry) admit(s *Session) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, slot := range r.slots {
		if slot == nil {
			r.slots[i] = s
			r.numClients.Add(1)
			if r.metrics != nil {
				r.metrics.admissionsSuccess.Inc()
			}
			return i, nil
		}
	}
	if r.metrics != nil {
		r.metrics.admissionsRejectCap.Inc()
	}
	return -1, rdmaerr.ErrCapacityExceeded
}

// release frees slot id, allowing a future connection to reuse it.
func (r *Registry) release(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.slots) || r.slots[id] == nil {
		return
	}
	r.slots[id] = nil
	r.numClients.Add(-1)
}

// establishConfig returns the resource tunables a new session's establish
// call needs.
func (r *Registry) establishConfig() establishConfig {
	return establishConfig{CQDepth: r.cqDepth, BufferSize: r.bufferSize, PathMTU: r.pathMTU}
}

// Accept completes the server side of establishment for one just-accepted
// TCP connection: TLS handshake, admission, then connection establishment,
// returning a Session ready for RunMessageLoop. Admission happens before
// any RDMA resource is created: if the registry is full, raw is closed and
// rdmaerr.ErrCapacityExceeded is returned without side effects.
func (r *Registry) Accept(raw net.Conn, tlsConfig *tls.Config) (*Session, error) {
	ch, err := control.Accept(raw, tlsConfig)
	if err != nil {
		raw.Close()
		if r.metrics != nil {
			r.metrics.sessionsFailedTLS.Inc()
		}
		return nil, err
	}

	s := &Session{ch: ch, state: StateTLSReady}
	id, err := r.admit(s)
	if err != nil {
		ch.Close()
		return nil, err
	}

	established, err := establish(ch, r.device, r.establishConfig(), r.metrics)
	if err != nil {
		ch.Close()
		r.release(id)
		return nil, err
	}
	established.id = id
	r.replaceSlot(id, established)
	return established, nil
}

// replaceSlot swaps the placeholder Session admit() claimed a slot with for
// the fully-established one, once establish has populated its RDMA state.
func (r *Registry) replaceSlot(id int, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[id] = s
}

// Timeouts returns the disconnect handshake timers sessions accepted by r
// should use.
func (r *Registry) Timeouts() DisconnectTimeouts {
	return r.timeouts
}

// Close releases the shared device context. It must only be called after
// every session's slot has been released.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.device.Close()
}
