package rdmasec

import (
	"fmt"

	"github.com/go-rdmasec/rdmasec/internal/verbs"
)

// sessionResources bundles every RDMA object a single session owns: one
// protection domain, two completion queues, one queue pair, and two pinned
// memory regions (one to send from, one to receive into). Creation order
// matches the dependency order ibverbs itself requires: PD, then CQs, then
// the QP, then the MRs.
type sessionResources struct {
	pd     *verbs.ProtectionDomain
	sendCQ *verbs.CompletionQueue
	recvCQ *verbs.CompletionQueue
	qp     *verbs.QueuePair
	sendMR *verbs.MemoryRegion
	recvMR *verbs.MemoryRegion
}

// buildSessionResources allocates every RDMA object a session needs, in
// dependency order, tearing down whatever was already created if a later
// step fails so a partially-built session never leaks resources.
func buildSessionResources(device *verbs.Device, cqDepth, bufferSize int) (res *sessionResources, err error) {
	r := &sessionResources{}
	defer func() {
		if err != nil {
			r.destroy()
		}
	}()

	r.pd, err = verbs.NewProtectionDomain(device)
	if err != nil {
		return nil, fmt.Errorf("session resources: %w", err)
	}

	r.sendCQ, err = verbs.NewCompletionQueue(device, cqDepth)
	if err != nil {
		return nil, fmt.Errorf("session resources: %w", err)
	}
	r.recvCQ, err = verbs.NewCompletionQueue(device, cqDepth)
	if err != nil {
		return nil, fmt.Errorf("session resources: %w", err)
	}

	r.qp, err = verbs.NewQueuePair(r.pd, r.sendCQ, r.recvCQ)
	if err != nil {
		return nil, fmt.Errorf("session resources: %w", err)
	}

	r.sendMR, err = verbs.RegisterMemoryRegion(r.pd, verbs.NewAlignedBuffer(bufferSize), verbs.AccessLocalWrite)
	if err != nil {
		return nil, fmt.Errorf("session resources: %w", err)
	}
	r.recvMR, err = verbs.RegisterMemoryRegion(r.pd, verbs.NewAlignedBuffer(bufferSize),
		verbs.AccessLocalWrite|verbs.AccessRemoteWrite)
	if err != nil {
		return nil, fmt.Errorf("session resources: %w", err)
	}

	return r, nil
}

// destroy releases every resource in r, in the reverse of the order they
// were created, ignoring individual errors so a failure to release one
// object doesn't leak the rest. Safe to call on a partially-built r.
func (r *sessionResources) destroy() {
	if r.recvMR != nil {
		r.recvMR.Deregister()
	}
	if r.sendMR != nil {
		r.sendMR.Deregister()
	}
	if r.qp != nil {
		r.qp.Destroy()
	}
	if r.recvCQ != nil {
		r.recvCQ.Destroy()
	}
	if r.sendCQ != nil {
		r.sendCQ.Destroy()
	}
	if r.pd != nil {
		r.pd.Dealloc()
	}
}
