package verbs

import "github.com/go-rdmasec/rdmasec/internal/rdmaerr"

// AccessFlags mirrors the ibverbs IBV_ACCESS_* bitmask.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

func (a AccessFlags) Has(f AccessFlags) bool { return a&f != 0 }

// MemoryRegion is a registered, pinned buffer with local and/or remote
// access keys.
type MemoryRegion struct {
	pd     *ProtectionDomain
	buf    []byte
	access AccessFlags
	lkey   uint32
	rkey   uint32
}

var mrKeyCounter uint32

// RegisterMemoryRegion pins buf and registers it with pd for the given
// access flags.
func RegisterMemoryRegion(pd *ProtectionDomain, buf []byte, access AccessFlags) (*MemoryRegion, error) {
	if pd == nil {
		return nil, &rdmaerr.ResourceError{Resource: "mr", Err: errNilDevice}
	}
	mrKeyCounter++
	key := mrKeyCounter
	return &MemoryRegion{
		pd:     pd,
		buf:    buf,
		access: access,
		lkey:   key,
		rkey:   key,
	}, nil
}

// Buf returns the underlying pinned buffer.
func (mr *MemoryRegion) Buf() []byte { return mr.buf }

// LKey returns the local access key.
func (mr *MemoryRegion) LKey() uint32 { return mr.lkey }

// RKey returns the remote access key.
func (mr *MemoryRegion) RKey() uint32 { return mr.rkey }

// Deregister releases the memory region. It must be called before the
// protection domain is deallocated.
func (mr *MemoryRegion) Deregister() error {
	mr.buf = nil
	return nil
}
