package verbs

import (
	"errors"

	"github.com/go-rdmasec/rdmasec/internal/rdmaerr"
)

var errNilDevice = errors.New("verbs: nil device")

// ProtectionDomain scopes which memory regions and queue pairs may refer to
// each other.
type ProtectionDomain struct {
	device *Device
}

// NewProtectionDomain allocates a protection domain bound to device.
func NewProtectionDomain(device *Device) (*ProtectionDomain, error) {
	if device == nil {
		return nil, &rdmaerr.ResourceError{Resource: "pd", Err: errNilDevice}
	}
	return &ProtectionDomain{device: device}, nil
}

// Dealloc releases the protection domain. The device itself is left open.
func (pd *ProtectionDomain) Dealloc() error {
	pd.device = nil
	return nil
}
