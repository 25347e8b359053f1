package verbs

import (
	"crypto/rand"
	"fmt"
)

// Port describes one port of an RDMA device: its link-layer addressing
// information, needed to build address handles at RTR time.
type Port struct {
	Num uint8
	LID uint16
	GID [16]byte
}

// Device is a single open handle to an RDMA device, shared by every session
// in the process per the one-context-per-process policy. It is read-only
// from the perspective of sessions: protection domains, completion queues,
// queue pairs, and memory regions are created from it but never mutate it.
type Device struct {
	name   string
	fabric *Fabric
	port   Port
}

// OpenDevice opens the first available device attached to fabric. If fabric
// is nil, a new unconnected fabric is created (only useful for a device that
// will never talk to a peer, e.g. in isolated unit tests).
//
// Returns an error if no device is available, mirroring RdmaDeviceUnavailable
// in the error taxonomy; callers must fail the process at startup on error,
// not per-session.
func OpenDevice(fabric *Fabric) (*Device, error) {
	return OpenNamedDevice(fabric, "rdmasec0")
}

// OpenNamedDevice is OpenDevice with an explicit device name, for deployments
// that run more than one software device and want log lines to distinguish
// them.
func OpenNamedDevice(fabric *Fabric, name string) (*Device, error) {
	if fabric == nil {
		fabric = NewFabric()
	}
	if name == "" {
		name = "rdmasec0"
	}

	gid, err := randomGID()
	if err != nil {
		return nil, fmt.Errorf("verbs: open device: %w", err)
	}

	return &Device{
		name:   name,
		fabric: fabric,
		port: Port{
			Num: 1,
			LID: 1,
			GID: gid,
		},
	}, nil
}

// Name returns the device's name, e.g. for logging.
func (d *Device) Name() string { return d.name }

// Port returns the device's (only) port information.
func (d *Device) Port() Port { return d.port }

// Close releases the device context. It must only be called after every
// session using it has torn down its resources.
func (d *Device) Close() error {
	return nil
}

func randomGID() ([16]byte, error) {
	var gid [16]byte
	if _, err := rand.Read(gid[:]); err != nil {
		return gid, err
	}
	// Mark as a locally administered, non-multicast address so test output
	// is visibly not a real routable GID.
	gid[0] = 0xfe
	gid[1] = 0x80
	return gid, nil
}
