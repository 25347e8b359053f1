// Package control implements the TLS control channel: the framed,
// little-endian records exchanged between client and server before and
// during a session, and the disconnect sentinels.
package control

import (
	"encoding/binary"
	"fmt"
)

// PsnRecord carries one endpoint's freshly-generated PSN. It is the first
// record exchanged after the TLS handshake completes.
type PsnRecord struct {
	PSN uint32
}

const psnRecordSize = 4

func (r PsnRecord) Marshal() []byte {
	b := make([]byte, psnRecordSize)
	binary.LittleEndian.PutUint32(b, r.PSN)
	return b
}

func UnmarshalPsnRecord(b []byte) (PsnRecord, error) {
	if len(b) != psnRecordSize {
		return PsnRecord{}, fmt.Errorf("control: psn record: want %d bytes, got %d", psnRecordSize, len(b))
	}
	return PsnRecord{PSN: binary.LittleEndian.Uint32(b)}, nil
}

// ParamsRecord carries the RDMA connection parameters the peer needs to
// address this endpoint's queue pair and move it to RTR.
type ParamsRecord struct {
	QPNum uint32
	LID   uint16
	GID   [16]byte
	PSN   uint32
}

const paramsRecordSize = 4 + 2 + 16 + 4

func (r ParamsRecord) Marshal() []byte {
	b := make([]byte, paramsRecordSize)
	binary.LittleEndian.PutUint32(b[0:4], r.QPNum)
	binary.LittleEndian.PutUint16(b[4:6], r.LID)
	copy(b[6:22], r.GID[:])
	binary.LittleEndian.PutUint32(b[22:26], r.PSN)
	return b
}

func UnmarshalParamsRecord(b []byte) (ParamsRecord, error) {
	if len(b) != paramsRecordSize {
		return ParamsRecord{}, fmt.Errorf("control: params record: want %d bytes, got %d", paramsRecordSize, len(b))
	}
	var r ParamsRecord
	r.QPNum = binary.LittleEndian.Uint32(b[0:4])
	r.LID = binary.LittleEndian.Uint16(b[4:6])
	copy(r.GID[:], b[6:22])
	r.PSN = binary.LittleEndian.Uint32(b[22:26])
	return r, nil
}

// Disconnect sentinels: distinguished data-record payloads that carry
// three-way disconnect handshake semantics instead of application data. A
// one-byte record type prefix would remove the name-space collision with
// application payloads, but this module keeps the sentinel-text approach as
// the simpler of the two, at the cost that an application must never emit
// these exact byte strings.
const (
	SentinelDisconnectReq = "$$DISCONNECT_REQ$$"
	SentinelDisconnectAck = "$$DISCONNECT_ACK$$"
	SentinelDisconnectFin = "$$DISCONNECT_FIN$$"
)

// IsSentinel reports whether data is one of the three disconnect sentinels.
func IsSentinel(data []byte) bool {
	s := string(data)
	return s == SentinelDisconnectReq || s == SentinelDisconnectAck || s == SentinelDisconnectFin
}
