// Package psn generates RDMA packet sequence numbers from a cryptographic
// random source.
package psn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Max is the largest value a PSN may hold (24 bits).
const Max = 1<<24 - 1

// Generate returns a fresh value in [1, Max] suitable for use as an RDMA
// queue pair's initial send or receive PSN. It reads from a cryptographically
// strong source and never returns zero.
func Generate() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("psn: read random bytes: %w", err)
	}
	psn := binary.LittleEndian.Uint32(b[:]) & Max
	if psn == 0 {
		// Forcing the low bit is simpler and just as unpredictable as a
		// retry loop, and it avoids an unbounded number of rand.Read calls.
		psn = 1
	}
	return psn, nil
}

// Valid reports whether psn is a legal, non-zero 24-bit PSN.
func Valid(psn uint32) bool {
	return psn != 0 && psn <= Max
}
