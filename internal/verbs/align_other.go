//go:build !linux

package verbs

import "os"

// pageSize reports the OS page size pinned buffers are aligned to. Only
// Linux gets the golang.org/x/sys/unix path; every other platform falls
// back to the stdlib's own notion of page size.
func pageSize() int {
	if sz := os.Getpagesize(); sz > 0 {
		return sz
	}
	return 4096
}
