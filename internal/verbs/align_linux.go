//go:build linux

package verbs

import "golang.org/x/sys/unix"

// pageSize reports the OS page size pinned buffers are aligned to.
func pageSize() int {
	if sz := unix.Getpagesize(); sz > 0 {
		return sz
	}
	return 4096
}
