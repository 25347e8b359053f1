package verbs

import "unsafe"

// NewAlignedBuffer allocates a byte slice of size bytes whose backing array
// starts on an OS page boundary, the way a real ibverbs memory registration
// expects a pinned buffer to be laid out. make([]byte, n) gives no such
// guarantee, so this over-allocates by one page and slices the aligned
// portion out of it.
func NewAlignedBuffer(size int) []byte {
	align := pageSize()
	raw := make([]byte, size+align)
	offset := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); rem != 0 {
		offset = align - rem
	}
	return raw[offset : offset+size : offset+size]
}
