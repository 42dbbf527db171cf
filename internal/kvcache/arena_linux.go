//go:build linux

package kvcache

import "golang.org/x/sys/unix"

// arena is the backing store for pool pages. On linux it is an anonymous
// private mapping so a large pool never lands on the Go heap; other
// platforms fall back to a heap slice.
type arena struct {
	data    []byte
	mmapped bool
}

func newArena(size int) (*arena, error) {
	data, err := unix.Mmap(
		-1,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err == nil {
		return &arena{data: data, mmapped: true}, nil
	}
	return &arena{data: make([]byte, size)}, nil
}

func (a *arena) close() error {
	if !a.mmapped {
		a.data = nil
		return nil
	}
	data := a.data
	a.data = nil
	a.mmapped = false
	return unix.Munmap(data)
}
