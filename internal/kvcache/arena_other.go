//go:build !linux

package kvcache

type arena struct {
	data []byte
}

func newArena(size int) (*arena, error) {
	return &arena{data: make([]byte, size)}, nil
}

func (a *arena) close() error {
	a.data = nil
	return nil
}
