package kvcache

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutOfMemory reports that the pool cannot satisfy an acquisition
	// right now. It is recoverable: callers are expected to preempt and
	// retry, not to abort.
	ErrOutOfMemory = errors.New("kvcache: out of memory")

	// ErrPageNotLeased reports a release of a page that is not currently
	// leased, including a double release.
	ErrPageNotLeased = errors.New("kvcache: page not leased")
)

// PageID is a handle to one fixed-size page in a Pool.
type PageID int32

// Config sizes a Pool. TokensPerPage fixes how many token positions one
// page covers; BytesPerToken is the engine-visible state stored per
// position.
type Config struct {
	Pages         int
	TokensPerPage int
	BytesPerToken int
}

// Pool owns a fixed set of cache pages backed by a single arena. Pages are
// leased to at most one owner at a time and never move once written. All
// methods are safe for concurrent use; the mutex covers only free-list
// bookkeeping, never engine work against page contents.
type Pool struct {
	mu     sync.Mutex
	free   []PageID
	leased []bool

	pages         int
	tokensPerPage int
	bytesPerToken int
	pageBytes     int

	arena *arena
}

// NewPool allocates the arena and places every page on the free list in
// ascending handle order.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Pages <= 0 {
		return nil, fmt.Errorf("kvcache: pages must be positive, got %d", cfg.Pages)
	}
	if cfg.TokensPerPage <= 0 {
		return nil, fmt.Errorf("kvcache: tokens per page must be positive, got %d", cfg.TokensPerPage)
	}
	if cfg.BytesPerToken <= 0 {
		cfg.BytesPerToken = 8
	}

	pageBytes := cfg.TokensPerPage * cfg.BytesPerToken
	a, err := newArena(cfg.Pages * pageBytes)
	if err != nil {
		return nil, fmt.Errorf("kvcache: arena: %w", err)
	}

	p := &Pool{
		free:          make([]PageID, 0, cfg.Pages),
		leased:        make([]bool, cfg.Pages),
		pages:         cfg.Pages,
		tokensPerPage: cfg.TokensPerPage,
		bytesPerToken: cfg.BytesPerToken,
		pageBytes:     pageBytes,
		arena:         a,
	}
	for id := cfg.Pages - 1; id >= 0; id-- {
		p.free = append(p.free, PageID(id))
	}
	return p, nil
}

// Acquire leases n pages. It either returns exactly n handles or
// ErrOutOfMemory without leasing anything.
func (p *Pool) Acquire(n int) ([]PageID, error) {
	if n <= 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if n > len(p.free) {
		return nil, ErrOutOfMemory
	}
	out := make([]PageID, 0, n)
	for i := 0; i < n; i++ {
		id := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.leased[id] = true
		out = append(out, id)
	}
	return out, nil
}

// Release returns pages to the free list. Releasing a page that is not
// leased is an error; pages released before the error are kept released.
func (p *Pool) Release(ids []PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		if int(id) < 0 || int(id) >= p.pages {
			return fmt.Errorf("kvcache: release page %d: %w", id, ErrPageNotLeased)
		}
		if !p.leased[id] {
			return fmt.Errorf("kvcache: release page %d: %w", id, ErrPageNotLeased)
		}
		p.leased[id] = false
		p.free = append(p.free, id)
	}
	return nil
}

// Capacity reports total and free page counts.
func (p *Pool) Capacity() (total, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages, len(p.free)
}

// TokensPerPage reports how many token positions one page covers.
func (p *Pool) TokensPerPage() int {
	return p.tokensPerPage
}

// BytesPerToken reports the per-position state size.
func (p *Pool) BytesPerToken() int {
	return p.bytesPerToken
}

// PageBytes returns the arena slice backing one page. The slice aliases
// pool memory; callers must hold a lease on the page while touching it.
func (p *Pool) PageBytes(id PageID) []byte {
	off := int(id) * p.pageBytes
	return p.arena.data[off : off+p.pageBytes]
}

// TokenBytes returns the state slot for one token position within a page.
func (p *Pool) TokenBytes(id PageID, slot int) []byte {
	page := p.PageBytes(id)
	off := slot * p.bytesPerToken
	return page[off : off+p.bytesPerToken]
}

// PagesFor reports how many pages are needed to cover n token positions.
func (p *Pool) PagesFor(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + p.tokensPerPage - 1) / p.tokensPerPage
}

// Close releases the arena. The pool must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.arena == nil {
		return nil
	}
	err := p.arena.close()
	p.arena = nil
	return err
}
