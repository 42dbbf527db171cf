package kvcache

import (
	"errors"
	"math/rand"
	"testing"
)

func newTestPool(t *testing.T, pages, tokensPerPage int) *Pool {
	t.Helper()
	p, err := NewPool(Config{Pages: pages, TokensPerPage: tokensPerPage})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoolAcquireRelease(t *testing.T) {
	p := newTestPool(t, 4, 8)

	got, err := p.Acquire(3)
	if err != nil {
		t.Fatalf("Acquire(3): %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d handles, want 3", len(got))
	}
	if total, free := p.Capacity(); total != 4 || free != 1 {
		t.Fatalf("capacity = (%d, %d), want (4, 1)", total, free)
	}

	if _, err := p.Acquire(2); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Acquire(2) err = %v, want ErrOutOfMemory", err)
	}
	// A failed acquisition must not lease anything.
	if _, free := p.Capacity(); free != 1 {
		t.Fatalf("free = %d after failed acquire, want 1", free)
	}

	if err := p.Release(got); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, free := p.Capacity(); free != 4 {
		t.Fatalf("free = %d after release, want 4", free)
	}
}

func TestPoolDoubleReleaseIsError(t *testing.T) {
	p := newTestPool(t, 2, 8)

	got, err := p.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.Release(got); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := p.Release(got); !errors.Is(err, ErrPageNotLeased) {
		t.Fatalf("second Release err = %v, want ErrPageNotLeased", err)
	}
	if err := p.Release([]PageID{99}); !errors.Is(err, ErrPageNotLeased) {
		t.Fatalf("Release(99) err = %v, want ErrPageNotLeased", err)
	}
}

func TestPoolPagesFor(t *testing.T) {
	p := newTestPool(t, 4, 8)

	cases := []struct {
		tokens int
		want   int
	}{
		{0, 0},
		{1, 1},
		{8, 1},
		{9, 2},
		{10, 2},
		{16, 2},
		{17, 3},
	}
	for _, tc := range cases {
		if got := p.PagesFor(tc.tokens); got != tc.want {
			t.Errorf("PagesFor(%d) = %d, want %d", tc.tokens, got, tc.want)
		}
	}
}

func TestPoolPageBytesDisjoint(t *testing.T) {
	p := newTestPool(t, 2, 4)

	ids, err := p.Acquire(2)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	a := p.PageBytes(ids[0])
	b := p.PageBytes(ids[1])
	for i := range a {
		a[i] = 0xAA
	}
	for _, v := range b {
		if v == 0xAA {
			t.Fatal("writing one page touched another")
		}
	}
	slot := p.TokenBytes(ids[0], 1)
	if len(slot) != p.BytesPerToken() {
		t.Fatalf("slot len = %d, want %d", len(slot), p.BytesPerToken())
	}
}

// TestPoolInvariantRandomized drives random acquire/release traffic and
// checks that leased + free == total holds and no handle is ever leased
// twice.
func TestPoolInvariantRandomized(t *testing.T) {
	const total = 16
	p := newTestPool(t, total, 8)
	rng := rand.New(rand.NewSource(42))

	leased := make(map[PageID]bool)
	var held [][]PageID

	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			n := rng.Intn(4) + 1
			ids, err := p.Acquire(n)
			if errors.Is(err, ErrOutOfMemory) {
				if n <= total-len(leased) {
					t.Fatalf("step %d: spurious OOM acquiring %d with %d leased", i, n, len(leased))
				}
				continue
			}
			if err != nil {
				t.Fatalf("step %d: Acquire: %v", i, err)
			}
			for _, id := range ids {
				if leased[id] {
					t.Fatalf("step %d: page %d leased twice", i, id)
				}
				leased[id] = true
			}
			held = append(held, ids)
		} else if len(held) > 0 {
			j := rng.Intn(len(held))
			ids := held[j]
			held = append(held[:j], held[j+1:]...)
			if err := p.Release(ids); err != nil {
				t.Fatalf("step %d: Release: %v", i, err)
			}
			for _, id := range ids {
				delete(leased, id)
			}
		}

		gotTotal, free := p.Capacity()
		if gotTotal != total {
			t.Fatalf("step %d: total = %d, want %d", i, gotTotal, total)
		}
		if free+len(leased) != total {
			t.Fatalf("step %d: free %d + leased %d != total %d", i, free, len(leased), total)
		}
	}
}
