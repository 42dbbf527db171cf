package engine

import (
	"context"
	"encoding/binary"

	"github.com/samcharles93/loom/internal/kvcache"
	"github.com/samcharles93/loom/internal/logits"
	"github.com/samcharles93/loom/internal/sequence"
)

// Reference is the built-in deterministic engine behind the stub runtime.
// Its "model" is a rolling 64-bit mix of the token history; the per-token
// state is externalized into the sequence's cache pages exactly like a
// real backend would externalize KV entries, so scheduler and pool
// behavior is exercised for real. Logits are a pure function of the last
// state, which makes generation reproducible across preemption.
type Reference struct {
	pool    *kvcache.Pool
	sampler *logits.Sampler
	vocab   int

	scores []float32
}

// NewReference builds a reference engine over the given pool. The pool's
// per-token state size must hold one uint64.
func NewReference(pool *kvcache.Pool, vocab int, samplerCfg logits.Config) *Reference {
	return &Reference{
		pool:    pool,
		sampler: logits.New(samplerCfg),
		vocab:   vocab,
		scores:  make([]float32, vocab),
	}
}

func (e *Reference) Step(ctx context.Context, batch *Batch) (map[int64]int, error) {
	out := make(map[int64]int, len(batch.Sequences))
	tpp := e.pool.TokensPerPage()

	for _, seq := range batch.Sequences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var state uint64
		if seq.Processed > 0 {
			state = e.readState(seq, seq.Processed-1, tpp)
		}

		// Feed every unprocessed token: the whole prompt on the first
		// step after admission, a single token on decode steps.
		for pos := seq.Processed; pos < seq.Len(); pos++ {
			pageIdx := pos / tpp
			if pageIdx >= len(seq.Pages) {
				return nil, Faultf("engine: seq %d: token position %d has no page (own %d pages)",
					seq.ID, pos, len(seq.Pages))
			}
			state = mixState(state, seq.Tokens[pos])
			binary.LittleEndian.PutUint64(e.pool.TokenBytes(seq.Pages[pageIdx], pos%tpp), state)
		}
		seq.Processed = seq.Len()

		e.logitsFor(state)
		out[seq.ID] = e.sampler.Sample(e.scores, seq.ID, seq.Len())
	}
	return out, nil
}

func (e *Reference) Close() error {
	return nil
}

func (e *Reference) readState(seq *sequence.Sequence, pos, tpp int) uint64 {
	page := seq.Pages[pos/tpp]
	return binary.LittleEndian.Uint64(e.pool.TokenBytes(page, pos%tpp))
}

// logitsFor fills the score vector from the rolling state. Splitmix-style
// finalization keeps neighbouring states uncorrelated.
func (e *Reference) logitsFor(state uint64) {
	for i := range e.scores {
		h := state + uint64(i)*0x9e3779b97f4a7c15
		h = (h ^ (h >> 30)) * 0xbf58476d1ce4e5b9
		h = (h ^ (h >> 27)) * 0x94d049bb133111eb
		h ^= h >> 31
		e.scores[i] = float32(h>>40) / float32(1<<24)
	}
}

func mixState(state uint64, token int) uint64 {
	h := state ^ (uint64(token)+1)*0xff51afd7ed558ccd
	h = (h ^ (h >> 33)) * 0xc4ceb9fe1a85ec53
	return h ^ (h >> 29)
}
