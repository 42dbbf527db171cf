// Package scheduler builds one execution batch per step, subject to two
// budgets: concurrent sequences per batch and cache pages in use. It owns
// admission, growth, preemption and post-step bookkeeping for every live
// sequence of a run.
package scheduler

import (
	"container/list"
	"errors"
	"fmt"

	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/kvcache"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/sequence"
)

// Decoder is the slice of the tokenizer the scheduler needs to evaluate
// stop strings on freshly generated tokens.
type Decoder interface {
	Decode(ids []int) (string, error)
}

type Config struct {
	MaxBatchSize int
	EOS          int
	Detok        Decoder
	Log          logger.Logger
}

type Scheduler struct {
	pool *kvcache.Pool
	cfg  Config

	// waiting holds Pending sequences ordered by arrival index; running
	// holds Running sequences in admission order.
	waiting *list.List
	running *list.List

	preemptions int
}

func New(pool *kvcache.Pool, cfg Config) *Scheduler {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	return &Scheduler{
		pool:    pool,
		cfg:     cfg,
		waiting: list.New(),
		running: list.New(),
	}
}

// Add places a sequence on the waiting queue. A prompt that could not fit
// even an empty pool fails immediately and never blocks other sequences.
func (s *Scheduler) Add(seq *sequence.Sequence) {
	total, _ := s.pool.Capacity()
	if s.pool.PagesFor(seq.Len()) > total {
		seq.Fail(sequence.ReasonOutOfMemory,
			fmt.Errorf("prompt of %d tokens needs %d pages, pool holds %d: %w",
				seq.Len(), s.pool.PagesFor(seq.Len()), total, kvcache.ErrOutOfMemory))
		return
	}
	s.insertWaiting(seq)
}

// Idle reports that no sequence is waiting or running.
func (s *Scheduler) Idle() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Preemptions reports how many times a running sequence was evicted.
func (s *Scheduler) Preemptions() int {
	return s.preemptions
}

// Schedule assembles the next batch: sweep cancellations, grow every
// running sequence's page span for its next token (preempting on pool
// pressure), then admit waiting sequences in arrival order while both
// budgets allow. The returned batch may be empty when the pool is
// contended; it is nil only when the scheduler is idle.
func (s *Scheduler) Schedule() (*engine.Batch, error) {
	if err := s.sweepCancelled(); err != nil {
		return nil, err
	}
	if err := s.growRunning(); err != nil {
		return nil, err
	}
	if err := s.admit(); err != nil {
		return nil, err
	}
	if s.Idle() {
		return nil, nil
	}

	batch := &engine.Batch{Sequences: make([]*sequence.Sequence, 0, s.running.Len())}
	for e := s.running.Front(); e != nil; e = e.Next() {
		batch.Sequences = append(batch.Sequences, e.Value.(*sequence.Sequence))
	}
	return batch, nil
}

// Postprocess applies one step's engine output: append the new token,
// evaluate stop conditions, retire finished sequences and release their
// pages.
func (s *Scheduler) Postprocess(batch *engine.Batch, tokens map[int64]int) error {
	for _, seq := range batch.Sequences {
		if seq.Terminal() {
			continue
		}
		tok, ok := tokens[seq.ID]
		if !ok {
			return engine.Faultf("engine returned no token for sequence %d", seq.ID)
		}

		// A cancel that lands mid-step wins over the token produced by
		// that step; the token is dropped.
		if seq.CancelRequested() {
			if err := s.retire(seq, sequence.ReasonCancelled); err != nil {
				return err
			}
			continue
		}
		if seq.NumGenerated() >= seq.Req.MaxNewTokens {
			if err := s.retire(seq, sequence.ReasonLength); err != nil {
				return err
			}
			continue
		}
		if tok == s.cfg.EOS {
			if err := s.retire(seq, sequence.ReasonStopToken); err != nil {
				return err
			}
			continue
		}

		seq.Append(tok)
		piece, _ := s.cfg.Detok.Decode([]int{tok})
		seq.Text += piece

		if seq.CheckStop() {
			if err := s.release(seq); err != nil {
				return err
			}
			s.removeRunning(seq)
			continue
		}
		if seq.NumGenerated() >= seq.Req.MaxNewTokens {
			if err := s.retire(seq, sequence.ReasonLength); err != nil {
				return err
			}
		}
	}
	return nil
}

// FinishAll force-finishes every live sequence with the given reason,
// releasing all pages. Partial output stays on the sequences.
func (s *Scheduler) FinishAll(reason sequence.FinishReason) error {
	for e := s.running.Front(); e != nil; {
		next := e.Next()
		seq := e.Value.(*sequence.Sequence)
		if err := s.release(seq); err != nil {
			return err
		}
		seq.Finish(reason)
		s.running.Remove(e)
		e = next
	}
	for e := s.waiting.Front(); e != nil; {
		next := e.Next()
		e.Value.(*sequence.Sequence).Finish(reason)
		s.waiting.Remove(e)
		e = next
	}
	return nil
}

func (s *Scheduler) sweepCancelled() error {
	for e := s.running.Front(); e != nil; {
		next := e.Next()
		seq := e.Value.(*sequence.Sequence)
		if seq.CancelRequested() {
			if err := s.release(seq); err != nil {
				return err
			}
			seq.Finish(sequence.ReasonCancelled)
			s.running.Remove(e)
		}
		e = next
	}
	for e := s.waiting.Front(); e != nil; {
		next := e.Next()
		seq := e.Value.(*sequence.Sequence)
		if seq.CancelRequested() {
			seq.Finish(sequence.ReasonCancelled)
			s.waiting.Remove(e)
		}
		e = next
	}
	return nil
}

// growRunning tops up each running sequence to the page span its next
// step needs. On pool pressure the running sequence with the most
// generated tokens is preempted first, so the cheapest recomputation is
// sacrificed last.
func (s *Scheduler) growRunning() error {
	seqs := make([]*sequence.Sequence, 0, s.running.Len())
	for e := s.running.Front(); e != nil; e = e.Next() {
		seqs = append(seqs, e.Value.(*sequence.Sequence))
	}

	for _, seq := range seqs {
		for seq.Status == sequence.StatusRunning {
			need := s.pool.PagesFor(seq.Len()) - len(seq.Pages)
			if need <= 0 {
				break
			}
			pages, err := s.pool.Acquire(need)
			if err == nil {
				seq.Pages = append(seq.Pages, pages...)
				break
			}
			if !errors.Is(err, kvcache.ErrOutOfMemory) {
				return err
			}
			victim := s.pickVictim()
			if victim == nil {
				victim = seq
			}
			if err := s.preempt(victim); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) admit() error {
	for s.running.Len() < s.cfg.MaxBatchSize && s.waiting.Len() > 0 {
		e := s.waiting.Front()
		seq := e.Value.(*sequence.Sequence)

		need := s.pool.PagesFor(seq.Len())
		total, _ := s.pool.Capacity()
		if need > total {
			// A preempted sequence can outgrow the whole pool.
			seq.Fail(sequence.ReasonOutOfMemory,
				fmt.Errorf("sequence of %d tokens needs %d pages, pool holds %d: %w",
					seq.Len(), need, total, kvcache.ErrOutOfMemory))
			s.waiting.Remove(e)
			continue
		}

		pages, err := s.pool.Acquire(need)
		if errors.Is(err, kvcache.ErrOutOfMemory) {
			return nil
		}
		if err != nil {
			return err
		}
		seq.Pages = pages
		seq.Status = sequence.StatusRunning
		s.waiting.Remove(e)
		s.running.PushBack(seq)
		s.cfg.Log.Debug("admitted sequence", "seq", seq.ID, "tokens", seq.Len(), "pages", need)
	}
	return nil
}

// pickVictim returns the running sequence with the most generated tokens,
// breaking ties toward the latest arrival. Returns nil when nothing runs.
func (s *Scheduler) pickVictim() *sequence.Sequence {
	var victim *sequence.Sequence
	for e := s.running.Front(); e != nil; e = e.Next() {
		seq := e.Value.(*sequence.Sequence)
		if victim == nil ||
			seq.NumGenerated() > victim.NumGenerated() ||
			(seq.NumGenerated() == victim.NumGenerated() && seq.Req.Index > victim.Req.Index) {
			victim = seq
		}
	}
	return victim
}

func (s *Scheduler) preempt(seq *sequence.Sequence) error {
	if err := s.release(seq); err != nil {
		return err
	}
	s.removeRunning(seq)
	seq.Preempt()
	s.insertWaiting(seq)
	s.preemptions++
	s.cfg.Log.Debug("preempted sequence", "seq", seq.ID, "generated", seq.NumGenerated())
	return nil
}

func (s *Scheduler) retire(seq *sequence.Sequence, reason sequence.FinishReason) error {
	if err := s.release(seq); err != nil {
		return err
	}
	seq.Finish(reason)
	s.removeRunning(seq)
	return nil
}

func (s *Scheduler) release(seq *sequence.Sequence) error {
	if len(seq.Pages) == 0 {
		return nil
	}
	if err := s.pool.Release(seq.Pages); err != nil {
		return fmt.Errorf("release pages of sequence %d: %w", seq.ID, err)
	}
	seq.Pages = nil
	return nil
}

func (s *Scheduler) removeRunning(seq *sequence.Sequence) {
	for e := s.running.Front(); e != nil; e = e.Next() {
		if e.Value.(*sequence.Sequence) == seq {
			s.running.Remove(e)
			return
		}
	}
}

// insertWaiting keeps the waiting queue ordered by arrival index so
// admission stays strictly FIFO even across preemptions.
func (s *Scheduler) insertWaiting(seq *sequence.Sequence) {
	for e := s.waiting.Front(); e != nil; e = e.Next() {
		if e.Value.(*sequence.Sequence).Req.Index > seq.Req.Index {
			s.waiting.InsertBefore(seq, e)
			return
		}
	}
	s.waiting.PushBack(seq)
}
