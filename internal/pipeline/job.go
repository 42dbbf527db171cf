package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/loom/internal/scheduler"
	"github.com/samcharles93/loom/internal/sequence"
)

// Job is one in-flight batch. Items can be cancelled individually while
// the step loop runs; Wait blocks until every item is terminal.
type Job struct {
	ID string

	p       *Pipeline
	seqs    []*sequence.Sequence // index-aligned; nil where invalid
	invalid []error

	done    chan struct{}
	results []Result
	err     error
}

func newJob(p *Pipeline, n int) *Job {
	return &Job{
		ID:      uuid.NewString(),
		p:       p,
		seqs:    make([]*sequence.Sequence, n),
		invalid: make([]error, n),
		done:    make(chan struct{}),
	}
}

// Cancel requests cancellation of the prompt at the given index. The
// sequence finishes with reason "cancelled" on the next scheduling pass;
// tokens generated before the request are kept.
func (j *Job) Cancel(index int) error {
	if index < 0 || index >= len(j.seqs) {
		return fmt.Errorf("cancel index %d out of range [0,%d)", index, len(j.seqs))
	}
	if j.seqs[index] == nil {
		return fmt.Errorf("cancel index %d: %w", index, j.invalid[index])
	}
	j.seqs[index].RequestCancel()
	return nil
}

// Wait blocks until the batch is terminal and returns one result per
// prompt in submission order. A fatal engine fault returns a nil slice
// and the fault; context cancellation returns the partial results
// together with the context error.
func (j *Job) Wait() ([]Result, error) {
	<-j.done
	return j.results, j.err
}

func (j *Job) loop(ctx context.Context) {
	defer close(j.done)

	log := j.p.log.With("job", j.ID)
	sched := scheduler.New(j.p.rt.Pool, scheduler.Config{
		MaxBatchSize: j.p.cfg.MaxBatchSize,
		EOS:          j.p.rt.EOS,
		Detok:        j.p.rt.Tokenizer,
		Log:          log,
	})
	for _, seq := range j.seqs {
		if seq != nil {
			sched.Add(seq)
		}
	}

	var deadline time.Time
	if j.p.cfg.Timeout > 0 {
		deadline = time.Now().Add(j.p.cfg.Timeout)
	}

	start := time.Now()
	steps := 0
	fatal := false
	for {
		if ctx.Err() != nil {
			if err := sched.FinishAll(sequence.ReasonCancelled); err != nil {
				fatal, j.err = true, err
				break
			}
			j.err = ctx.Err()
			break
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			if err := sched.FinishAll(sequence.ReasonTimeout); err != nil {
				fatal, j.err = true, err
				break
			}
			log.Warn("batch deadline reached", "timeout", j.p.cfg.Timeout, "steps", steps)
			break
		}

		batch, err := sched.Schedule()
		if err != nil {
			fatal, j.err = true, err
			break
		}
		if batch == nil {
			break
		}
		if batch.Size() == 0 {
			// Every page is held elsewhere on a shared pool. Back off and
			// try again once some run releases.
			select {
			case <-ctx.Done():
			case <-time.After(time.Millisecond):
			}
			continue
		}

		tokens, err := safeStep(ctx, j.p.rt.Engine, batch)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			_ = sched.FinishAll(sequence.ReasonEngineFault)
			fatal, j.err = true, err
			break
		}
		if err := sched.Postprocess(batch, tokens); err != nil {
			_ = sched.FinishAll(sequence.ReasonEngineFault)
			fatal, j.err = true, err
			break
		}
		steps++
	}

	if fatal {
		log.Error("batch failed", "err", j.err, "steps", steps)
		return
	}
	j.results = j.collect()
	log.Info("batch finished",
		"prompts", len(j.seqs),
		"steps", steps,
		"preemptions", sched.Preemptions(),
		"elapsed", time.Since(start))
}

func (j *Job) collect() []Result {
	out := make([]Result, len(j.seqs))
	for i, seq := range j.seqs {
		if j.invalid[i] != nil {
			out[i] = Result{Index: i, Reason: "invalid_request", Err: j.invalid[i]}
			continue
		}
		out[i] = Result{
			Index:  i,
			Text:   seq.Text,
			Tokens: seq.Generated(),
			Reason: seq.Reason.String(),
			Err:    seq.Err,
		}
	}
	return out
}
