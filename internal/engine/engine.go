// Package engine defines the execution boundary the scheduler drives. An
// Engine advances every sequence in a batch by exactly one token per call;
// everything it needs to remember between calls lives in the cache pages
// owned by the sequences, never inside the engine itself.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/loom/internal/sequence"
)

// ErrEngineFault marks a non-recoverable backend failure. It is fatal to
// the whole in-flight batch call.
var ErrEngineFault = errors.New("engine: fault")

type faultError struct {
	msg string
}

func (e faultError) Error() string {
	return e.msg
}

func (e faultError) Unwrap() error {
	return ErrEngineFault
}

// Faultf builds an error that unwraps to ErrEngineFault.
func Faultf(format string, args ...any) error {
	return faultError{msg: fmt.Sprintf(format, args...)}
}

// Batch is the step-scoped set of running sequences handed to one Step
// call. It is rebuilt by the scheduler every step and never persisted.
type Batch struct {
	Sequences []*sequence.Sequence
}

func (b *Batch) Size() int {
	return len(b.Sequences)
}

// Engine is the shared execution resource. Step consumes each sequence's
// unprocessed tokens, advances its cursor and returns one newly produced
// token per sequence id. An error from Step is either the context's or an
// ErrEngineFault; there is no partial success.
type Engine interface {
	Step(ctx context.Context, batch *Batch) (map[int64]int, error)
	Close() error
}
