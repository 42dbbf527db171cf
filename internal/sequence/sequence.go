package sequence

import (
	"sync/atomic"

	"github.com/samcharles93/loom/internal/kvcache"
)

// Status tracks where a sequence sits in its lifecycle.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusFinished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FinishReason records why a sequence reached a terminal state.
type FinishReason int

const (
	ReasonNone FinishReason = iota
	ReasonStopToken
	ReasonLength
	ReasonStopString
	ReasonCancelled
	ReasonTimeout
	ReasonOutOfMemory
	ReasonEngineFault
)

func (r FinishReason) String() string {
	switch r {
	case ReasonStopToken:
		return "stop"
	case ReasonLength:
		return "length"
	case ReasonStopString:
		return "stop_string"
	case ReasonCancelled:
		return "cancelled"
	case ReasonTimeout:
		return "timeout"
	case ReasonOutOfMemory:
		return "out_of_memory"
	case ReasonEngineFault:
		return "engine_fault"
	default:
		return ""
	}
}

// Request is the immutable input behind one sequence: the prompt, the
// generation limits, and the arrival index used to rebuild output order.
type Request struct {
	Index        int
	PromptTokens []int
	MaxNewTokens int
	StopStrings  []string
}

// Sequence is the evolving generation state for one request. Tokens holds
// prompt plus generated ids; Processed is the cursor of how many of them
// have been fed to the engine; Pages is the owned cache span in order.
// The scheduler is the sole mutator while the sequence is live.
type Sequence struct {
	ID     int64
	Req    *Request
	Status Status
	Reason FinishReason
	Err    error

	Tokens    []int
	NumPrompt int
	Processed int
	Pages     []kvcache.PageID

	// Text is the decoded generated text so far, truncated at a stop
	// string once one matches.
	Text string

	cancel atomic.Bool
}

// New copies the prompt into a fresh pending sequence.
func New(id int64, req *Request) *Sequence {
	tokens := make([]int, len(req.PromptTokens), len(req.PromptTokens)+req.MaxNewTokens)
	copy(tokens, req.PromptTokens)
	return &Sequence{
		ID:        id,
		Req:       req,
		Status:    StatusPending,
		Tokens:    tokens,
		NumPrompt: len(tokens),
	}
}

// Len reports prompt plus generated token count.
func (s *Sequence) Len() int {
	return len(s.Tokens)
}

// NumGenerated reports how many tokens have been produced so far.
func (s *Sequence) NumGenerated() int {
	return len(s.Tokens) - s.NumPrompt
}

// Generated returns the generated token ids.
func (s *Sequence) Generated() []int {
	return s.Tokens[s.NumPrompt:]
}

// Append records one newly generated token.
func (s *Sequence) Append(token int) {
	s.Tokens = append(s.Tokens, token)
}

// Terminal reports whether the sequence left the scheduler for good.
func (s *Sequence) Terminal() bool {
	return s.Status == StatusFinished || s.Status == StatusFailed
}

// Finish moves the sequence to Finished with the given reason. Finishing
// an already terminal sequence is a no-op.
func (s *Sequence) Finish(reason FinishReason) {
	if s.Terminal() {
		return
	}
	s.Status = StatusFinished
	s.Reason = reason
}

// Fail moves the sequence to Failed.
func (s *Sequence) Fail(reason FinishReason, err error) {
	if s.Terminal() {
		return
	}
	s.Status = StatusFailed
	s.Reason = reason
	s.Err = err
}

// RequestCancel flags the sequence for cancellation. The scheduler picks
// the flag up on its next pass; pages are released there, not here.
func (s *Sequence) RequestCancel() {
	s.cancel.Store(true)
}

// CancelRequested reports whether RequestCancel was called.
func (s *Sequence) CancelRequested() bool {
	return s.cancel.Load()
}

// Preempt rewinds the sequence to Pending. Token history is kept so the
// full prefix can be re-fed on re-admission; the caller releases pages.
func (s *Sequence) Preempt() {
	s.Status = StatusPending
	s.Processed = 0
	s.Pages = nil
}
