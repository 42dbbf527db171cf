// Package pipeline is the batch inference entry point: it validates
// prompts, drives the scheduler/engine step loop, and assembles results
// in submission order.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/sequence"
)

const (
	DefaultMaxNewTokens  = 128
	DefaultMaxBatchSize  = 8
	DefaultMaxPoolPages  = 64
	DefaultTokensPerPage = 16
)

// Config carries the generation and capacity settings of a pipeline.
// Zero values fall back to the package defaults; MaxNewTokens of zero is
// meaningful (prefill only) and is distinguished from unset by the
// pointer-free convention that New applies defaults once, up front.
type Config struct {
	MaxNewTokens  int
	StopStrings   []string
	MaxBatchSize  int
	MaxPoolPages  int
	TokensPerPage int

	Temperature float64
	TopK        int
	TopP        float64
	Seed        int64

	// Timeout bounds one batch call. Zero means no deadline. On expiry
	// live sequences finish with reason "timeout" and partial output is
	// returned without an error.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxPoolPages <= 0 {
		c.MaxPoolPages = DefaultMaxPoolPages
	}
	if c.TokensPerPage <= 0 {
		c.TokensPerPage = DefaultTokensPerPage
	}
	return c
}

// RunOptions overrides per-call generation settings. Nil fields keep the
// pipeline's configuration.
type RunOptions struct {
	MaxNewTokens *int
	StopStrings  []string
}

// Result is the outcome of one prompt, reported in the slot matching its
// position in the submitted batch.
type Result struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Tokens []int  `json:"tokens,omitempty"`
	Reason string `json:"finish_reason"`
	Err    error  `json:"-"`
}

type Pipeline struct {
	rt  *Runtime
	cfg Config
	log logger.Logger

	nextSeq atomic.Int64
}

// New validates the runtime against the configuration and returns a
// ready pipeline. The runtime stays owned by the caller; Close releases
// it.
func New(rt *Runtime, cfg Config, log logger.Logger) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Default()
	}
	if err := preflight(rt, cfg); err != nil {
		return nil, err
	}
	return &Pipeline{rt: rt, cfg: cfg, log: log}, nil
}

// Load resolves a model identifier through the backend registry and
// builds a pipeline over the resulting runtime.
func Load(model string, cfg Config, log logger.Logger) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	rt, err := OpenRuntime(model, cfg)
	if err != nil {
		return nil, err
	}
	p, err := New(rt, cfg, log)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) Close() error {
	return p.rt.Close()
}

// preflight rejects configurations the step loop cannot honor, before
// any request is accepted.
func preflight(rt *Runtime, cfg Config) error {
	switch {
	case rt == nil:
		return fmt.Errorf("nil runtime")
	case rt.Tokenizer == nil:
		return fmt.Errorf("runtime has no tokenizer")
	case rt.Engine == nil:
		return fmt.Errorf("runtime has no engine")
	case rt.Pool == nil:
		return fmt.Errorf("runtime has no page pool")
	case rt.ContextLen <= 0:
		return fmt.Errorf("context length %d must be positive", rt.ContextLen)
	case rt.ContextLen%rt.Pool.TokensPerPage() != 0:
		return fmt.Errorf("context length %d is not a multiple of the %d-token page",
			rt.ContextLen, rt.Pool.TokensPerPage())
	case cfg.MaxNewTokens < 0:
		return fmt.Errorf("max_new_tokens %d must not be negative", cfg.MaxNewTokens)
	case cfg.Timeout < 0:
		return fmt.Errorf("timeout %v must not be negative", cfg.Timeout)
	}
	return nil
}

// Run executes one batch to completion and returns one result per
// prompt, in prompt order. Invalid prompts occupy their slot with an
// error and do not fail the call; an engine fault fails the whole call.
func (p *Pipeline) Run(ctx context.Context, prompts []string) ([]Result, error) {
	return p.RunWith(ctx, prompts, nil)
}

// RunWith is Run with per-call overrides.
func (p *Pipeline) RunWith(ctx context.Context, prompts []string, opts *RunOptions) ([]Result, error) {
	job, err := p.SubmitWith(ctx, prompts, opts)
	if err != nil {
		return nil, err
	}
	return job.Wait()
}

// Submit starts a batch asynchronously. The returned job supports
// per-item cancellation while the step loop runs.
func (p *Pipeline) Submit(ctx context.Context, prompts []string) (*Job, error) {
	return p.SubmitWith(ctx, prompts, nil)
}

func (p *Pipeline) SubmitWith(ctx context.Context, prompts []string, opts *RunOptions) (*Job, error) {
	if len(prompts) == 0 {
		return nil, invalidRequestf("empty batch")
	}

	maxNew := p.cfg.MaxNewTokens
	stops := p.cfg.StopStrings
	if opts != nil {
		if opts.MaxNewTokens != nil {
			maxNew = *opts.MaxNewTokens
		}
		if opts.StopStrings != nil {
			stops = opts.StopStrings
		}
	}
	if maxNew < 0 {
		return nil, invalidRequestf("max_new_tokens %d must not be negative", maxNew)
	}

	job := newJob(p, len(prompts))
	for i, prompt := range prompts {
		if strings.TrimSpace(prompt) == "" {
			job.invalid[i] = invalidRequestf("prompt %d is empty", i)
			continue
		}
		toks, err := p.rt.Tokenizer.Encode(prompt)
		if err != nil {
			job.invalid[i] = invalidRequestf("prompt %d: %v", i, err)
			continue
		}
		if len(toks) > p.rt.ContextLen {
			job.invalid[i] = invalidRequestf("prompt %d holds %d tokens, context length is %d",
				i, len(toks), p.rt.ContextLen)
			continue
		}
		job.seqs[i] = sequence.New(p.nextSeq.Add(1), &sequence.Request{
			Index:        i,
			PromptTokens: toks,
			MaxNewTokens: maxNew,
			StopStrings:  stops,
		})
	}

	go job.loop(ctx)
	return job, nil
}

// safeStep shields the loop from a panicking engine implementation by
// converting the panic into a fault.
func safeStep(ctx context.Context, eng engine.Engine, batch *engine.Batch) (out map[int64]int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.Faultf("engine panic: %v", r)
		}
	}()
	return eng.Step(ctx, batch)
}
