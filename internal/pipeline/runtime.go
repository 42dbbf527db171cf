package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/kvcache"
	"github.com/samcharles93/loom/internal/logits"
	"github.com/samcharles93/loom/internal/tokenizer"
)

// Runtime bundles the external capabilities a pipeline consumes: the
// tokenizer, the execution engine, the pool its pages live in, and the
// model limits the scheduler must respect.
type Runtime struct {
	Tokenizer  tokenizer.Tokenizer
	Engine     engine.Engine
	Pool       *kvcache.Pool
	ContextLen int
	EOS        int
}

// Close releases the engine, then the pool backing its cache state.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.Engine != nil {
		if err := r.Engine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.Pool != nil {
		if err := r.Pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoaderFunc resolves a model identifier to a usable runtime. The loader
// owns pool sizing because only the backend knows its per-token state
// size and page capacity.
type LoaderFunc func(model string, cfg Config) (*Runtime, error)

var loaders = map[string]LoaderFunc{}

// RegisterLoader makes a backend available under a scheme prefix, as in
// "stub:anything" or plain "stub".
func RegisterLoader(scheme string, fn LoaderFunc) {
	loaders[scheme] = fn
}

// OpenRuntime resolves a model identifier of the form "scheme:rest" (or a
// bare scheme) through the loader registry.
func OpenRuntime(model string, cfg Config) (*Runtime, error) {
	scheme := model
	if i := strings.IndexByte(model, ':'); i >= 0 {
		scheme = model[:i]
	}
	fn, ok := loaders[scheme]
	if !ok {
		known := make([]string, 0, len(loaders))
		for name := range loaders {
			known = append(known, name)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown model backend %q (have: %s)", scheme, strings.Join(known, ", "))
	}
	return fn(model, cfg)
}

func init() {
	RegisterLoader("stub", loadStub)
}

// loadStub builds the self-contained deterministic runtime: byte-level
// tokenizer and the reference engine. It needs no model files, which
// makes it the default for tests and smoke runs.
func loadStub(_ string, cfg Config) (*Runtime, error) {
	pool, err := kvcache.NewPool(kvcache.Config{
		Pages:         cfg.MaxPoolPages,
		TokensPerPage: cfg.TokensPerPage,
		BytesPerToken: 8,
	})
	if err != nil {
		return nil, err
	}
	eng := engine.NewReference(pool, tokenizer.ByteVocabSize, logits.Config{
		Seed:        cfg.Seed,
		Temperature: float32(cfg.Temperature),
		TopK:        cfg.TopK,
		TopP:        float32(cfg.TopP),
	})
	return &Runtime{
		Tokenizer:  tokenizer.ByteTokenizer{},
		Engine:     eng,
		Pool:       pool,
		ContextLen: cfg.MaxPoolPages * cfg.TokensPerPage,
		EOS:        tokenizer.ByteEOS,
	}, nil
}
