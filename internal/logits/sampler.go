package logits

import (
	"math"
	"math/rand"
)

// Config controls token selection. Temperature <= 0 selects greedy argmax.
type Config struct {
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
}

// Sampler draws the next token from a logits vector. It keeps no state
// across calls: the random stream for a draw is derived from the seed,
// the sequence id and the position, so a preempted sequence replayed from
// its stored prefix samples the exact same tokens.
type Sampler struct {
	cfg    Config
	greedy bool

	topIdx []int
	topVal []float32
	prob   []float64
}

// New returns a sampler with the provided configuration.
func New(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{cfg: cfg, greedy: greedy}
}

// Sample picks one index from logits for the token at the given position
// of the given sequence.
func (s *Sampler) Sample(logits []float32, seqID int64, position int) int {
	if s.greedy {
		return argmax(logits)
	}

	invTemp := float32(1.0) / s.cfg.Temperature
	k := min(s.cfg.TopK, len(logits))

	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i, v := range topVal {
		e := math.Exp(float64(v - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	rng := rand.New(rand.NewSource(drawSeed(s.cfg.Seed, seqID, position)))
	r := rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// drawSeed mixes the configured seed with the draw coordinates. The mix
// only has to be stable and well spread, not cryptographic.
func drawSeed(seed, seqID int64, position int) int64 {
	h := uint64(seed) ^ 0x9e3779b97f4a7c15
	h = (h ^ uint64(seqID)) * 0xff51afd7ed558ccd
	h = (h ^ uint64(position)) * 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return int64(h)
}

// argmax returns the index of the maximum value, lowest index winning
// ties. It panics on an empty slice.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("logits: argmax of empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns indices and values of the k largest logits scaled by
// invTemp, ordered descending. O(V*K) insertion, fine for small k.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
