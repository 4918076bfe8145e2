package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-kllama/internal/cpu"
	"github.com/23skdu/longbow-kllama/internal/logger"
	"github.com/23skdu/longbow-kllama/internal/metrics"
)

// greedyTemperature is the temperature at or below which sampling is argmax.
const greedyTemperature = 1e-6

type tokenProb struct {
	id   int
	prob float64
}

type Sampler struct {
	Config SamplerConfig
	rng    RandomSource
	log    *logger.Logger
}

// NewSampler builds a sampler drawing from rng. A nil rng is replaced by a
// math/rand source seeded from cfg.Seed, or from the clock when Seed is 0.
func NewSampler(cfg SamplerConfig, rng RandomSource) *Sampler {
	if rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}
	return &Sampler{Config: cfg, rng: rng, log: logger.Log.With("component", "sampler")}
}

// WithTemperature returns a sampler sharing this one's random source with a
// different temperature.
func (s *Sampler) WithTemperature(t float64) *Sampler {
	c := *s
	c.Config.Temperature = t
	return &c
}

// Sample picks the next token id. It never fails: empty logits and a
// degenerate distribution yield token 0.
func (s *Sampler) Sample(logits []float32) int {
	if len(logits) == 0 {
		s.fallback("empty_logits", 0)
		return 0
	}
	temp := s.Config.Temperature
	if temp <= greedyTemperature {
		return cpu.Argmax(logits)
	}

	probs, ok := softmaxWithTemperature(logits, temp)
	if !ok {
		s.fallback("degenerate_softmax", len(logits))
		return 0
	}

	candidates := make([]tokenProb, len(probs))
	for i, p := range probs {
		candidates[i] = tokenProb{id: i, prob: p}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)
	return s.sampleFromCandidates(candidates)
}

func (s *Sampler) fallback(reason string, vocab int) {
	metrics.RecordSamplerFallback(reason)
	s.log.Debug("Sampler fallback", "reason", reason, "vocab", vocab, "temperature", s.Config.Temperature)
}

// softmaxWithTemperature returns softmax(logits / temp) in float64. It
// reports false when the exponentials do not sum to a positive finite value.
func softmaxWithTemperature(logits []float32, temp float64) ([]float64, bool) {
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v) / temp
	}
	hi := math.Inf(-1)
	for _, v := range probs {
		if v > hi {
			hi = v
		}
	}
	if math.IsInf(hi, 0) || math.IsNaN(hi) {
		hi = 0
	}
	for i, v := range probs {
		probs[i] = math.Exp(v - hi)
	}
	sum := floats.Sum(probs)
	if !(sum > 0) || math.IsInf(sum, 0) {
		return nil, false
	}
	floats.Scale(1/sum, probs)
	return probs, true
}

// applyTopK keeps the k most likely candidates; k <= 0 keeps all.
func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the shortest prefix whose cumulative mass reaches p, and at
// least one candidate.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	var cum float64
	for i, c := range candidates {
		cum += c.prob
		if cum >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}

// sampleFromCandidates renormalizes the kept mass and draws by inverse CDF.
func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	var total float64
	for _, c := range candidates {
		total += c.prob
	}
	if !(total > 0) {
		return candidates[0].id
	}
	r := s.rng.Float64() * total
	var cum float64
	for _, c := range candidates {
		cum += c.prob
		if r < cum {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}
