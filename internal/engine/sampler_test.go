package engine

import (
	"bytes"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/23skdu/longbow-kllama/internal/logger"
)

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

func TestSampler_Greedy(t *testing.T) {
	logits := []float32{1.0, 5.0, 2.0, 0.5}
	for seed := int64(1); seed <= 5; seed++ {
		s := NewSampler(SamplerConfig{Temperature: 0, Seed: seed}, nil)
		if val := s.Sample(logits); val != 1 {
			t.Errorf("seed %d: greedy expected 1 (logit 5.0), got %d", seed, val)
		}
	}

	s := NewSampler(SamplerConfig{Temperature: 1e-7}, fixedRand(0.9))
	if val := s.Sample([]float32{3, 1, 3}); val != 0 {
		t.Errorf("greedy ties must pick the first max, got %d", val)
	}
}

func TestSampler_TopK(t *testing.T) {
	// K=1 should be identical to Greedy
	logits := []float32{2.0, 10.0, 5.0, 1.0}
	for _, r := range []float64{0, 0.5, 0.999} {
		s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 1, TopP: 1}, fixedRand(r))
		if val := s.Sample(logits); val != 1 {
			t.Errorf("TopK=1 with r=%v: expected 1, got %d", r, val)
		}
	}
}

func TestSampler_TopK_Filtering(t *testing.T) {
	// Top 2 are ID 1 and ID 3; ID 0 and ID 2 must never appear.
	s := NewSampler(SamplerConfig{Temperature: 5.0, TopK: 2, TopP: 1}, rand.New(rand.NewSource(3)))
	logits := []float32{2.0, 10.0, 1.0, 9.0}

	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		val := s.Sample(logits)
		if val != 1 && val != 3 {
			t.Fatalf("TopK=2 returned excluded token %d", val)
		}
		seen[val] = true
	}
	if !seen[1] || !seen[3] {
		t.Errorf("expected both candidates to be drawn, saw %v", seen)
	}
}

func TestSampler_TopP(t *testing.T) {
	// probs ~0.993, 0.0067, ... so P=0.9 keeps index 0 alone
	s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 0, TopP: 0.9}, fixedRand(0.999))
	if val := s.Sample([]float32{10.0, 5.0, 2.0, 1.0}); val != 0 {
		t.Errorf("TopP=0.9 expected 0, got %d", val)
	}

	// TopP=0 still keeps one candidate
	s = NewSampler(SamplerConfig{Temperature: 1.0, TopP: 0}, fixedRand(0.999))
	if val := s.Sample([]float32{1, 2, 3}); val != 2 {
		t.Errorf("TopP=0 expected most likely token 2, got %d", val)
	}
}

func TestSampler_InverseCDF(t *testing.T) {
	logits := []float32{0, 0, 0, 0}
	tests := []struct {
		r    float64
		want int
	}{
		{0.0, 0},
		{0.24, 0},
		{0.26, 1},
		{0.6, 2},
		{0.99, 3},
	}
	for _, tt := range tests {
		s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 0, TopP: 1.0}, fixedRand(tt.r))
		if got := s.Sample(logits); got != tt.want {
			t.Errorf("r=%v: got %d, want %d", tt.r, got, tt.want)
		}
	}
}

func TestSampler_Renormalizes(t *testing.T) {
	// ln(3), ln(1), ln(0.5): kept top-2 mass is 4/4.5 -> after renormalizing
	// token 0 covers [0, 0.75)
	logits := []float32{float32(math.Log(3)), 0, float32(math.Log(0.5))}
	s := NewSampler(SamplerConfig{Temperature: 1, TopK: 2, TopP: 1}, fixedRand(0.74))
	if got := s.Sample(logits); got != 0 {
		t.Errorf("r=0.74: got %d, want 0", got)
	}
	s = NewSampler(SamplerConfig{Temperature: 1, TopK: 2, TopP: 1}, fixedRand(0.76))
	if got := s.Sample(logits); got != 1 {
		t.Errorf("r=0.76: got %d, want 1", got)
	}
}

func TestSampler_Fallbacks(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0.8, TopK: 10, TopP: 0.9}, fixedRand(0.5))

	if got := s.Sample(nil); got != 0 {
		t.Errorf("empty logits: got %d, want 0", got)
	}
	nan := float32(math.NaN())
	if got := s.Sample([]float32{1, nan, 2}); got != 0 {
		t.Errorf("NaN logits: got %d, want 0", got)
	}
	negInf := float32(math.Inf(-1))
	if got := s.Sample([]float32{negInf, negInf}); got != 0 {
		t.Errorf("zero-sum softmax: got %d, want 0", got)
	}
}

func TestSampler_FallbacksLogAtDebug(t *testing.T) {
	var buf bytes.Buffer
	s := NewSampler(SamplerConfig{Temperature: 0.8}, fixedRand(0.5))
	s.log = logger.New(&buf, "debug", "json")

	s.Sample(nil)
	negInf := float32(math.Inf(-1))
	s.Sample([]float32{negInf, negInf})
	s.Sample([]float32{1, 2})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 fallback lines, got %d: %q", len(lines), buf.String())
	}
	for i, reason := range []string{"empty_logits", "degenerate_softmax"} {
		if !strings.Contains(lines[i], `"level":"debug"`) || !strings.Contains(lines[i], `"reason":"`+reason+`"`) {
			t.Errorf("line %d = %s, want debug line with reason %s", i, lines[i], reason)
		}
	}

	buf.Reset()
	s.log = logger.New(&buf, "info", "json")
	s.Sample(nil)
	if buf.Len() != 0 {
		t.Errorf("fallback logged above debug: %s", buf.String())
	}
}

func TestSampler_NucleusNeverEmpty(t *testing.T) {
	logits := []float32{0.2, 3.0, 1.0}
	for _, topP := range []float64{0, 1e-9} {
		s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 0, TopP: topP}, fixedRand(0.99))
		if got := s.Sample(logits); got != 1 {
			t.Errorf("topP=%v: got %d, want top token 1", topP, got)
		}
	}
}

func TestSampler_RepeatPenaltyIsInert(t *testing.T) {
	logits := []float32{0.1, 2.0, 1.5, -0.3, 0.9}
	a := NewSampler(SamplerConfig{Temperature: 0.9, TopK: 3, TopP: 0.95, RepeatPenalty: 1.0}, rand.New(rand.NewSource(11)))
	b := NewSampler(SamplerConfig{Temperature: 0.9, TopK: 3, TopP: 0.95, RepeatPenalty: 2.0}, rand.New(rand.NewSource(11)))
	for i := 0; i < 50; i++ {
		if x, y := a.Sample(logits), b.Sample(logits); x != y {
			t.Fatalf("draw %d differs: %d vs %d", i, x, y)
		}
	}
}

func TestSampler_WithTemperature(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 0, TopP: 1}, fixedRand(0.99))
	g := s.WithTemperature(0)
	if g.Config.Temperature != 0 || s.Config.Temperature != 1.0 {
		t.Fatal("WithTemperature must not modify the receiver")
	}
	if got := g.Sample([]float32{5, 1, 1, 1}); got != 0 {
		t.Errorf("greedy copy: got %d, want 0", got)
	}
	if got := s.Sample([]float32{0, 0, 0, 0}); got != 3 {
		t.Errorf("receiver: got %d, want 3", got)
	}
}
