package engine

type SamplerConfig struct {
	Temperature   float64
	TopK          int     // <= 0 keeps the whole vocabulary
	TopP          float64 // cumulative probability mass kept by the nucleus
	RepeatPenalty float64 // accepted and carried, never applied
	MaxNewTokens  int
	Seed          int64
}

func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Temperature:   0.7,
		TopK:          40,
		TopP:          0.9,
		RepeatPenalty: 1.1,
		MaxNewTokens:  512,
	}
}

// RandomSource yields uniform floats in [0, 1). *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

// BOS is the token that seeds generation when the prompt is empty.
const BOS = 1
