package weights

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-kllama/internal/config"
)

// NewRandom builds a model with normally distributed weights for the given
// geometry. Norm weights are ones. The same seed always yields the same model.
func NewRandom(cfg config.Config, seed int64) (*ModelWeights, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	kvDim := cfg.KVDim()

	w := &ModelWeights{
		Config:         cfg,
		TokenEmbedding: randomMatrix(rng, cfg.VocabSize, cfg.Dim),
		OutputNorm:     ones(cfg.Dim),
		Output:         randomMatrix(rng, cfg.Dim, cfg.VocabSize),
	}
	for i := 0; i < cfg.Layers; i++ {
		w.Layers = append(w.Layers, LayerWeights{
			AttnNorm: ones(cfg.Dim),
			Q:        randomMatrix(rng, cfg.Dim, cfg.Dim),
			K:        randomMatrix(rng, cfg.Dim, kvDim),
			V:        randomMatrix(rng, cfg.Dim, kvDim),
			FFNNorm:  ones(cfg.Dim),
			Gate:     randomMatrix(rng, cfg.Dim, cfg.HiddenDim),
			Up:       randomMatrix(rng, cfg.Dim, cfg.HiddenDim),
			Down:     randomMatrix(rng, cfg.HiddenDim, cfg.Dim),
		})
	}
	return w, nil
}

func randomMatrix(rng *rand.Rand, rows, cols int) Matrix {
	m := NewMatrix(rows, cols)
	std := 1 / math.Sqrt(float64(rows))
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64() * std)
	}
	return m
}

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
