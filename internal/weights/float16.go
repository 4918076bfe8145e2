package weights

import (
	"fmt"

	"github.com/x448/float16"
)

// VectorFromFloat16 widens IEEE 754 half-precision bit patterns to FP32.
func VectorFromFloat16(bits []uint16) []float32 {
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}

// MatrixFromFloat16 materializes an F16 tensor as a rows x cols FP32 matrix.
func MatrixFromFloat16(rows, cols int, bits []uint16) (Matrix, error) {
	if len(bits) != rows*cols {
		return Matrix{}, fmt.Errorf("f16 tensor has %d values, want %dx%d", len(bits), rows, cols)
	}
	return Matrix{Rows: rows, Cols: cols, Data: VectorFromFloat16(bits)}, nil
}

// VectorToFloat16 narrows FP32 values to half-precision bit patterns.
func VectorToFloat16(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, x := range v {
		out[i] = float16.Fromfloat32(x).Bits()
	}
	return out
}

func roundMatrix(m Matrix) (Matrix, error) {
	return MatrixFromFloat16(m.Rows, m.Cols, VectorToFloat16(m.Data))
}

// RoundToFloat16 replaces every tensor with its value after a trip through
// F16 storage, giving the precision of a half-precision checkpoint.
func (w *ModelWeights) RoundToFloat16() error {
	var err error
	round := func(m *Matrix) {
		if err == nil {
			*m, err = roundMatrix(*m)
		}
	}
	round(&w.TokenEmbedding)
	round(&w.Output)
	for i := range w.Layers {
		l := &w.Layers[i]
		for _, m := range []*Matrix{&l.Q, &l.K, &l.V, &l.Gate, &l.Up, &l.Down} {
			round(m)
		}
		l.AttnNorm = VectorFromFloat16(VectorToFloat16(l.AttnNorm))
		l.FFNNorm = VectorFromFloat16(VectorToFloat16(l.FFNNorm))
	}
	w.OutputNorm = VectorFromFloat16(VectorToFloat16(w.OutputNorm))
	if err != nil {
		return fmt.Errorf("round to f16: %w", err)
	}
	return nil
}
