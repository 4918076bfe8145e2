// Package weights holds dequantized FP32 model tensors as explicit named
// fields. A loader fills a ModelWeights once; afterwards it is read-only and
// may be shared by any number of runtimes.
package weights

import (
	"fmt"

	"github.com/23skdu/longbow-kllama/internal/config"
	"github.com/23skdu/longbow-kllama/internal/cpu"
)

// Matrix is a row-major Rows x Cols FP32 tensor.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Row returns a view of row i.
func (m Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

func (m Matrix) validate(name string) error {
	if m.Rows <= 0 || m.Cols <= 0 {
		return fmt.Errorf("%s: invalid shape %dx%d", name, m.Rows, m.Cols)
	}
	if len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("%s: has %d values, want %dx%d", name, len(m.Data), m.Rows, m.Cols)
	}
	return nil
}

// projects reports whether the matrix maps in values to out values in either
// [in, out] or [out, in] orientation.
func (m Matrix) projects(in, out int) bool {
	return cpu.LinearOutDim(in, m.Rows, m.Cols) == out
}

// LayerWeights are the tensors of one decoder block. Projections are stored
// [in, out]; the output projection of the model may use either orientation.
type LayerWeights struct {
	AttnNorm []float32
	Q        Matrix
	K        Matrix
	V        Matrix

	FFNNorm []float32
	Gate    Matrix
	Up      Matrix
	Down    Matrix
}

type ModelWeights struct {
	Config config.Config

	TokenEmbedding Matrix // [vocab, dim]
	Layers         []LayerWeights
	OutputNorm     []float32
	Output         Matrix // [dim, vocab] or [vocab, dim]

	// Optional rotary tables, [SeqLen, RopeDim/2] each.
	RoPECos []float32
	RoPESin []float32
}

// HasRoPETables reports whether precomputed rotary tables are present.
func (w *ModelWeights) HasRoPETables() bool {
	return len(w.RoPECos) > 0 && len(w.RoPESin) > 0
}

// Validate checks every tensor against the declared geometry.
func (w *ModelWeights) Validate() error {
	c := w.Config
	if err := c.Validate(); err != nil {
		return err
	}
	kvDim := c.KVDim()

	if err := w.TokenEmbedding.validate("token_embd"); err != nil {
		return err
	}
	if w.TokenEmbedding.Rows != c.VocabSize || w.TokenEmbedding.Cols != c.Dim {
		return fmt.Errorf("token_embd: shape %dx%d, want %dx%d", w.TokenEmbedding.Rows, w.TokenEmbedding.Cols, c.VocabSize, c.Dim)
	}
	if len(w.Layers) != c.Layers {
		return fmt.Errorf("model has %d layers, config declares %d", len(w.Layers), c.Layers)
	}

	for i, l := range w.Layers {
		checks := []struct {
			name    string
			m       Matrix
			in, out int
		}{
			{"attn_q", l.Q, c.Dim, c.Dim},
			{"attn_k", l.K, c.Dim, kvDim},
			{"attn_v", l.V, c.Dim, kvDim},
			{"ffn_gate", l.Gate, c.Dim, c.HiddenDim},
			{"ffn_up", l.Up, c.Dim, c.HiddenDim},
			{"ffn_down", l.Down, c.HiddenDim, c.Dim},
		}
		for _, chk := range checks {
			name := fmt.Sprintf("blk.%d.%s", i, chk.name)
			if err := chk.m.validate(name); err != nil {
				return err
			}
			if !chk.m.projects(chk.in, chk.out) {
				return fmt.Errorf("%s: shape %dx%d cannot map %d -> %d", name, chk.m.Rows, chk.m.Cols, chk.in, chk.out)
			}
		}
		if len(l.AttnNorm) != c.Dim {
			return fmt.Errorf("blk.%d.attn_norm: has %d values, want %d", i, len(l.AttnNorm), c.Dim)
		}
		if len(l.FFNNorm) != c.Dim {
			return fmt.Errorf("blk.%d.ffn_norm: has %d values, want %d", i, len(l.FFNNorm), c.Dim)
		}
	}

	if len(w.OutputNorm) != c.Dim {
		return fmt.Errorf("output_norm: has %d values, want %d", len(w.OutputNorm), c.Dim)
	}
	if err := w.Output.validate("output"); err != nil {
		return err
	}
	if !w.Output.projects(c.Dim, c.VocabSize) {
		return fmt.Errorf("output: shape %dx%d cannot map %d -> %d", w.Output.Rows, w.Output.Cols, c.Dim, c.VocabSize)
	}

	if len(w.RoPECos) > 0 || len(w.RoPESin) > 0 {
		want := c.SeqLen * c.RopeDim / 2
		if len(w.RoPECos) != want || len(w.RoPESin) != want {
			return fmt.Errorf("rope tables: cos=%d sin=%d values, want %d", len(w.RoPECos), len(w.RoPESin), want)
		}
	}
	return nil
}
