package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Softmax normalizes x in place. Scores of +Inf share the whole mass evenly.
// Any other non-finite maximum is treated as 0 so it cannot turn every weight
// into NaN. If the exponentials do not sum to a positive finite value the
// weights are left as zeros.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	hi := x[0]
	for _, v := range x[1:] {
		if v > hi {
			hi = v
		}
	}
	if math.IsInf(float64(hi), 1) {
		softmaxInf(x)
		return
	}
	if math.IsNaN(float64(hi)) || math.IsInf(float64(hi), 0) {
		hi = 0
	}

	var sum float64
	for i := range x {
		e := math.Exp(float64(x[i] - hi))
		x[i] = float32(e)
		sum += e
	}
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		for i := range x {
			x[i] = 0
		}
		return
	}
	inv := 1.0 / sum
	for i := range x {
		x[i] = float32(float64(x[i]) * inv)
	}
}

// RMSNorm writes x / sqrt(mean(x^2) + eps) * weight into out. out may alias x.
func RMSNorm(out, x, weight []float32, eps float32) {
	if len(x) != len(weight) || len(out) != len(x) {
		panic(fmt.Sprintf("rmsnorm: shape mismatch x=%d weight=%d out=%d", len(x), len(weight), len(out)))
	}
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	scale := float32(1.0 / math.Sqrt(ss/float64(len(x))+float64(eps)))
	for i, v := range x {
		out[i] = v * scale * weight[i]
	}
}

func SiLU(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// SwiGLU writes SiLU(gate) * up into out.
func SwiGLU(out, gate, up []float32) {
	if len(gate) != len(up) || len(out) != len(gate) {
		panic(fmt.Sprintf("swiglu: shape mismatch gate=%d up=%d out=%d", len(gate), len(up), len(out)))
	}
	for i := range gate {
		out[i] = SiLU(gate[i]) * up[i]
	}
}

// Add accumulates src into dst.
func Add(dst, src []float32) {
	if len(dst) != len(src) {
		panic(fmt.Sprintf("add: shape mismatch %d != %d", len(dst), len(src)))
	}
	blas32.Axpy(1, vec(src), vec(dst))
}

// AddScaled accumulates alpha*src into dst.
func AddScaled(dst, src []float32, alpha float32) {
	if len(dst) != len(src) {
		panic(fmt.Sprintf("add: shape mismatch %d != %d", len(dst), len(src)))
	}
	blas32.Axpy(alpha, vec(src), vec(dst))
}

func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("dot: shape mismatch %d != %d", len(a), len(b)))
	}
	return blas32.Dot(vec(a), vec(b))
}

// Argmax returns the index of the largest value; the first one wins ties.
// It returns -1 for an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// CountNonFinite counts NaN and infinite values in x.
func CountNonFinite(x []float32) (nan, inf int) {
	for _, v := range x {
		switch {
		case math.IsNaN(float64(v)):
			nan++
		case math.IsInf(float64(v), 0):
			inf++
		}
	}
	return nan, inf
}

// Linear multiplies x by a row-major rows x cols weight. The orientation is
// picked from the shape: rows == len(x) means [in, out], otherwise
// cols == len(x) means [out, in]. Square weights are treated as [in, out].
func Linear(out, x, w []float32, rows, cols int) {
	if len(w) != rows*cols {
		panic(fmt.Sprintf("linear: weight has %d values, want %dx%d", len(w), rows, cols))
	}
	a := blas32.General{Rows: rows, Cols: cols, Data: w, Stride: cols}
	switch {
	case rows == len(x):
		if len(out) != cols {
			panic(fmt.Sprintf("linear: out has %d values, want %d", len(out), cols))
		}
		blas32.Gemv(blas.Trans, 1, a, vec(x), 0, vec(out))
	case cols == len(x):
		if len(out) != rows {
			panic(fmt.Sprintf("linear: out has %d values, want %d", len(out), rows))
		}
		blas32.Gemv(blas.NoTrans, 1, a, vec(x), 0, vec(out))
	default:
		panic(fmt.Sprintf("linear: weight %dx%d does not match input of %d", rows, cols, len(x)))
	}
}

func softmaxInf(x []float32) {
	var n int
	for _, v := range x {
		if math.IsInf(float64(v), 1) {
			n++
		}
	}
	share := float32(1) / float32(n)
	for i, v := range x {
		if math.IsInf(float64(v), 1) {
			x[i] = share
		} else {
			x[i] = 0
		}
	}
}

// LinearOutDim is the output width Linear produces for an input of n values.
func LinearOutDim(n, rows, cols int) int {
	switch {
	case rows == n:
		return cols
	case cols == n:
		return rows
	}
	return -1
}

func vec(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Data: x, Inc: 1}
}
