package shampoo

import (
	"math"

	"github.com/gallego-posada/optimizers/internal/tensor"
)

// matricize reshapes the row-major tensor x so that dimension dim becomes
// the rows of an n x (len(x)/n) matrix, with the remaining dimensions
// flattened into columns.
func matricize(x []float64, shape tensor.Shape, dim int) []float64 {
	n := shape[dim]
	cols := len(x) / n
	stride := 1
	for d := dim + 1; d < len(shape); d++ {
		stride *= shape[d]
	}

	out := make([]float64, len(x))
	for f, v := range x {
		row := (f / stride) % n
		col := (f/(stride*n))*stride + f%stride
		out[row*cols+col] = v
	}
	return out
}

// mulAlongDim contracts the n x n matrix m with x along dimension dim:
// out[..., a, ...] = sum_b m[a,b] * x[..., b, ...].
func mulAlongDim(x []float64, shape tensor.Shape, dim int, m []float64) []float64 {
	n := shape[dim]
	inner := 1
	for d := dim + 1; d < len(shape); d++ {
		inner *= shape[d]
	}
	outer := len(x) / (n * inner)

	out := make([]float64, len(x))
	for o := 0; o < outer; o++ {
		for a := 0; a < n; a++ {
			row := m[a*n:]
			dst := out[(o*n+a)*inner:]
			for b := 0; b < n; b++ {
				c := row[b]
				if c == 0 {
					continue
				}
				src := x[(o*n+b)*inner:]
				for i := 0; i < inner; i++ {
					dst[i] += c * src[i]
				}
			}
		}
	}
	return out
}

// scaleAlongDim multiplies x elementwise by s broadcast along dimension
// dim: x[..., a, ...] *= s[a].
func scaleAlongDim(x []float64, shape tensor.Shape, dim int, s []float64) {
	n := shape[dim]
	inner := 1
	for d := dim + 1; d < len(shape); d++ {
		inner *= shape[d]
	}
	outer := len(x) / (n * inner)

	for o := 0; o < outer; o++ {
		for a := 0; a < n; a++ {
			c := s[a]
			seg := x[(o*n+a)*inner : (o*n+a+1)*inner]
			for i := range seg {
				seg[i] *= c
			}
		}
	}
}

// toFloat64 widens a float32 slice.
func toFloat64(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

// maxAbs returns the elementwise infinity norm of x.
func maxAbs(x []float64) float64 {
	m := 0.0
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

// maxAbsDiff returns the elementwise infinity norm of a-b.
func maxAbsDiff(a, b []float64) float64 {
	m := 0.0
	for i, v := range a {
		d := v - b[i]
		if d < 0 {
			d = -d
		}
		if d > m {
			m = d
		}
	}
	return m
}

// maxAbs32 returns the elementwise infinity norm of a float32 slice.
func maxAbs32(x []float32) float64 {
	m := float32(0)
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return float64(m)
}

// l2Norm32 returns the Euclidean norm of a float32 slice in float64
// precision.
func l2Norm32(x []float32) float64 {
	s := 0.0
	for _, v := range x {
		s += float64(v) * float64(v)
	}
	return math.Sqrt(s)
}

// roundSlice reduces every entry of x to the precision of dt, returning a
// new slice. Identity copy for Float64.
func roundSlice(x []float64, dt tensor.DataType) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = dt.Round(v)
	}
	return out
}
