package shampoo

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/gallego-posada/optimizers/internal/tensor"
)

// eighFunc computes the eigendecomposition of a symmetric n x n row-major
// matrix, returning eigenvalues and row-major eigenvectors (columns are the
// eigenvectors). Replaceable by tests to exercise the fallback ladder.
type eighFunc func(n int, a []float64) (vals, vecs []float64, err error)

// inversionSupervisor wraps matrix-root inversion with a precision fallback
// ladder:
//
//  1. attempt the eigendecomposition in the configured working precision;
//  2. on numerical failure, retry in float64;
//  3. if that also fails, keep the previously cached factor and log a
//     warning. This rung is never fatal.
type inversionSupervisor struct {
	dtype    tensor.DataType
	disabled bool // skip the float64 retry; a first-rung failure falls straight to reusing the cached factor
	eigh     eighFunc
}

func newInversionSupervisor(dtype tensor.DataType, disabled bool) *inversionSupervisor {
	return &inversionSupervisor{dtype: dtype, disabled: disabled, eigh: gonumEigh}
}

// rootInverse computes a^(-multiplier/root) for the symmetric accumulator a
// (n x n, row-major), running the fallback ladder. prev is the currently
// cached factor; when every rung fails it is returned unchanged and ok is
// false. label identifies the matrix in diagnostics.
func (s *inversionSupervisor) rootInverse(a []float64, n, root int, epsilon, multiplier float64, prev []float64, label string) (inv []float64, ok bool) {
	inv, err := matrixRootInverse(roundSlice(a, s.dtype), n, root, epsilon, multiplier, s.eigh)
	if err == nil {
		return inv, true
	}
	if s.disabled {
		klog.Warningf("root inverse of %s failed in %s precision: %v", label, s.dtype, err)
		return prev, false
	}

	inv, retryErr := matrixRootInverse(a, n, root, epsilon, multiplier, s.eigh)
	if retryErr == nil {
		klog.Warningf("root inverse of %s failed in %s precision (%v); recovered in float64", label, s.dtype, err)
		return inv, true
	}

	klog.Warningf("root inverse of %s failed in %s precision (%v) and in float64 (%v); reusing previous factor",
		label, s.dtype, err, retryErr)
	return prev, false
}

// matrixRootInverse computes a^(-multiplier/root) via eigendecomposition:
// negative eigenvalues are clamped to zero and epsilon is added before the
// power. A non-convergent decomposition or a non-finite result is an error.
func matrixRootInverse(a []float64, n, root int, epsilon, multiplier float64, eigh eighFunc) ([]float64, error) {
	vals, vecs, err := eigh(n, a)
	if err != nil {
		return nil, err
	}

	p := multiplier / float64(root)
	invVals := make([]float64, n)
	for i, l := range vals {
		if !isFinite(l) {
			return nil, errors.Errorf("non-finite eigenvalue %g", l)
		}
		if l < 0 {
			l = 0
		}
		invVals[i] = math.Pow(l+epsilon, -p)
	}

	// inv = V * diag(invVals) * V^T
	inv := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s := 0.0
			for k := 0; k < n; k++ {
				s += vecs[i*n+k] * invVals[k] * vecs[j*n+k]
			}
			inv[i*n+j] = s
			inv[j*n+i] = s
		}
	}
	for _, v := range inv {
		if !isFinite(v) {
			return nil, errors.Errorf("non-finite root inverse entry %g", v)
		}
	}
	return inv, nil
}

// gonumEigh is the production eigendecomposition.
func gonumEigh(n int, a []float64) ([]float64, []float64, error) {
	for _, v := range a {
		if !isFinite(v) {
			return nil, nil, errors.Errorf("non-finite accumulator entry %g", v)
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(mat.NewSymDense(n, a), true); !ok {
		return nil, nil, errors.New("symmetric eigendecomposition did not converge")
	}
	vals := eig.Values(nil)

	var v mat.Dense
	eig.VectorsTo(&v)
	return vals, v.RawMatrix().Data, nil
}

// rootInverseResiduals reports, for one factor matrix, the relative error of
// inv against a float64 recomputation and the relative residual of the
// reconstructed accumulator, both under the elementwise infinity norm.
// Observability only; failures yield NaN entries rather than errors.
func (s *inversionSupervisor) rootInverseResiduals(a []float64, n, root int, epsilon, multiplier float64, inv []float64) (relErr, relResidual float64) {
	relErr = math.NaN()
	relResidual = math.NaN()

	exact, err := matrixRootInverse(a, n, root, epsilon, multiplier, s.eigh)
	if err == nil {
		if norm := maxAbs(exact); norm > 0 {
			relErr = maxAbsDiff(exact, inv) / norm
		}
	}

	reconstructed, err := matrixPowerNeg(inv, n, root)
	if err == nil {
		if norm := maxAbs(a); norm > 0 {
			relResidual = maxAbsDiff(reconstructed, a) / norm
		}
	}
	return relErr, relResidual
}

// matrixPowerNeg computes m^(-root) for a square row-major matrix.
func matrixPowerNeg(m []float64, n, root int) ([]float64, error) {
	var minv mat.Dense
	if err := minv.Inverse(mat.NewDense(n, n, append([]float64(nil), m...))); err != nil {
		return nil, errors.Wrap(err, "factor matrix is singular")
	}

	out := mat.DenseCopyOf(&minv)
	for i := 1; i < root; i++ {
		var next mat.Dense
		next.Mul(out, &minv)
		out = &next
	}
	return out.RawMatrix().Data, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
