package calibration

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"aqi-calibration/internal/apperr"
)

// LinearFit is the least-squares solution of y = Slope*x + Intercept
type LinearFit struct {
	Slope     float64 `json:"a"`
	Intercept float64 `json:"b"`
	RMSE      float64 `json:"rmse"`
	N         int     `json:"n_samples"`
}

// Apply maps a raw value onto the reference scale
func (f LinearFit) Apply(x float64) float64 {
	return f.Slope*x + f.Intercept
}

// Fit solves y = a*x + b by ordinary least squares.
//
// Pairs where either value is NaN are dropped by index. Fewer than two
// remaining pairs fail with ErrInsufficientData. When every x is identical
// the design matrix is rank deficient and Fit fails with ErrDegenerateFit
// instead of returning an arbitrary line.
func Fit(xs, ys []float64) (LinearFit, error) {
	if len(xs) != len(ys) {
		return LinearFit{}, apperr.New(apperr.KindInsufficientData, "",
			"xs and ys differ in length (%d vs %d)", len(xs), len(ys))
	}

	x := make([]float64, 0, len(xs))
	y := make([]float64, 0, len(ys))
	for i := range xs {
		if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) {
			continue
		}
		x = append(x, xs[i])
		y = append(y, ys[i])
	}

	n := len(x)
	if n < 2 {
		return LinearFit{}, apperr.New(apperr.KindInsufficientData, "",
			"%d valid pairs after NaN removal, need at least 2", n)
	}
	if constant(x) {
		return LinearFit{}, apperr.New(apperr.KindDegenerateFit, "",
			"all %d x values equal %g", n, x[0])
	}

	// Design matrix [x, 1]
	A := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		A.Set(i, 0, x[i])
		A.Set(i, 1, 1)
	}
	b := mat.NewVecDense(n, y)

	var qr mat.QR
	qr.Factorize(A)

	var coeffs mat.VecDense
	if err := qr.SolveVecTo(&coeffs, false, b); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return LinearFit{}, apperr.Wrap(apperr.KindDegenerateFit, err,
				"design matrix is ill-conditioned for %d pairs", n)
		}
		return LinearFit{}, err
	}

	fit := LinearFit{
		Slope:     coeffs.AtVec(0),
		Intercept: coeffs.AtVec(1),
		N:         n,
	}

	predicted := make([]float64, n)
	for i := range x {
		predicted[i] = fit.Apply(x[i])
	}
	fit.RMSE = RMSE(y, predicted)

	return fit, nil
}

// RMSE returns the root-mean-square difference between two equal-length slices.
// It returns NaN when the slices are empty or differ in length.
func RMSE(yTrue, yPred []float64) float64 {
	if len(yTrue) == 0 || len(yTrue) != len(yPred) {
		return math.NaN()
	}
	sq := make([]float64, len(yTrue))
	for i := range yTrue {
		d := yTrue[i] - yPred[i]
		sq[i] = d * d
	}
	return math.Sqrt(stat.Mean(sq, nil))
}

func constant(xs []float64) bool {
	for _, v := range xs[1:] {
		if v != xs[0] {
			return false
		}
	}
	return true
}
