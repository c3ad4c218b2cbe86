package editor

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// runningCovariance accumulates the mean and covariance of rows with
// Welford's update so the rows never need to be held at once.
type runningCovariance struct {
	n    int
	mean []float64
	m2   *mat.SymDense
}

func newRunningCovariance(dim int) *runningCovariance {
	return &runningCovariance{mean: make([]float64, dim), m2: mat.NewSymDense(dim, nil)}
}

func (rc *runningCovariance) add(rows [][]float32) {
	dim := len(rc.mean)
	delta := make([]float64, dim)
	for _, row := range rows {
		rc.n++
		for i, v := range row {
			delta[i] = float64(v) - rc.mean[i]
			rc.mean[i] += delta[i] / float64(rc.n)
		}
		rc.m2.SymRankOne(rc.m2, float64(rc.n-1)/float64(rc.n), mat.NewVecDense(dim, delta))
	}
}

// covariance is the unbiased sample covariance.
func (rc *runningCovariance) covariance() (*mat.SymDense, error) {
	if rc.n < 2 {
		return nil, errors.New("covariance needs at least two rows")
	}
	cov := mat.NewSymDense(len(rc.mean), nil)
	cov.ScaleSym(1/float64(rc.n-1), rc.m2)
	return cov, nil
}
