package service

import (
	"errors"
	"math"
)

var ErrInvalidDimensions = errors.New("dimensions must be 2 or 3")

const (
	powerIterations = 100
	degenerateScale = 1e-10
	jitterMagnitude = 0.01
)

type ProjectionResult struct {
	Points            [][]float64 `json:"points"`
	VarianceExplained []float64   `json:"varianceExplained,omitempty"`
}

// Project reduces N vectors to 2 or 3 dimensions with PCA. The N x N Gram
// matrix keeps the work proportional to the sample count rather than the
// embedding dimension; components come from power iteration with deflation.
// Coordinates are rescaled so the largest magnitude is 1.
func Project(vectors [][]float32, dims int) (*ProjectionResult, error) {
	if dims != 2 && dims != 3 {
		return nil, ErrInvalidDimensions
	}
	n := len(vectors)
	if n == 0 {
		return &ProjectionResult{Points: [][]float64{}}, nil
	}

	d := len(vectors[0])
	centered := center(vectors, n, d)
	gram := gramMatrix(centered, n, d)

	trace := 0.0
	for i := 0; i < n; i++ {
		trace += gram[i][i]
	}

	points := make([][]float64, n)
	for i := range points {
		points[i] = make([]float64, dims)
	}
	variance := make([]float64, dims)

	for k := 0; k < dims; k++ {
		eigenvector, eigenvalue := powerIterate(gram, n)
		if trace > 0 {
			variance[k] = eigenvalue / trace
		}
		scale := 0.0
		if eigenvalue > 0 {
			scale = math.Sqrt(eigenvalue)
		}
		for i := 0; i < n; i++ {
			points[i][k] = eigenvector[i] * scale
		}
		deflate(gram, eigenvector, eigenvalue, n)
	}

	rescale(points, dims)

	result := &ProjectionResult{Points: points}
	if dims == 3 {
		result.VarianceExplained = variance
	}
	return result, nil
}

func center(vectors [][]float32, n, d int) [][]float64 {
	mean := make([]float64, d)
	for _, v := range vectors {
		for j := 0; j < d && j < len(v); j++ {
			mean[j] += float64(v[j])
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}

	centered := make([][]float64, n)
	for i, v := range vectors {
		row := make([]float64, d)
		for j := 0; j < d && j < len(v); j++ {
			row[j] = float64(v[j]) - mean[j]
		}
		centered[i] = row
	}
	return centered
}

func gramMatrix(centered [][]float64, n, d int) [][]float64 {
	gram := make([][]float64, n)
	for i := range gram {
		gram[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dot := 0.0
			for k := 0; k < d; k++ {
				dot += centered[i][k] * centered[j][k]
			}
			gram[i][j] = dot
			gram[j][i] = dot
		}
	}
	return gram
}

// powerIterate returns the dominant eigenpair of g. The fixed sinusoidal
// start vector keeps results reproducible across runs.
func powerIterate(g [][]float64, n int) ([]float64, float64) {
	v := make([]float64, n)
	for i := range v {
		v[i] = math.Sin(0.7*float64(i) + 1.3)
	}
	normalizeVec(v)

	next := make([]float64, n)
	for iter := 0; iter < powerIterations; iter++ {
		for i := 0; i < n; i++ {
			sum := 0.0
			for j := 0; j < n; j++ {
				sum += g[i][j] * v[j]
			}
			next[i] = sum
		}
		norm := normalizeVec(next)
		if norm == 0 {
			break
		}
		v, next = next, v
	}

	// Rayleigh quotient with v normalized.
	eigenvalue := 0.0
	for i := 0; i < n; i++ {
		row := 0.0
		for j := 0; j < n; j++ {
			row += g[i][j] * v[j]
		}
		eigenvalue += v[i] * row
	}
	if eigenvalue < 0 {
		eigenvalue = 0
	}
	return v, eigenvalue
}

func deflate(g [][]float64, v []float64, eigenvalue float64, n int) {
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			g[i][j] -= eigenvalue * v[i] * v[j]
		}
	}
}

func normalizeVec(v []float64) float64 {
	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return 0
	}
	for i := range v {
		v[i] /= norm
	}
	return norm
}

func rescale(points [][]float64, dims int) {
	maxAbs := 0.0
	for _, p := range points {
		for k := 0; k < dims; k++ {
			if a := math.Abs(p[k]); a > maxAbs {
				maxAbs = a
			}
		}
	}

	if maxAbs < degenerateScale {
		// All points collapsed; jitter so the plot is not a single dot.
		for i, p := range points {
			for k := 0; k < dims; k++ {
				p[k] = jitterMagnitude * math.Sin(float64(i*dims+k)+0.5)
			}
		}
		return
	}

	for _, p := range points {
		for k := 0; k < dims; k++ {
			p[k] /= maxAbs
		}
	}
}
