package tune

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// Optimizer minimizes eval over the box [lower, upper].
type Optimizer interface {
	Run(eval func([]float64) float64, lower, upper []float64) ([]float64, float64, error)
}

// Mayfly adapts the mayfly optimizer. The library only supports scalar
// bounds, so the search runs in the unit cube and positions are mapped onto
// the per-dimension box before each evaluation.
type Mayfly struct {
	maxIters int
	popSize  int
	seed     int64
}

// minPopulation is the smallest population mayfly v0.1.0 accepts.
const minPopulation = 20

// NewMayfly creates a seeded mayfly optimizer.
func NewMayfly(maxIters, popSize int, seed int64) *Mayfly {
	return &Mayfly{
		maxIters: maxIters,
		popSize:  max(popSize, minPopulation),
		seed:     seed,
	}
}

// Run executes the optimization and returns the best position in box
// coordinates with its cost.
func (m *Mayfly) Run(eval func([]float64) float64, lower, upper []float64) ([]float64, float64, error) {
	dim := len(lower)
	if dim == 0 || len(upper) != dim {
		return nil, 0, errors.New("bounds must be non-empty and of equal length")
	}
	for i := range lower {
		if upper[i] < lower[i] {
			return nil, 0, fmt.Errorf("dimension %d: upper bound %g below lower bound %g", i, upper[i], lower[i])
		}
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 {
		return eval(scale(u, lower, upper))
	}
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly: %w", err)
	}
	return scale(result.GlobalBest.Position, lower, upper), result.GlobalBest.Cost, nil
}

// scale maps unit-cube coordinates onto the box, clamping to its faces.
func scale(u, lower, upper []float64) []float64 {
	x := make([]float64, len(u))
	for i, v := range u {
		v = min(max(v, 0), 1)
		x[i] = lower[i] + v*(upper[i]-lower[i])
	}
	return x
}
