package results

import (
	"errors"
	"fmt"

	"github.com/veildata/veil/internal/model"
)

// ErrNonPositiveEpsilon rejects refinement overrides before any cost or
// budget interaction. The whole batch is refused; nothing is partially
// applied.
var ErrNonPositiveEpsilon = errors.New("results: epsilon must be positive")

// SumCost validates a refinement override set and returns its total epsilon
// cost. Any non-positive epsilon fails the entire batch.
func SumCost(overrides []model.Epsilon) (float64, error) {
	if len(overrides) == 0 {
		return 0, errors.New("results: empty refinement set")
	}
	var cost float64
	for _, o := range overrides {
		if o.Epsilon <= 0 {
			return 0, fmt.Errorf("%w: statistic %d has epsilon %v", ErrNonPositiveEpsilon, o.StatisticID, o.Epsilon)
		}
		cost += o.Epsilon
	}
	return cost, nil
}
