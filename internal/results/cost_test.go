package results

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildata/veil/internal/model"
)

func TestSumCost(t *testing.T) {
	cost, err := SumCost([]model.Epsilon{
		{StatisticID: 1, Epsilon: 0.5},
		{StatisticID: 2, Epsilon: 0.25},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.75, cost)
}

func TestSumCostRejectsNonPositive(t *testing.T) {
	tests := []struct {
		name      string
		overrides []model.Epsilon
	}{
		{"zero epsilon", []model.Epsilon{{StatisticID: 1, Epsilon: 0}}},
		{"negative epsilon", []model.Epsilon{{StatisticID: 1, Epsilon: -0.1}}},
		{"one bad among good", []model.Epsilon{
			{StatisticID: 1, Epsilon: 0.5},
			{StatisticID: 2, Epsilon: 0},
			{StatisticID: 3, Epsilon: 0.5},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SumCost(tt.overrides)
			assert.ErrorIs(t, err, ErrNonPositiveEpsilon)
		})
	}
}

func TestSumCostRejectsEmptyBatch(t *testing.T) {
	_, err := SumCost(nil)
	assert.Error(t, err)
}
