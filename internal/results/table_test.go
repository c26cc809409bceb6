package results

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `statistic_id,analysis_id,analysis_name,epsilon,value
0,1,mean_income,0.1,52000
1,1,mean_income,0.2,0.41
2,2,poverty_rate,0.3,0.12
`

func TestParseTable(t *testing.T) {
	table, err := ParseTable(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	require.Len(t, table.Rows, 3)
	assert.Equal(t, []string{"statistic_id", "analysis_id", "analysis_name", "epsilon", "value"}, table.Header)
	assert.Equal(t, 0, table.Rows[0].StatisticID)
	assert.Equal(t, 1, table.Rows[0].AnalysisID)
	assert.Equal(t, "mean_income", table.Rows[0].AnalysisName)
	assert.Equal(t, 0.1, table.Rows[0].Epsilon)
	// Payload columns survive untouched.
	assert.Equal(t, "52000", table.Rows[0].Fields[4])
}

func TestParseTableColumnOrderNotFixed(t *testing.T) {
	// Same data, shuffled columns: positions must be resolved from the
	// header, not assumed.
	csv := `epsilon,analysis_name,statistic_id,analysis_id
0.25,variance,7,3
`
	table, err := ParseTable(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, 7, table.Rows[0].StatisticID)
	assert.Equal(t, 3, table.Rows[0].AnalysisID)
	assert.Equal(t, "variance", table.Rows[0].AnalysisName)
	assert.Equal(t, 0.25, table.Rows[0].Epsilon)
}

func TestParseTableErrors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{"missing epsilon column", "statistic_id,analysis_id,analysis_name\n1,1,a\n"},
		{"bad epsilon", "statistic_id,analysis_id,analysis_name,epsilon\n1,1,a,abc\n"},
		{"negative epsilon", "statistic_id,analysis_id,analysis_name,epsilon\n1,1,a,-0.5\n"},
		{"bad analysis_id", "statistic_id,analysis_id,analysis_name,epsilon\n1,x,a,0.5\n"},
		{"empty input", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTable(strings.NewReader(tt.csv))
			assert.Error(t, err)
		})
	}
}

func TestSelect(t *testing.T) {
	csv := `statistic_id,analysis_id,analysis_name,epsilon
0,0,a,0.125
1,1,b,0.125
`
	table, err := ParseTable(strings.NewReader(csv))
	require.NoError(t, err)

	subset, cost := table.Select([]int{0})
	assert.Equal(t, 0.125, cost)
	require.Len(t, subset.Rows, 1)
	assert.Equal(t, 0, subset.Rows[0].StatisticID)

	// Ids with no matching rows contribute nothing.
	subset, cost = table.Select([]int{42})
	assert.Zero(t, cost)
	assert.Empty(t, subset.Rows)
}

func TestAggregate(t *testing.T) {
	csv := `statistic_id,analysis_id,analysis_name,epsilon
0,1,A,0.1
1,1,A,0.2
2,2,B,0.3
`
	table, err := ParseTable(strings.NewReader(csv))
	require.NoError(t, err)

	aggs := table.Aggregate()
	require.Len(t, aggs, 2)
	assert.Equal(t, AnalysisCost{AnalysisID: 1, AnalysisName: "A", EpsilonSum: 0.30000000000000004}, aggs[0])
	assert.Equal(t, AnalysisCost{AnalysisID: 2, AnalysisName: "B", EpsilonSum: 0.3}, aggs[1])
}

func TestAggregateFirstSeenNameWins(t *testing.T) {
	csv := `statistic_id,analysis_id,analysis_name,epsilon
0,1,first,0.1
1,1,second,0.1
`
	table, err := ParseTable(strings.NewReader(csv))
	require.NoError(t, err)

	aggs := table.Aggregate()
	require.Len(t, aggs, 1)
	assert.Equal(t, "first", aggs[0].AnalysisName)
}

func TestEncodeRoundTrip(t *testing.T) {
	table, err := ParseTable(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, table.Encode(&buf))

	again, err := ParseTable(&buf)
	require.NoError(t, err)
	assert.Equal(t, table.Header, again.Header)
	assert.Equal(t, table.Rows, again.Rows)
}
