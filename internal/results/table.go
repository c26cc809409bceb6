// Package results reads and writes the per-run result tables the external
// engine exports, and computes epsilon costs over them.
//
// The external representation is a header-described CSV in the blob store.
// It is parsed exactly once per read: column positions are resolved from the
// header row and then applied to every data row, and the typed fields
// (statistic_id, analysis_id, analysis_name, epsilon) are decoded up front
// so cost computation never re-derives them.
package results

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Column names the engine's export is required to carry. Order is not
// fixed; any additional payload columns are preserved verbatim.
const (
	colStatisticID  = "statistic_id"
	colAnalysisID   = "analysis_id"
	colAnalysisName = "analysis_name"
	colEpsilon      = "epsilon"
)

// Row is one statistic in a run's result set.
type Row struct {
	StatisticID  int
	AnalysisID   int
	AnalysisName string
	Epsilon      float64

	// Fields holds the full raw record, payload columns included, in
	// header order. Encoding writes these back untouched.
	Fields []string
}

// Table is a parsed result set.
type Table struct {
	Header []string
	Rows   []Row
}

// ParseTable reads a CSV result export. The header row is mandatory and
// must name the four required columns.
func ParseTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("results: read header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}
	var pos struct{ stat, analysis, name, eps int }
	var ok bool
	if pos.stat, ok = idx[colStatisticID]; !ok {
		return nil, fmt.Errorf("results: header missing column %q", colStatisticID)
	}
	if pos.analysis, ok = idx[colAnalysisID]; !ok {
		return nil, fmt.Errorf("results: header missing column %q", colAnalysisID)
	}
	if pos.name, ok = idx[colAnalysisName]; !ok {
		return nil, fmt.Errorf("results: header missing column %q", colAnalysisName)
	}
	if pos.eps, ok = idx[colEpsilon]; !ok {
		return nil, fmt.Errorf("results: header missing column %q", colEpsilon)
	}

	t := &Table{Header: header}
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("results: read line %d: %w", line, err)
		}
		if len(record) < len(header) {
			return nil, fmt.Errorf("results: line %d has %d fields, header has %d", line, len(record), len(header))
		}

		row := Row{Fields: record, AnalysisName: record[pos.name]}
		if row.StatisticID, err = strconv.Atoi(record[pos.stat]); err != nil {
			return nil, fmt.Errorf("results: line %d: bad statistic_id %q", line, record[pos.stat])
		}
		if row.AnalysisID, err = strconv.Atoi(record[pos.analysis]); err != nil {
			return nil, fmt.Errorf("results: line %d: bad analysis_id %q", line, record[pos.analysis])
		}
		if row.Epsilon, err = strconv.ParseFloat(record[pos.eps], 64); err != nil {
			return nil, fmt.Errorf("results: line %d: bad epsilon %q", line, record[pos.eps])
		}
		if row.Epsilon < 0 {
			return nil, fmt.Errorf("results: line %d: negative epsilon %v", line, row.Epsilon)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Encode writes the table back out as CSV, header first.
func (t *Table) Encode(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("results: write header: %w", err)
	}
	for _, row := range t.Rows {
		if err := cw.Write(row.Fields); err != nil {
			return fmt.Errorf("results: write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("results: flush: %w", err)
	}
	return nil
}

// Select filters the table to rows whose analysis is in analysisIDs and
// returns the subset together with its total epsilon cost. Rows outside the
// selection contribute to neither.
func (t *Table) Select(analysisIDs []int) (*Table, float64) {
	selected := make(map[int]bool, len(analysisIDs))
	for _, id := range analysisIDs {
		selected[id] = true
	}

	subset := &Table{Header: t.Header}
	var cost float64
	for _, row := range t.Rows {
		if selected[row.AnalysisID] {
			subset.Rows = append(subset.Rows, row)
			cost += row.Epsilon
		}
	}
	return subset, cost
}

// Aggregate sums epsilon per analysis in a single pass. The first-seen
// analysis_name wins for each analysis_id. Output is ordered by
// analysis_id for stable presentation.
func (t *Table) Aggregate() []AnalysisCost {
	byID := make(map[int]*AnalysisCost)
	for _, row := range t.Rows {
		agg, ok := byID[row.AnalysisID]
		if !ok {
			agg = &AnalysisCost{AnalysisID: row.AnalysisID, AnalysisName: row.AnalysisName}
			byID[row.AnalysisID] = agg
		}
		agg.EpsilonSum += row.Epsilon
	}

	out := make([]AnalysisCost, 0, len(byID))
	for _, agg := range byID {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnalysisID < out[j].AnalysisID })
	return out
}

// AnalysisCost is the derived per-analysis epsilon total.
type AnalysisCost struct {
	AnalysisID   int     `json:"analysis_id"`
	AnalysisName string  `json:"analysis_name"`
	EpsilonSum   float64 `json:"epsilon_sum"`
}
