package model

// Epsilon is a per-statistic privacy cost override supplied with a
// refinement request.
type Epsilon struct {
	StatisticID int     `json:"statistic_id"`
	Epsilon     float64 `json:"epsilon"`
}

// RefineRequest is the payload for POST .../refine.
type RefineRequest struct {
	Refined []Epsilon `json:"refined"`
}

// ReleaseRequest is the payload for POST .../release. Selection is by
// analysis: every statistic row belonging to a selected analysis is
// disclosed and its epsilon charged against the release budget.
type ReleaseRequest struct {
	AnalysisIDs []int `json:"analysis_ids"`
}
