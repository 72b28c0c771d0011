package model

import "time"

// Priority ranks a ReadyAction for sorting (high first).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// priorityRank maps Priority to a descending sort weight.
func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// PriorityRank maps Priority to a descending sort weight (high=2, medium=1, low=0).
func PriorityRank(p Priority) int { return priorityRank(p) }

// ReadyActionType is the kind of maintenance work a ReadyAction surfaces.
type ReadyActionType string

const (
	ReadyReviewOutcome   ReadyActionType = "review_outcome"
	ReadyCalibrationDrift ReadyActionType = "calibration_drift"
	ReadyStalePending    ReadyActionType = "stale_pending"
)

// readyTypeOrder is the fixed tiebreak order for ReadyActionType within the
// same priority, per §4.I sort rules.
var readyTypeOrder = map[ReadyActionType]int{
	ReadyReviewOutcome:    0,
	ReadyCalibrationDrift: 1,
	ReadyStalePending:     2,
}

// ReadyTypeOrder returns the fixed tiebreak rank for t.
func ReadyTypeOrder(t ReadyActionType) int { return readyTypeOrder[t] }

// ReadyAction is one prioritized maintenance task surfaced by the ready queue.
type ReadyAction struct {
	Type       ReadyActionType `json:"type"`
	Priority   Priority        `json:"priority"`
	DecisionID *string         `json:"decision_id,omitempty"`
	Category   *string         `json:"category,omitempty"`
	Date       *time.Time      `json:"date,omitempty"`
	Title      *string         `json:"title,omitempty"`
	Reason     string          `json:"reason"`
	Suggestion string          `json:"suggestion"`
	Detail     map[string]any  `json:"detail,omitempty"`
}
