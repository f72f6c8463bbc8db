package audit

import (
	"fmt"
	"time"
)

// BreakdownDimension defines valid group-by dimensions.
type BreakdownDimension string

const (
	// BreakdownByAction groups by action.
	BreakdownByAction BreakdownDimension = "action"

	// BreakdownByActor groups by actor username.
	BreakdownByActor BreakdownDimension = "actor"

	// BreakdownByTarget groups by target name.
	BreakdownByTarget BreakdownDimension = "target"
)

// ValidBreakdownDimensions is the set of allowed group-by values.
var ValidBreakdownDimensions = map[BreakdownDimension]bool{
	BreakdownByAction: true,
	BreakdownByActor:  true,
	BreakdownByTarget: true,
}

const (
	defaultBreakdownLimit = 10
	maxBreakdownLimit     = 100
)

// BreakdownFilter controls breakdown query parameters.
type BreakdownFilter struct {
	GroupBy   BreakdownDimension
	Limit     int
	StartTime *time.Time
	EndTime   *time.Time
}

// Validate checks the dimension and clamps Limit into [1, 100].
func (f *BreakdownFilter) Validate() error {
	if !ValidBreakdownDimensions[f.GroupBy] {
		return fmt.Errorf("invalid breakdown dimension: %q", f.GroupBy)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultBreakdownLimit
	case f.Limit > maxBreakdownLimit:
		f.Limit = maxBreakdownLimit
	}
	return nil
}

// BreakdownEntry holds aggregated stats for a single dimension value.
type BreakdownEntry struct {
	Dimension   string  `json:"dimension"`
	Count       int     `json:"count"`
	SuccessRate float64 `json:"success_rate"`
}

func (e Event) dimension(d BreakdownDimension) string {
	switch d {
	case BreakdownByActor:
		return e.Actor
	case BreakdownByTarget:
		return e.Target
	default:
		return string(e.Action)
	}
}
