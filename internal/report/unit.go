package report

import (
	"errors"
	"fmt"
	"time"
)

// UnitStatus is the forward-only lifecycle of one research unit.
type UnitStatus string

const (
	StatusNotStarted        UnitStatus = "not_started"
	StatusGeneratingQueries UnitStatus = "generating_queries"
	StatusSearching         UnitStatus = "searching"
	StatusWriting           UnitStatus = "writing"
	StatusCompleted         UnitStatus = "completed"
	StatusFailed            UnitStatus = "failed"
)

// ErrInvalidTransition is returned when a unit is moved against its lifecycle.
var ErrInvalidTransition = errors.New("invalid unit status transition")

// IsTerminal reports whether no further mutation is permitted.
func (s UnitStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders the non-failed statuses; Failed ranks with Completed.
func (s UnitStatus) Rank() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusGeneratingQueries:
		return 1
	case StatusSearching:
		return 2
	case StatusWriting:
		return 3
	case StatusCompleted, StatusFailed:
		return 4
	default:
		return -1
	}
}

// transitions lists the allowed forward moves. Failed is reachable from any
// non-terminal status and handled separately.
var transitions = map[UnitStatus][]UnitStatus{
	StatusNotStarted:        {StatusGeneratingQueries, StatusWriting},
	StatusGeneratingQueries: {StatusSearching},
	StatusSearching:         {StatusWriting},
	StatusWriting:           {StatusCompleted},
}

// Unit is one independently researched section of the report.
type Unit struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	RequiresResearch bool       `json:"requires_research"`
	Content          string     `json:"content"`
	Status           UnitStatus `json:"status"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	Sources          []string   `json:"sources,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewUnit returns a unit in the NotStarted state.
func NewUnit(id, name, description string, requiresResearch bool) Unit {
	return Unit{
		ID:               id,
		Name:             name,
		Description:      description,
		RequiresResearch: requiresResearch,
		Status:           StatusNotStarted,
	}
}

// Advance moves the unit to the next status, enforcing the lifecycle.
// Writing is only reachable directly from NotStarted for units that bypass
// research; research units must pass through GeneratingQueries and Searching.
func (u *Unit) Advance(to UnitStatus) error {
	if u.Status == "" {
		u.Status = StatusNotStarted
	}
	if u.Status.IsTerminal() {
		return fmt.Errorf("%w: unit %s is %s", ErrInvalidTransition, u.ID, u.Status)
	}
	if to == StatusFailed {
		u.Status = to
		u.UpdatedAt = time.Now()
		return nil
	}
	if u.Status == StatusNotStarted && to == StatusWriting && u.RequiresResearch {
		return fmt.Errorf("%w: research unit %s cannot write before searching", ErrInvalidTransition, u.ID)
	}
	for _, next := range transitions[u.Status] {
		if next == to {
			u.Status = to
			u.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s for unit %s", ErrInvalidTransition, u.Status, to, u.ID)
}

// Complete sets the final content and moves the unit to Completed.
func (u *Unit) Complete(content string) error {
	if u.Status.IsTerminal() {
		return fmt.Errorf("%w: unit %s is %s", ErrInvalidTransition, u.ID, u.Status)
	}
	if err := u.Advance(StatusCompleted); err != nil {
		return err
	}
	u.Content = content
	return nil
}

// Fail records a terminal failure with a caller-visible placeholder.
func (u *Unit) Fail(reason, placeholder string) error {
	if u.Status.IsTerminal() {
		return fmt.Errorf("%w: unit %s is %s", ErrInvalidTransition, u.ID, u.Status)
	}
	u.Status = StatusFailed
	u.FailureReason = reason
	u.Content = placeholder
	u.UpdatedAt = time.Now()
	return nil
}

// Placeholder is the content written to a unit whose generation failed.
func Placeholder(name string) string {
	return fmt.Sprintf("Error generating content for section: %s. Please try again later.", name)
}

// FailureReasonCancelled marks units stopped by workflow cancellation.
const FailureReasonCancelled = "cancelled"
