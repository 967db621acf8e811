package executor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Kocoro-lab/reportflow/internal/approval"
	"github.com/Kocoro-lab/reportflow/internal/report"
)

// Stage is the executor's position in the workflow.
type Stage string

const (
	StagePlanning         Stage = "planning"
	StageAwaitingApproval Stage = "awaiting_approval"
	StageResearching      Stage = "researching"
	StageFinalizing       Stage = "finalizing"
	StageCompiled         Stage = "compiled"
)

// transitions is the complete table of allowed stage moves.
var transitions = map[Stage][]Stage{
	StagePlanning:         {StageAwaitingApproval},
	StageAwaitingApproval: {StagePlanning, StageResearching},
	StageResearching:      {StageFinalizing},
	StageFinalizing:       {StageCompiled},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Stage) valid() bool {
	switch s {
	case StagePlanning, StageAwaitingApproval, StageResearching, StageFinalizing, StageCompiled:
		return true
	}
	return false
}

// stateVersion is bumped when the checkpoint layout changes incompatibly.
const stateVersion = 1

// State is everything needed to continue a thread from its last checkpoint.
type State struct {
	Version   int              `json:"v"`
	ThreadID  string           `json:"thread_id"`
	Topic     string           `json:"topic"`
	Stage     Stage            `json:"stage"`
	Units     []report.Unit    `json:"units"`
	Approval  approval.State   `json:"approval"`
	Notices   []string         `json:"notices,omitempty"`
	Document  *report.Document `json:"document,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func newState(threadID, topic string) *State {
	now := time.Now().UTC()
	return &State{
		Version:   stateVersion,
		ThreadID:  threadID,
		Topic:     topic,
		Stage:     StagePlanning,
		Approval:  approval.State{Decision: approval.Pending},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the structural invariants of a decoded state.
func (s *State) Validate() error {
	if s.ThreadID == "" {
		return fmt.Errorf("thread id cannot be empty")
	}
	if !s.Stage.valid() {
		return fmt.Errorf("unknown stage %q", s.Stage)
	}
	if s.Approval.ReviewCount < 0 {
		return fmt.Errorf("review count cannot be negative, got %d", s.Approval.ReviewCount)
	}
	ids := make(map[string]bool, len(s.Units))
	for _, u := range s.Units {
		if u.ID == "" {
			return fmt.Errorf("unit %q has no id", u.Name)
		}
		if ids[u.ID] {
			return fmt.Errorf("duplicate unit id %s", u.ID)
		}
		ids[u.ID] = true
	}
	if s.Stage != StagePlanning && len(s.Units) == 0 {
		return fmt.Errorf("stage %s requires a unit set", s.Stage)
	}
	if s.Stage == StageCompiled && s.Document == nil {
		return fmt.Errorf("compiled state has no document")
	}
	return nil
}

// Pending returns indexes of units that still need work of the given kind.
func (s *State) Pending(research bool) []int {
	var idx []int
	for i, u := range s.Units {
		if u.RequiresResearch == research && !u.Status.IsTerminal() {
			idx = append(idx, i)
		}
	}
	return idx
}

// Encode serializes the state for a checkpoint.
func Encode(s *State) ([]byte, error) {
	return json.Marshal(s)
}

// Decode restores a checkpointed state.
func Decode(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if s.Version != stateVersion {
		return nil, fmt.Errorf("unsupported state version %d", s.Version)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state: %w", err)
	}
	return &s, nil
}
