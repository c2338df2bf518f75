package hauntedhouse

import (
	"encoding/json"
	"fmt"
)

// Snapshot holds the progress values a status response may carry. A nil
// field means the response did not include it (or sent null).
type Snapshot struct {
	Errors    []string
	Hits      []string
	Truncated *bool
	Phase     *string
	Progress  *[2]int
	Finished  *bool
}

// Status is a decoded status response. Deployments answer in one of two
// shapes: a boolean "finished" flag (Finisher) or a "stage" name (Stager).
// Callers probe for those capabilities rather than assume either.
type Status interface {
	Snapshot() Snapshot
}

// Finisher is implemented by statuses using the boolean-complete protocol.
type Finisher interface {
	Status
	IsFinished() bool
}

// Stager is implemented by statuses using the staged-phase protocol.
type Stager interface {
	Status
	Stage() string
}

// FlagStatus is a status that carries a "finished" flag.
type FlagStatus struct {
	Values   Snapshot
	Finished bool
}

func (s *FlagStatus) Snapshot() Snapshot { return s.Values }
func (s *FlagStatus) IsFinished() bool   { return s.Finished }

// StagedStatus is a status that carries a "stage" name.
type StagedStatus struct {
	Values    Snapshot
	StageName string
}

func (s *StagedStatus) Snapshot() Snapshot { return s.Values }
func (s *StagedStatus) Stage() string      { return s.StageName }

// PlainStatus carries neither completion signal.
type PlainStatus struct {
	Values Snapshot
}

func (s *PlainStatus) Snapshot() Snapshot { return s.Values }

type rawStatus struct {
	Finished  *bool    `json:"finished"`
	Stage     *string  `json:"stage"`
	Errors    []string `json:"errors"`
	Hits      []string `json:"hits"`
	Truncated *bool    `json:"truncated"`
	Phase     *string  `json:"phase"`
	Progress  *[2]int  `json:"progress"`
}

// DecodeStatus picks the status shape from the keys present in data. A
// "finished" flag wins over a "stage" name when both are sent.
func DecodeStatus(data []byte) (Status, error) {
	var raw rawStatus
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	snap := Snapshot{
		Errors:    raw.Errors,
		Hits:      raw.Hits,
		Truncated: raw.Truncated,
		Phase:     raw.Phase,
		Progress:  raw.Progress,
		Finished:  raw.Finished,
	}
	switch {
	case raw.Finished != nil:
		return &FlagStatus{Values: snap, Finished: *raw.Finished}, nil
	case raw.Stage != nil:
		return &StagedStatus{Values: snap, StageName: *raw.Stage}, nil
	}
	return &PlainStatus{Values: snap}, nil
}
