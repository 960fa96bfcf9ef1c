package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Phase is a pipeline phase; phases form a strict total order
type Phase int

const (
	PhaseNone Phase = iota
	PhaseIngested
	PhaseSplit
	PhaseExtracted
	PhaseCanonicalized
	PhaseClustered
)

// Phases lists every checkpointed phase in execution order
var Phases = []Phase{PhaseIngested, PhaseSplit, PhaseExtracted, PhaseCanonicalized, PhaseClustered}

func (p Phase) String() string {
	switch p {
	case PhaseIngested:
		return "INGESTED"
	case PhaseSplit:
		return "SPLIT"
	case PhaseExtracted:
		return "EXTRACTED"
	case PhaseCanonicalized:
		return "CANONICALIZED"
	case PhaseClustered:
		return "CLUSTERED"
	default:
		return "NONE"
	}
}

// Valid reports whether p is one of the checkpointed phases
func (p Phase) Valid() bool {
	return p >= PhaseIngested && p <= PhaseClustered
}

// Next returns the phase that follows p, or PhaseNone after the last phase
func (p Phase) Next() Phase {
	if p >= PhaseClustered {
		return PhaseNone
	}
	return p + 1
}

// Prev returns the immediate predecessor of p (PhaseNone for the first phase)
func (p Phase) Prev() Phase {
	if p <= PhaseIngested {
		return PhaseNone
	}
	return p - 1
}

// ParsePhase parses a phase name (case-insensitive)
func ParsePhase(s string) (Phase, error) {
	for _, p := range Phases {
		if strings.EqualFold(p.String(), s) {
			return p, nil
		}
	}
	return PhaseNone, fmt.Errorf("unknown phase: %q", s)
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// StageStats summarizes one stage execution
type StageStats struct {
	Count    int           `json:"count"`
	Errors   int           `json:"errors"`
	Retries  int           `json:"retries,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CheckpointRecord is the durable snapshot of one phase of one run
type CheckpointRecord struct {
	RunID      string            `json:"run_id"`
	Phase      Phase             `json:"phase"`
	Timestamp  time.Time         `json:"timestamp"`
	Stats      StageStats        `json:"stats"`
	Payload    []json.RawMessage `json:"payload"`
	Incomplete bool              `json:"incomplete,omitempty"` // Saved after an abort
	Pending    []string          `json:"pending,omitempty"`    // Work item ids still to run
	Checksum   string            `json:"checksum"`
}

// EncodePayload marshals records into an ordered checkpoint payload
func EncodePayload[T any](records []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(records))
	for i, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// DecodePayload unmarshals a checkpoint payload into typed records
func DecodePayload[T any](payload []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(payload))
	for i, raw := range payload {
		var r T
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}
