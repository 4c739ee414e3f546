package correlation

import (
	"fmt"
	"time"
)

// Type identifies the pattern a correlation was detected by.
type Type int

const (
	TypeAttackChain Type = iota
	TypeLateralMovement
	TypeTemporalBurst
	TypePrivilegeEscalation
	TypeMLDetected
)

func (t Type) String() string {
	switch t {
	case TypeAttackChain:
		return "attackChain"
	case TypeLateralMovement:
		return "lateralMovement"
	case TypeTemporalBurst:
		return "temporalBurst"
	case TypePrivilegeEscalation:
		return "privilegeEscalation"
	case TypeMLDetected:
		return "mlDetected"
	default:
		return "unknown"
	}
}

// Correlation describes a detected relationship among two or more events.
type Correlation struct {
	ID              string        `json:"id"`
	Type            Type          `json:"type"`
	EventIDs        []string      `json:"event_ids"`
	TimeWindow      time.Duration `json:"time_window"`
	AttackStage     string        `json:"attack_stage,omitempty"`
	MitreTechniques []string      `json:"mitre_techniques,omitempty"`
}

// Validate enforces the minimum shape of a correlation.
func (c *Correlation) Validate() error {
	if len(c.EventIDs) < 2 {
		return fmt.Errorf("correlation requires at least 2 events, got %d", len(c.EventIDs))
	}
	return nil
}

// Result is the outcome of running the correlation detectors over one event.
type Result struct {
	HasCorrelation bool         `json:"has_correlation"`
	Confidence     float64      `json:"confidence"`
	Correlation    *Correlation `json:"correlation,omitempty"`
}

// None is the empty result returned when no detector fires.
func None() Result {
	return Result{}
}
