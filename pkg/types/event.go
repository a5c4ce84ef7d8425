package types

import "time"

type EventType string

const (
	EventScenarioState       EventType = "ScenarioState"
	EventPhaseStarted        EventType = "PhaseStarted"
	EventPhaseFinished       EventType = "PhaseFinished"
	EventPerturbationApplied EventType = "PerturbationApplied"
	EventPerturbationFailed  EventType = "PerturbationFailed"
	EventDriverFinished      EventType = "DriverFinished"
	EventCleanupIssued       EventType = "CleanupIssued"
)

type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"ts"`
	RunID     string            `json:"run_id,omitempty"`
	Phase     string            `json:"phase,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}
