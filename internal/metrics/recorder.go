package metrics

import (
	"time"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

type ProbeRecorder interface {
	ObserveSample(kind types.ProbeKind)
	IncToolFailure(kind types.ProbeKind)
	IncParseMiss(kind types.ProbeKind)
}

type NoopProbeRecorder struct{}

func (NoopProbeRecorder) ObserveSample(kind types.ProbeKind)  {}
func (NoopProbeRecorder) IncToolFailure(kind types.ProbeKind) {}
func (NoopProbeRecorder) IncParseMiss(kind types.ProbeKind)   {}

type PhaseRecorder interface {
	ObservePhase(label string, duration time.Duration)
	IncPerturbationFailure(action string)
}

type NoopPhaseRecorder struct{}

func (NoopPhaseRecorder) ObservePhase(label string, duration time.Duration) {}
func (NoopPhaseRecorder) IncPerturbationFailure(action string)              {}

type FlowRecorder interface {
	ObserveFlowTable(switchName string, entries, active int)
}

type NoopFlowRecorder struct{}

func (NoopFlowRecorder) ObserveFlowTable(switchName string, entries, active int) {}
