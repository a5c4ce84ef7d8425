package types

import "time"

// PerturbationOutcome records one collaborator call made at the start of, or
// during, a phase.
type PerturbationOutcome struct {
	Action  string    `json:"action"`
	Target  string    `json:"target"`
	Applied bool      `json:"applied"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Phase is one labelled time window of an experiment run.
type Phase struct {
	Label         string                `json:"label"`
	StartTime     time.Time             `json:"start_time"`
	Duration      time.Duration         `json:"duration"`
	ProbesEnded   time.Time             `json:"probes_ended"`
	CleanupDone   time.Time             `json:"cleanup_done"`
	Series        []*Series             `json:"series"`
	Perturbations []PerturbationOutcome `json:"perturbations,omitempty"`
	Caveats       []string              `json:"caveats,omitempty"`
	Cancelled     bool                  `json:"cancelled,omitempty"`

	frozen bool
}

func NewPhase(label string, duration time.Duration) *Phase {
	return &Phase{Label: label, Duration: duration}
}

// CleanupTime is the time spent past the nominal end of the phase until
// cleanup returned.
func (p *Phase) CleanupTime() time.Duration {
	if p.CleanupDone.IsZero() || p.StartTime.IsZero() {
		return 0
	}
	d := p.CleanupDone.Sub(p.StartTime.Add(p.Duration))
	if d < 0 {
		return 0
	}
	return d
}

// End is the earliest instant at which the next phase may start.
func (p *Phase) End() time.Time {
	return p.StartTime.Add(p.Duration).Add(p.CleanupTime())
}

// Complete reports whether every driver was joined and cleanup was issued.
func (p *Phase) Complete() bool {
	return !p.ProbesEnded.IsZero() && !p.CleanupDone.IsZero()
}

func (p *Phase) AddCaveat(msg string) {
	if p.frozen {
		return
	}
	p.Caveats = append(p.Caveats, msg)
}

// Freeze freezes every series in the phase. It is called once the phase is
// complete.
func (p *Phase) Freeze() {
	for _, s := range p.Series {
		s.Freeze()
	}
	p.frozen = true
}

func (p *Phase) Frozen() bool {
	return p.frozen
}

// Find returns the series for a probe definition, if present.
func (p *Phase) Find(probe string) *Series {
	for _, s := range p.Series {
		if s.Key.Probe() == probe {
			return s
		}
	}
	return nil
}
