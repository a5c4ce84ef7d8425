package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/pingsantohq/sdnharness/internal/node"
	"github.com/pingsantohq/sdnharness/internal/parse"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

// ICMPDriver sends one echo request per interval from the source node.
type ICMPDriver struct {
	spec  Spec
	src   node.Node
	tools Tools
	deps  Dependencies
}

func NewICMPDriver(spec Spec, src node.Node, tools Tools, deps Dependencies) (*ICMPDriver, error) {
	if spec.Kind != types.ProbeICMP {
		return nil, fmt.Errorf("%w: icmp driver got kind %q", ErrInvalidSpec, spec.Kind)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: source node required", ErrInvalidSpec)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = time.Second
	}
	return &ICMPDriver{spec: spec, src: src, tools: tools.withDefaults(), deps: deps.withDefaults()}, nil
}

func (d *ICMPDriver) Spec() Spec {
	return d.spec
}

func (d *ICMPDriver) Run(ctx context.Context) *types.Series {
	series := types.NewSeries(d.spec.Key())
	start := d.deps.Now()

	ticker := time.NewTicker(d.spec.Interval)
	defer ticker.Stop()

	for {
		elapsed := d.deps.Now().Sub(start)
		if elapsed >= d.spec.Duration {
			return series
		}
		d.probe(ctx, series, elapsed)
		select {
		case <-ctx.Done():
			return series
		case <-ticker.C:
		}
	}
}

func (d *ICMPDriver) command() string {
	return fmt.Sprintf("%s -c 1 -W %d %s", d.tools.Ping, wholeSeconds(d.spec.Timeout), d.spec.DestAddr)
}

func (d *ICMPDriver) probe(ctx context.Context, series *types.Series, elapsed time.Duration) {
	execCtx, cancel := context.WithTimeout(ctx, d.spec.Timeout+d.tools.ExecTimeout)
	defer cancel()

	out, err := d.src.Exec(execCtx, d.command())
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		d.deps.Metrics.IncToolFailure(types.ProbeICMP)
	}
	sample := parse.ICMPSample(out, elapsed.Seconds())
	if sample.Lost && err == nil {
		d.deps.Metrics.IncParseMiss(types.ProbeICMP)
		d.deps.Logger.Printf("icmp %s: no latency in ping output", d.spec.Key())
	}
	if appendErr := series.AppendICMP(sample); appendErr != nil {
		d.deps.Logger.Printf("icmp %s: append sample: %v", d.spec.Key(), appendErr)
		return
	}
	d.deps.Metrics.ObserveSample(types.ProbeICMP)
}
