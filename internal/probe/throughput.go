package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/pingsantohq/sdnharness/internal/node"
	"github.com/pingsantohq/sdnharness/internal/parse"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

// ThroughputDriver runs a listener on the destination and a client on the
// source for the whole duration, tailing the report every interval.
// TCP samples come from the client report, UDP samples from the listener
// report since only the receiving side sees jitter and datagram loss.
type ThroughputDriver struct {
	spec  Spec
	src   node.Node
	dst   node.Node
	tools Tools
	deps  Dependencies
}

func NewThroughputDriver(spec Spec, src, dst node.Node, tools Tools, deps Dependencies) (*ThroughputDriver, error) {
	if !spec.Kind.Throughput() {
		return nil, fmt.Errorf("%w: throughput driver got kind %q", ErrInvalidSpec, spec.Kind)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if src == nil || dst == nil {
		return nil, fmt.Errorf("%w: source and destination nodes required", ErrInvalidSpec)
	}
	tools = tools.withDefaults()
	if spec.Kind == types.ProbeUDP && spec.Bandwidth == "" {
		spec.Bandwidth = tools.UDPBandwidth
	}
	return &ThroughputDriver{spec: spec, src: src, dst: dst, tools: tools, deps: deps.withDefaults()}, nil
}

func (d *ThroughputDriver) Spec() Spec {
	return d.spec
}

func (d *ThroughputDriver) udpFlag() string {
	if d.spec.Kind == types.ProbeUDP {
		return " -u"
	}
	return ""
}

func (d *ThroughputDriver) serverPattern() string {
	return fmt.Sprintf("%s -s%s -p %d", d.tools.Iperf, d.udpFlag(), d.spec.Port)
}

func (d *ThroughputDriver) clientPattern() string {
	return fmt.Sprintf("%s -c %s%s -p %d", d.tools.Iperf, d.spec.DestAddr, d.udpFlag(), d.spec.Port)
}

// Server returns the listener handle.
func (d *ThroughputDriver) Server() *Handle {
	start := fmt.Sprintf("%s -i %s > %s 2>&1 &", d.serverPattern(), seconds(d.spec.Interval), node.Quote(d.spec.ServerOutputPath()))
	return NewHandle(d.dst, start, KillCommand(d.serverPattern()))
}

// Client returns the generator handle.
func (d *ThroughputDriver) Client() *Handle {
	args := d.clientPattern()
	if d.spec.Kind == types.ProbeUDP {
		args += " -b " + d.spec.Bandwidth
	}
	start := fmt.Sprintf("%s -t %d -i %s > %s 2>&1 &", args, wholeSeconds(d.spec.Duration), seconds(d.spec.Interval), node.Quote(d.spec.OutputPath))
	return NewHandle(d.src, start, KillCommand(d.clientPattern()))
}

func (d *ThroughputDriver) reportNode() (node.Node, string) {
	if d.spec.Kind == types.ProbeUDP {
		return d.dst, d.spec.ServerOutputPath()
	}
	return d.src, d.spec.OutputPath
}

func (d *ThroughputDriver) Run(ctx context.Context) *types.Series {
	series := types.NewSeries(d.spec.Key())
	server := d.Server()
	client := d.Client()
	defer d.stop(client, server)

	staleCtx, cancel := context.WithTimeout(ctx, d.tools.ExecTimeout)
	if _, err := d.dst.Exec(staleCtx, KillCommand(d.serverPattern())); err != nil {
		d.deps.Logger.Printf("%s %s: kill stale listener: %v", d.spec.Kind, d.spec.Key(), err)
	}
	cancel()

	if err := d.startHandle(ctx, server); err != nil {
		return series
	}
	if !sleepCtx(ctx, d.tools.ListenerSettle) {
		return series
	}
	start := d.deps.Now()
	if err := d.startHandle(ctx, client); err != nil {
		return series
	}

	limit := d.spec.Duration + d.spec.Interval
	lastEnd := -1.0
	ticker := time.NewTicker(d.spec.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return series
		case <-ticker.C:
		}
		lastEnd = d.poll(ctx, series, lastEnd, limit)
		if d.deps.Now().Sub(start) >= limit {
			return series
		}
	}
}

func (d *ThroughputDriver) startHandle(ctx context.Context, h *Handle) error {
	startCtx, cancel := context.WithTimeout(ctx, d.tools.ExecTimeout)
	defer cancel()
	if err := h.Start(startCtx); err != nil {
		d.deps.Metrics.IncToolFailure(d.spec.Kind)
		d.deps.Logger.Printf("%s %s: %v", d.spec.Kind, d.spec.Key(), err)
		return err
	}
	return nil
}

// poll reads the report tail and appends every interval that ends after
// lastEnd. It returns the new lastEnd.
func (d *ThroughputDriver) poll(ctx context.Context, series *types.Series, lastEnd float64, limit time.Duration) float64 {
	n, path := d.reportNode()
	execCtx, cancel := context.WithTimeout(ctx, d.tools.ExecTimeout)
	defer cancel()

	out, err := n.Exec(execCtx, fmt.Sprintf("tail -n %d %s", d.tools.TailLines, node.Quote(path)))
	if ctx.Err() != nil {
		return lastEnd
	}
	if err != nil {
		d.deps.Metrics.IncToolFailure(d.spec.Kind)
		d.deps.Logger.Printf("%s %s: read report: %v", d.spec.Kind, d.spec.Key(), err)
		return lastEnd
	}
	intervals := parse.ThroughputIntervals(out, d.spec.Kind)
	if len(intervals) == 0 {
		d.deps.Metrics.IncParseMiss(d.spec.Kind)
		return lastEnd
	}
	parse.SortIntervals(intervals)
	for _, iv := range intervals {
		if iv.End <= lastEnd || iv.End > limit.Seconds() {
			continue
		}
		if err := series.AppendThroughput(iv.Sample()); err != nil {
			d.deps.Logger.Printf("%s %s: append sample: %v", d.spec.Kind, d.spec.Key(), err)
			continue
		}
		d.deps.Metrics.ObserveSample(d.spec.Kind)
		lastEnd = iv.End
	}
	return lastEnd
}

// stop runs on every exit path with its own deadline so cancellation of the
// run context never skips it.
func (d *ThroughputDriver) stop(handles ...*Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), d.tools.StopTimeout)
	defer cancel()
	for _, h := range handles {
		if err := h.Stop(ctx); err != nil {
			d.deps.Logger.Printf("%s %s: %v", d.spec.Kind, d.spec.Key(), err)
		}
	}
}
