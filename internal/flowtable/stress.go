package flowtable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/pingsantohq/sdnharness/internal/node"
	"github.com/pingsantohq/sdnharness/internal/probe"
)

// maxListenerPorts caps the distinct destination ports used by a stress run.
const maxListenerPorts = 100

var ErrInvalidStress = errors.New("invalid stress config")

type StressConfig struct {
	Src      node.Node
	Dst      node.Node
	DstAddr  string
	Flows    int
	BasePort int
	// Rate is the number of flows emitted per second.
	Rate float64
	// Settle is the wait after starting listeners and Populate the wait
	// after the last flow before the second capture.
	Settle      time.Duration
	Populate    time.Duration
	StopTimeout time.Duration
}

type StressResult struct {
	Before Snapshot `json:"before"`
	After  Snapshot `json:"after"`
	Sent   int      `json:"sent"`
	Growth int      `json:"growth"`
}

func (c StressConfig) withDefaults() (StressConfig, error) {
	if c.Src == nil || c.Dst == nil || c.DstAddr == "" {
		return c, fmt.Errorf("%w: source, destination and address required", ErrInvalidStress)
	}
	if c.Flows <= 0 {
		return c, fmt.Errorf("%w: flow count must be positive", ErrInvalidStress)
	}
	if c.BasePort <= 0 {
		c.BasePort = 5001
	}
	if c.BasePort+maxListenerPorts > 65535 {
		return c, fmt.Errorf("%w: base port %d too high", ErrInvalidStress, c.BasePort)
	}
	if c.Rate <= 0 {
		c.Rate = 40
	}
	if c.Settle <= 0 {
		c.Settle = time.Second
	}
	if c.Populate <= 0 {
		c.Populate = 3 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c, nil
}

// Stress emits cfg.Flows single-datagram UDP flows that differ by destination
// port and reports how the table grew. Listeners and senders are killed on
// every exit path.
func (i *Inspector) Stress(ctx context.Context, cfg StressConfig) (StressResult, error) {
	var res StressResult
	cfg, err := cfg.withDefaults()
	if err != nil {
		return res, err
	}
	ports := cfg.Flows
	if ports > maxListenerPorts {
		ports = maxListenerPorts
	}

	res.Before, err = i.Capture(ctx)
	if err != nil {
		return res, fmt.Errorf("capture before: %w", err)
	}

	listeners := probe.NewHandle(cfg.Dst,
		fmt.Sprintf("for p in $(seq %d %d); do nc -u -l -p $p > /dev/null 2>&1 & done", cfg.BasePort, cfg.BasePort+ports-1),
		probe.KillCommand("nc -u -l -p"))
	senders := probe.NewHandle(cfg.Src, "true", probe.KillCommand("nc -u -w 0 "+cfg.DstAddr))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
		defer cancel()
		for _, h := range []*probe.Handle{senders, listeners} {
			if err := h.Stop(stopCtx); err != nil {
				i.deps.Logger.Printf("flow stress %s: %v", i.sw, err)
			}
		}
	}()

	if err := listeners.Start(ctx); err != nil {
		return res, fmt.Errorf("start listeners: %w", err)
	}
	if !sleepCtx(ctx, cfg.Settle) {
		return res, ctx.Err()
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	for n := 0; n < cfg.Flows; n++ {
		if err := limiter.Wait(ctx); err != nil {
			return res, err
		}
		port := cfg.BasePort + n%maxListenerPorts
		cmd := fmt.Sprintf("echo flow_%d | nc -u -w 0 %s %d > /dev/null 2>&1 &", n, cfg.DstAddr, port)
		if _, err := cfg.Src.Exec(ctx, cmd); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			i.deps.Logger.Printf("flow stress %s: flow %d: %v", i.sw, n, err)
			continue
		}
		res.Sent++
	}
	if !sleepCtx(ctx, cfg.Populate) {
		return res, ctx.Err()
	}

	res.After, err = i.Capture(ctx)
	if err != nil {
		return res, fmt.Errorf("capture after: %w", err)
	}
	res.Growth = res.After.Entries - res.Before.Entries
	return res, nil
}
