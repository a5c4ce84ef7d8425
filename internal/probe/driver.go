package probe

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/pingsantohq/sdnharness/internal/metrics"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

// Driver produces one series. Run never fails: tool and parse failures
// degrade into lost or missing samples.
type Driver interface {
	Spec() Spec
	Run(ctx context.Context) *types.Series
}

// Dependencies holds optional collaborators shared by all drivers.
type Dependencies struct {
	Logger  *log.Logger
	Metrics metrics.ProbeRecorder
	Now     func() time.Time
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopProbeRecorder{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
