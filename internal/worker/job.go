package worker

import (
	"time"

	"github.com/pingsantohq/sdnharness/internal/probe"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

type Job struct {
	ID     string
	Driver probe.Driver
}

type Result struct {
	Job      Job
	Series   *types.Series
	Started  time.Time
	Finished time.Time
}
