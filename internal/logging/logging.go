package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// RunLogName is the file every run logs to inside its run directory.
const RunLogName = "harness.log"

const prefix = "sdnharness "

func New() *log.Logger {
	return NewWithWriter(os.Stdout)
}

func NewWithWriter(w io.Writer) *log.Logger {
	return log.New(w, prefix, log.LstdFlags|log.LUTC)
}

// NewRunLogger logs to stdout and to RunLogName under runDir. The returned
// function closes the file.
func NewRunLogger(runDir string) (*log.Logger, func() error, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("ensure run dir %q: %w", runDir, err)
	}
	f, err := os.OpenFile(filepath.Join(runDir, RunLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open run log: %w", err)
	}
	return NewWithWriter(io.MultiWriter(os.Stdout, f)), f.Close, nil
}
