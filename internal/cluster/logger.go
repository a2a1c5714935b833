package cluster

import (
	"io"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger returns the hclog.Logger handed to Raft. Raft is chatty, so
// it is silenced unless an output is configured.
func newRaftLogger(out io.Writer, verbose bool) hclog.Logger {
	if out == nil {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "raft",
			Level:  hclog.Off,
			Output: io.Discard,
		})
	}

	level := hclog.Warn
	if verbose {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  level,
		Output: out,
	})
}
