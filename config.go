// Copyright (c) 2020 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

package reactor

// Config carries the acceptor/loop tunables this package exposes. There is
// no flag or environment parsing here: CLI argument parsing is an external
// collaborator, not part of this engine.
type Config struct {
	// Backlog is the listen() backlog for the acceptor's listening socket.
	Backlog int
	// BufferSize is the per-connection receive buffer chunk size, in bytes.
	BufferSize int
	// MaxEvents bounds how many readiness records a single backend Wait
	// call returns at once.
	MaxEvents int
	// SharedBuffers, when true, draws the receive chunk each OnRead call
	// reads into from a github.com/hslam/buffer pool keyed by BufferSize
	// instead of allocating a fresh one per call.
	SharedBuffers bool
}

// DefaultConfig returns the tunables this package uses when the caller
// passes a zero Config.
func DefaultConfig() Config {
	return Config{
		Backlog:    5,
		BufferSize: 4096,
		MaxEvents:  1024,
	}
}

func (c Config) withDefaults() Config {
	if c.Backlog <= 0 {
		c.Backlog = 5
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 1024
	}
	return c
}
