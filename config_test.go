// Copyright (c) 2020 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux

package reactor

import "testing"

func TestNewEpollEventLoopSizesBackendFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEvents = 7
	loop, err := NewEpollEventLoop(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer loop.backend.Close()
	backend, ok := loop.backend.(*EpollBackend)
	if !ok {
		t.Fatalf("got backend type %T, want *EpollBackend", loop.backend)
	}
	if len(backend.events) != cfg.MaxEvents {
		t.Errorf("got events capacity %d, want %d", len(backend.events), cfg.MaxEvents)
	}
}
