// Copyright (c) 2020 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

package reactor

import "testing"

func TestHandlerFuncs(t *testing.T) {
	var readFd, writeFd, excFd int
	h := NewHandler(
		func(fd int) { readFd = fd },
		func(fd int) { writeFd = fd },
		func(fd int) { excFd = fd },
	)
	h.OnRead(1)
	h.OnWrite(2)
	h.OnException(3)
	if readFd != 1 || writeFd != 2 || excFd != 3 {
		t.Errorf("got (%d,%d,%d), want (1,2,3)", readFd, writeFd, excFd)
	}
}

func TestHandlerFuncsNilCallbacks(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	// None of these should panic.
	h.OnRead(1)
	h.OnWrite(1)
	h.OnException(1)
}
