// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package pert

import "time"

// Indefinite is the listen timeout that disables the receive window.
const Indefinite time.Duration = 0

// Timeouts holds the listening windows armed while a run is outstanding.
type Timeouts struct {
	Throughput time.Duration // gap between throughput responses that ends a burst
	Signal     time.Duration // gap between signal requests that ends a burst
}

// DefaultTimeouts are 100ms windows for both tests.
var DefaultTimeouts = Timeouts{Throughput: 100 * time.Millisecond, Signal: 100 * time.Millisecond}

// Window returns the receive window to arm while in mode m.
func (t Timeouts) Window(m Mode) time.Duration {
	switch m {
	case ThroughputRequester, ThroughputResponder:
		return t.Throughput
	case SignalRequester, SignalResponder:
		return t.Signal
	}
	return Indefinite
}

// Summary returns the window a signal requester waits for the summary after its last request.
// It covers the responder's own signal window plus the summary's time on air.
func (t Timeouts) Summary() time.Duration { return 2 * t.Signal }
