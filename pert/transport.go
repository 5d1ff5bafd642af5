// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package pert

import (
	"fmt"
	"time"
)

// Transport is the packet radio the machine drives. All methods return quickly, completion is
// signalled by posting an Event to the machine.
type Transport interface {
	// Send starts transmitting a frame, it ends with TransmitComplete or TransmitTimeout.
	Send(frame []byte) error
	// Listen starts receiving, it ends with FrameReceived, ReceiveError, or, unless timeout
	// is Indefinite, ReceiveTimeout.
	Listen(timeout time.Duration) error
	// Idle stops receiving and transmitting.
	Idle() error
}

// EventKind enumerates the radio events.
type EventKind int

const (
	FrameReceived EventKind = iota
	TransmitComplete
	TransmitTimeout
	ReceiveTimeout
	ReceiveError
)

func (k EventKind) String() string {
	switch k {
	case FrameReceived:
		return "rx"
	case TransmitComplete:
		return "tx-done"
	case TransmitTimeout:
		return "tx-timeout"
	case ReceiveTimeout:
		return "rx-timeout"
	case ReceiveError:
		return "rx-error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a radio event. Frame and Sample are only set for FrameReceived.
type Event struct {
	Kind   EventKind
	Frame  []byte
	Sample Sample
}

// LogPrintf is a function used to print logging info.
type LogPrintf func(format string, v ...interface{})
