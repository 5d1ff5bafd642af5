// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package pert

import "errors"

var (
	// ErrMalformed is returned by Decode for frames that cannot be decoded.
	ErrMalformed = errors.New("pert: malformed message")
	// ErrUnexpected marks a valid message that does not fit the current mode.
	ErrUnexpected = errors.New("pert: unexpected message")
	// ErrNoSamples is returned when an average is requested over zero samples.
	ErrNoSamples = errors.New("pert: no samples")
	// ErrTransport wraps failures reported by the radio transport.
	ErrTransport = errors.New("pert: transport failure")
	// ErrCount is returned for packet counts outside 1..MaxCount.
	ErrCount = errors.New("pert: packet count out of range")
)
