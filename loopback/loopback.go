// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package loopback simulates a pair of half-duplex packet radios sharing one channel.
//
// Time is virtual: nothing happens until Step or Run is called, and every event is delivered
// synchronously to the handler attached to the receiving port. This makes two-device protocol
// runs fully deterministic. A Net is not safe for concurrent use; handlers may call back into
// the ports while they run.
package loopback

import (
	"errors"
	"fmt"
	"time"

	"github.com/tve/pertest/pert"
)

// Verdict tells the channel what to do with a frame in flight.
type Verdict int

const (
	Deliver Verdict = iota // frame arrives intact
	Drop                   // frame is lost
	Corrupt                // receiver gets a receive error
)

func (v Verdict) String() string {
	switch v {
	case Deliver:
		return "deliver"
	case Drop:
		return "drop"
	case Corrupt:
		return "corrupt"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Filter decides the fate of a frame transmitted by the port named from.
type Filter func(from string, frame []byte) Verdict

// Options configures a Net.
type Options struct {
	Airtime time.Duration  // time on air of every frame, 1ms if zero
	AtoB    pert.Sample    // signal seen by B for frames sent by A
	BtoA    pert.Sample    // signal seen by A for frames sent by B
	Filter  Filter         // nil delivers everything
	Logger  pert.LogPrintf // function to use for logging, nil disables logging
}

// ErrBusy is returned by Send while the port is still transmitting.
var ErrBusy = errors.New("loopback: transmitter busy")

// Net is the shared channel with its two ports.
type Net struct {
	now     time.Duration
	airtime time.Duration
	filter  Filter
	log     pert.LogPrintf
	ports   [2]*Port
}

// Port is one radio attached to the channel, it implements pert.Transport.
type Port struct {
	net    *Net
	name   string
	peer   *Port
	sample pert.Sample // signal attached to frames this port receives
	sink   func(pert.Event)

	listening bool
	deadline  time.Duration // 0 when the listen has no window
	txFrame   []byte
	txEnd     time.Duration
	sent      int
	received  int
}

// New returns a channel with two idle ports.
func New(opts Options) *Net {
	n := &Net{
		airtime: opts.Airtime,
		filter:  opts.Filter,
		log:     func(format string, v ...interface{}) {},
	}
	if n.airtime <= 0 {
		n.airtime = time.Millisecond
	}
	if opts.Logger != nil {
		n.log = func(format string, v ...interface{}) {
			opts.Logger("loopback: "+format, v...)
		}
	}
	a := &Port{net: n, name: "A", sample: opts.BtoA}
	b := &Port{net: n, name: "B", sample: opts.AtoB}
	a.peer, b.peer = b, a
	n.ports = [2]*Port{a, b}
	return n
}

// A returns the first port.
func (n *Net) A() *Port { return n.ports[0] }

// B returns the second port.
func (n *Net) B() *Port { return n.ports[1] }

// Now returns the virtual time elapsed since New.
func (n *Net) Now() time.Duration { return n.now }

// Step advances the clock to the next transmit completion or receive deadline and delivers the
// resulting events. Transmit completions win ties, and port A goes before port B. It returns
// false when nothing is pending.
func (n *Net) Step() bool {
	var next *Port
	var at time.Duration
	tx := false
	for _, p := range n.ports {
		if p.txFrame != nil && (next == nil || !tx || p.txEnd < at) {
			next, at, tx = p, p.txEnd, true
		}
	}
	for _, p := range n.ports {
		if p.listening && p.deadline > 0 && (next == nil || p.deadline < at) {
			next, at, tx = p, p.deadline, false
		}
	}
	if next == nil {
		return false
	}
	n.now = at
	if tx {
		n.complete(next)
	} else {
		next.listening, next.deadline = false, 0
		n.log("%s rx timeout at %s", next.name, n.now)
		next.emit(pert.Event{Kind: pert.ReceiveTimeout})
	}
	return true
}

// Run steps until nothing is pending or max steps were taken, it returns the number of steps.
func (n *Net) Run(max int) int {
	steps := 0
	for steps < max && n.Step() {
		steps++
	}
	return steps
}

// complete finishes the transmission of p. The sender sees its completion before the peer
// sees the frame.
func (n *Net) complete(p *Port) {
	frame := p.txFrame
	p.txFrame = nil
	p.sent++

	verdict := Deliver
	if n.filter != nil {
		verdict = n.filter(p.name, frame)
	}
	n.log("%s tx %q at %s: %s", p.name, frame, n.now, verdict)
	p.emit(pert.Event{Kind: pert.TransmitComplete})

	q := p.peer
	if !q.listening || q.txFrame != nil || verdict == Drop {
		return
	}
	q.listening, q.deadline = false, 0
	if verdict == Corrupt {
		q.emit(pert.Event{Kind: pert.ReceiveError})
		return
	}
	q.received++
	q.emit(pert.Event{Kind: pert.FrameReceived, Frame: frame, Sample: q.sample})
}

// Attach sets the handler that receives the events of this port.
func (p *Port) Attach(sink func(pert.Event)) { p.sink = sink }

// Name returns "A" or "B".
func (p *Port) Name() string { return p.name }

// Sent returns the number of frames this port finished transmitting.
func (p *Port) Sent() int { return p.sent }

// Received returns the number of intact frames delivered to this port.
func (p *Port) Received() int { return p.received }

// Listening returns true while the port receives.
func (p *Port) Listening() bool { return p.listening }

// Send starts transmitting a copy of frame, receiving stops.
func (p *Port) Send(frame []byte) error {
	if p.txFrame != nil {
		return ErrBusy
	}
	if len(frame) == 0 {
		return fmt.Errorf("loopback: empty frame")
	}
	p.listening, p.deadline = false, 0
	p.txFrame = append([]byte(nil), frame...)
	p.txEnd = p.net.now + p.net.airtime
	return nil
}

// Listen starts receiving, a positive timeout arms a receive deadline. An ongoing
// transmission is abandoned.
func (p *Port) Listen(timeout time.Duration) error {
	p.txFrame = nil
	p.listening = true
	p.deadline = 0
	if timeout > 0 {
		p.deadline = p.net.now + timeout
	}
	return nil
}

// Idle stops the port.
func (p *Port) Idle() error {
	p.txFrame = nil
	p.listening, p.deadline = false, 0
	return nil
}

func (p *Port) emit(ev pert.Event) {
	if p.sink != nil {
		p.sink(ev)
	}
}
