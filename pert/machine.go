// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package pert

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Options configures a Machine.
type Options struct {
	Timeouts Timeouts     // listening windows, DefaultTimeouts if zero
	Logger   LogPrintf    // function to use for logging, nil disables logging
	OnReport func(Report) // called on the dispatch goroutine whenever a run finishes
	Rand     *rand.Rand   // token source, seeded from the clock if nil
}

// command is a start or abort request latched for the dispatch loop.
type command struct {
	abort bool
	test  Test
	count int
}

// Machine runs the test protocol for one device. It owns the Session and is the only code
// that mutates it.
//
// Post, RequestStart and RequestAbort may be called from any goroutine. Start, Abort, Handle
// and Standby must only be called from the goroutine that owns the machine, which is the one
// calling Run when Run is used.
type Machine struct {
	tr       Transport
	timeouts Timeouts
	log      LogPrintf
	onReport func(Report)
	rng      *rand.Rand
	sess     Session
	armed    time.Duration // receive window passed to the most recent Listen
	events   *latch[Event]
	cmds     *latch[command]
}

// NewMachine returns an idle machine driving tr.
func NewMachine(tr Transport, opts Options) *Machine {
	m := &Machine{
		tr:       tr,
		timeouts: opts.Timeouts,
		log:      func(format string, v ...interface{}) {},
		onReport: opts.OnReport,
		rng:      opts.Rand,
		events:   newLatch[Event](),
		cmds:     newLatch[command](),
	}
	if m.timeouts == (Timeouts{}) {
		m.timeouts = DefaultTimeouts
	}
	if opts.Logger != nil {
		m.log = func(format string, v ...interface{}) {
			opts.Logger("pert: "+format, v...)
		}
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return m
}

// Session returns a copy of the current session.
func (m *Machine) Session() Session { return m.sess }

// Armed returns the receive window of the most recent Listen.
func (m *Machine) Armed() time.Duration { return m.armed }

// Dropped returns the number of events that were replaced before the dispatcher claimed them.
func (m *Machine) Dropped() uint64 { return m.events.dropped() }

//===== Asynchronous inputs

// Post latches a radio event for the dispatch loop. It is meant to be called from the radio's
// interrupt handling and never runs any protocol logic itself.
func (m *Machine) Post(ev Event) {
	if ev.Frame != nil {
		ev.Frame = append([]byte(nil), ev.Frame...)
	}
	if m.events.put(ev) {
		m.log("%s replaced an unclaimed event", ev.Kind)
	}
}

// RequestStart asks the dispatch loop to start a run.
func (m *Machine) RequestStart(test Test, count int) error {
	if err := checkCount(count); err != nil {
		return err
	}
	m.cmds.put(command{test: test, count: count})
	return nil
}

// RequestAbort asks the dispatch loop to abandon the current run.
func (m *Machine) RequestAbort() { m.cmds.put(command{abort: true}) }

// Run arms an indefinite listen and then dispatches latched inputs, one per iteration, until
// the context is done. A pending radio event is always handled before a pending command.
func (m *Machine) Run(ctx context.Context) error {
	m.Standby()
	for {
		if ev, ok := m.events.claim(); ok {
			m.Handle(ev)
			continue
		}
		if c, ok := m.cmds.claim(); ok {
			m.execute(c)
			continue
		}
		select {
		case <-ctx.Done():
			m.idle()
			return ctx.Err()
		case <-m.events.ready:
		case <-m.cmds.ready:
		}
	}
}

func (m *Machine) execute(c command) {
	if c.abort {
		m.Abort()
		return
	}
	if err := m.Start(c.test, c.count); err != nil {
		m.log("start failed: %s", err)
	}
}

//===== Synchronous inputs

// Standby returns the radio to an indefinite listen without touching the session.
func (m *Machine) Standby() { m.listen(Indefinite) }

// Start begins a new run as requester, abandoning any run in progress.
func (m *Machine) Start(test Test, count int) error {
	if err := checkCount(count); err != nil {
		return err
	}
	m.idle()
	if m.sess.Mode != Idle {
		m.log("abandoning %s run %s at %d/%d", m.sess.Mode, m.sess.Token, m.sess.Progress, m.sess.Target)
	}
	token := m.rotate()
	n := uint16(count)
	switch test {
	case Throughput:
		m.sess.begin(ThroughputRequester, token, n)
		m.log("%s %s: requesting %d packets", ThroughputRequest, token, n)
		m.sendOrWait(Message{Kind: ThroughputRequest, Token: token, Count: n})
	case Signal:
		m.sess.begin(SignalRequester, token, n)
		m.log("%s %s: sending %d packets", SignalRequest, token, n)
		m.sendSignalRequest()
	default:
		m.sess = Session{Token: m.sess.Token}
		m.Standby()
		return fmt.Errorf("pert: cannot start %s", test)
	}
	return nil
}

// Abort abandons the current run without a report and returns to an indefinite listen.
func (m *Machine) Abort() {
	m.idle()
	if m.sess.Mode != Idle {
		m.log("aborting %s run %s at %d/%d", m.sess.Mode, m.sess.Token, m.sess.Progress, m.sess.Target)
	}
	m.sess = Session{Token: m.sess.Token}
	m.Standby()
}

// Handle executes the transition for one radio event.
func (m *Machine) Handle(ev Event) {
	m.idle()
	switch ev.Kind {
	case FrameReceived:
		m.receive(ev.Frame, ev.Sample)
	case TransmitComplete:
		m.transmitted()
	case TransmitTimeout:
		m.log("transmit timeout in %s", m.sess.Mode)
		if m.sess.Mode == SignalResponder {
			// The summary never left the radio.
			m.finish(TimedOut)
			return
		}
		m.transmitted()
	case ReceiveTimeout:
		m.expired()
	case ReceiveError:
		// The damaged frame is gone, resume the window that was armed before it.
		m.log("receive error in %s, frame dropped", m.sess.Mode)
		m.listen(m.armed)
	default:
		m.log("ignoring %s", ev.Kind)
		m.listen(m.armed)
	}
}

//===== Transitions

func (m *Machine) receive(frame []byte, sample Sample) {
	msg, err := Decode(frame)
	if err != nil {
		m.log("dropping frame: %s", err)
		m.listen(m.armed)
		return
	}
	switch msg.Kind {
	case ThroughputRequest:
		m.throughputRequest(msg, sample)
	case ThroughputResponse:
		m.throughputResponse(msg, sample)
	case SignalRequest:
		m.signalRequest(msg, sample)
	case SignalResponse:
		m.signalResponse(msg, sample)
	}
}

func (m *Machine) throughputRequest(msg Message, sample Sample) {
	if m.sess.Mode != Idle {
		m.log("abandoning %s run %s for %s %s", m.sess.Mode, m.sess.Token, msg.Kind, msg.Token)
	}
	m.sess.begin(ThroughputResponder, msg.Token, msg.Count)
	m.sess.Stats.Add(sample)
	m.log("%s %s: %d packets (RSSI:%d, SNR:%d)", msg.Kind, msg.Token, msg.Count, sample.Rssi, sample.Snr)
	m.sendThroughputResponse()
}

func (m *Machine) throughputResponse(msg Message, sample Sample) {
	if m.sess.Mode != ThroughputRequester || msg.Token != m.sess.Token {
		m.unexpected(msg)
		return
	}
	m.sess.Stats.Add(sample)
	m.sess.Progress++
	if msg.Count != m.sess.Target {
		m.log("%s %s echoes count %d, agreed %d", msg.Kind, msg.Token, msg.Count, m.sess.Target)
	}
	// The responder numbers its packets 0..target-1, so index target-1 ends the burst.
	if int(msg.Index)+1 >= int(m.sess.Target) {
		m.finish(Completed)
		return
	}
	m.listen(m.timeouts.Throughput)
}

func (m *Machine) signalRequest(msg Message, sample Sample) {
	if m.sess.Mode != SignalResponder || msg.Token != m.sess.Token {
		if m.sess.Mode != Idle {
			m.log("rebinding %s run %s to %s", m.sess.Mode, m.sess.Token, msg.Token)
		}
		m.sess.begin(SignalResponder, msg.Token, msg.Count)
	}
	m.sess.Stats.Add(sample)
	m.sess.Progress++
	m.sess.Target = msg.Count
	// The summary goes out once the window expires, even after the last index, so the
	// requester has switched to receive by then.
	m.listen(m.timeouts.Signal)
}

func (m *Machine) signalResponse(msg Message, sample Sample) {
	if m.sess.Mode != SignalRequester || msg.Token != m.sess.Token {
		m.unexpected(msg)
		return
	}
	m.sess.Progress = msg.Count
	m.sess.Stats.Add(sample)
	m.finish(Completed)
}

func (m *Machine) transmitted() {
	switch m.sess.Mode {
	case ThroughputRequester:
		m.listen(m.timeouts.Throughput)
	case ThroughputResponder:
		if m.sess.Done() {
			m.finish(Completed)
		} else {
			m.sendThroughputResponse()
		}
	case SignalRequester:
		if m.sess.Done() {
			m.listen(m.timeouts.Summary())
		} else {
			m.sendSignalRequest()
		}
	case SignalResponder:
		// Only the summary is ever transmitted by a signal responder.
		m.finish(Completed)
	default:
		m.Standby()
	}
}

func (m *Machine) expired() {
	switch m.sess.Mode {
	case ThroughputRequester:
		// Silence after the burst is the normal end of a throughput run.
		m.finish(TimedOut)
	case SignalResponder:
		m.sendSummary()
	case SignalRequester:
		m.log("%s %s: no summary received", SignalResponse, m.sess.Token)
		m.sess.Progress = 0
		m.finish(TimedOut)
	case ThroughputResponder:
		m.finish(TimedOut)
	default:
		m.Standby()
	}
}

func (m *Machine) unexpected(msg Message) {
	m.log("%s: %s %s in %s %s", ErrUnexpected, msg.Kind, msg.Token, m.sess.Mode, m.sess.Token)
	m.listen(m.armed)
}

//===== Actions

func (m *Machine) sendThroughputResponse() {
	idx := m.sess.Progress
	m.sess.Progress++
	m.sendOrWait(Message{Kind: ThroughputResponse, Token: m.sess.Token, Index: idx, Count: m.sess.Target})
}

func (m *Machine) sendSignalRequest() {
	idx := m.sess.Progress
	m.sess.Progress++
	m.sendOrWait(Message{Kind: SignalRequest, Token: m.sess.Token, Index: idx, Count: m.sess.Target})
}

func (m *Machine) sendSummary() {
	if avg, err := m.sess.Stats.Average(); err == nil {
		m.log("%s %s: %d/%d %s", SignalResponse, m.sess.Token, m.sess.Progress, m.sess.Target, avg)
	}
	msg := Message{Kind: SignalResponse, Token: m.sess.Token, Count: m.sess.Progress}
	if err := m.send(msg); err != nil {
		m.log("%s", err)
		m.finish(TimedOut)
	}
}

// sendOrWait transmits msg, if the transport refuses it the window of the current mode is
// armed so the run ends through the timeout path.
func (m *Machine) sendOrWait(msg Message) {
	if err := m.send(msg); err != nil {
		m.log("%s", err)
		m.listen(m.timeouts.Window(m.sess.Mode))
	}
}

func (m *Machine) send(msg Message) error {
	buf, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := m.tr.Send(buf); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrTransport, msg.Kind, err)
	}
	return nil
}

func (m *Machine) finish(o Outcome) {
	r := Report{
		Mode:     m.sess.Mode,
		Token:    m.sess.Token,
		Progress: m.sess.Progress,
		Target:   m.sess.Target,
		Stats:    m.sess.Stats,
		Outcome:  o,
	}
	m.sess = Session{Token: m.sess.Token}
	m.log("%s", r)
	m.Standby()
	if m.onReport != nil {
		m.onReport(r)
	}
}

func (m *Machine) listen(d time.Duration) {
	m.armed = d
	if err := m.tr.Listen(d); err != nil {
		m.log("%s: listen: %v", ErrTransport, err)
	}
}

func (m *Machine) idle() {
	if err := m.tr.Idle(); err != nil {
		m.log("%s: idle: %v", ErrTransport, err)
	}
}

// rotate returns a fresh token that differs from the one of the previous run.
func (m *Machine) rotate() Token {
	for {
		if t := NewToken(m.rng); t != m.sess.Token {
			return t
		}
	}
}

func checkCount(count int) error {
	if count < 1 || count > MaxCount {
		return fmt.Errorf("%w: %d", ErrCount, count)
	}
	return nil
}
