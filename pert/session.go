// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package pert

import "fmt"

// Mode is the role a device plays in the current run.
type Mode int

const (
	Idle                Mode = iota // no run in progress, listening indefinitely
	ThroughputRequester             // sent a throughput request, counting responses
	ThroughputResponder             // sending a burst of throughput responses
	SignalRequester                 // sending a burst of signal requests
	SignalResponder                 // sampling signal requests, owes a summary
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "Idle"
	case ThroughputRequester:
		return "ThroughputRequester"
	case ThroughputResponder:
		return "ThroughputResponder"
	case SignalRequester:
		return "SignalRequester"
	case SignalResponder:
		return "SignalResponder"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Requester returns true for the modes of the device that started the run.
func (m Mode) Requester() bool { return m == ThroughputRequester || m == SignalRequester }

// Test is the kind of test run.
type Test int

const (
	Throughput Test = iota // responder bursts, requester counts
	Signal                 // requester bursts, responder counts and samples
)

func (t Test) String() string {
	switch t {
	case Throughput:
		return "throughput"
	case Signal:
		return "signal"
	}
	return fmt.Sprintf("Test(%d)", int(t))
}

// ParseTest converts "throughput" or "signal" into a Test.
func ParseTest(s string) (Test, error) {
	switch s {
	case "throughput", "trp":
		return Throughput, nil
	case "signal", "tis":
		return Signal, nil
	}
	return 0, fmt.Errorf("pert: unknown test %q", s)
}

// Test returns the kind of test a mode belongs to. Idle maps to Throughput.
func (m Mode) Test() Test {
	if m == SignalRequester || m == SignalResponder {
		return Signal
	}
	return Throughput
}

// Session is the state of the current test run. There is exactly one per device.
type Session struct {
	Mode     Mode
	Token    Token
	Progress uint16 // packets sent or received so far
	Target   uint16 // agreed total packet count
	Stats    Stats  // signal samples of received packets
}

// begin starts a new run, all counters and sums of the previous run are discarded.
func (s *Session) begin(mode Mode, token Token, target uint16) {
	*s = Session{Mode: mode, Token: token, Target: target}
}

// Done returns true once the agreed number of packets has been sent or received.
func (s *Session) Done() bool { return s.Progress >= s.Target }

// Outcome says how a run ended.
type Outcome int

const (
	Completed Outcome = iota // the last packet or the summary was seen
	TimedOut                 // a listening window expired first
)

func (o Outcome) String() string {
	if o == TimedOut {
		return "timed-out"
	}
	return "completed"
}

// Report is the result of a finished run as seen by one side.
type Report struct {
	Mode     Mode // role that finished
	Token    Token
	Progress uint16 // packets counted (requester: received responses or confirmed deliveries)
	Target   uint16
	Stats    Stats
	Outcome  Outcome
}

// Average returns the mean signal of the packets this side received.
func (r Report) Average() (Average, error) { return r.Stats.Average() }

// Loss returns the fraction of packets of the run that were not counted.
func (r Report) Loss() float64 {
	if r.Target == 0 || r.Progress >= r.Target {
		return 0
	}
	return 1 - float64(r.Progress)/float64(r.Target)
}

func (r Report) String() string {
	avg := "no samples"
	if a, err := r.Average(); err == nil {
		avg = a.String()
	}
	return fmt.Sprintf("%s %s %s: %d/%d (%s)", r.Mode, r.Token, r.Outcome, r.Progress, r.Target, avg)
}
