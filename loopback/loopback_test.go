// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package loopback_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tve/pertest/loopback"
	"github.com/tve/pertest/pert"
)

var timeouts = pert.Timeouts{Throughput: 100 * time.Millisecond, Signal: 100 * time.Millisecond}

type peer struct {
	m       *pert.Machine
	reports []pert.Report
}

// pair wires two machines to the ports of a fresh channel.
func pair(t *testing.T, opts loopback.Options) (*loopback.Net, *peer, *peer) {
	if opts.Airtime == 0 {
		opts.Airtime = 10 * time.Millisecond
	}
	opts.Logger = t.Logf
	net := loopback.New(opts)
	mk := func(p *loopback.Port, seed int64) *peer {
		pr := &peer{}
		pr.m = pert.NewMachine(p, pert.Options{
			Timeouts: timeouts,
			Logger:   t.Logf,
			Rand:     rand.New(rand.NewSource(seed)),
			OnReport: func(r pert.Report) { pr.reports = append(pr.reports, r) },
		})
		p.Attach(pr.m.Handle)
		pr.m.Standby()
		return pr
	}
	return net, mk(net.A(), 1), mk(net.B(), 2)
}

func TestThroughputRun(t *testing.T) {
	net, a, b := pair(t, loopback.Options{
		AtoB: pert.Sample{Rssi: -71, Snr: 6},
		BtoA: pert.Sample{Rssi: -65, Snr: 9},
	})
	require.NoError(t, a.m.Start(pert.Throughput, 5))
	net.Run(1000)

	require.Len(t, a.reports, 1)
	r := a.reports[0]
	assert.Equal(t, pert.ThroughputRequester, r.Mode)
	assert.Equal(t, pert.Completed, r.Outcome)
	assert.EqualValues(t, 5, r.Progress)
	assert.EqualValues(t, 5, r.Stats.Count())
	avg, err := r.Average()
	require.NoError(t, err)
	assert.Equal(t, pert.Average{Rssi: -65, Snr: 9}, avg)

	require.Len(t, b.reports, 1)
	assert.Equal(t, pert.ThroughputResponder, b.reports[0].Mode)
	assert.Equal(t, r.Token, b.reports[0].Token)
	assert.Equal(t, 5, net.B().Sent())

	assert.Equal(t, pert.Idle, a.m.Session().Mode)
	assert.Equal(t, pert.Idle, b.m.Session().Mode)
	assert.True(t, net.A().Listening())
	assert.True(t, net.B().Listening())
}

func TestSignalRun(t *testing.T) {
	net, a, b := pair(t, loopback.Options{AtoB: pert.Sample{Rssi: -90, Snr: -3}})
	var bEvents []pert.EventKind
	net.B().Attach(func(ev pert.Event) {
		bEvents = append(bEvents, ev.Kind)
		b.m.Handle(ev)
	})
	require.NoError(t, a.m.Start(pert.Signal, 10))
	net.Run(1000)

	// Ten requests, the responder's silent window, then the summary.
	require.Len(t, bEvents, 12)
	assert.Equal(t, []pert.EventKind{pert.ReceiveTimeout, pert.TransmitComplete}, bEvents[10:])
	assert.Equal(t, 11*10*time.Millisecond+timeouts.Signal, net.Now())

	require.Len(t, b.reports, 1)
	rb := b.reports[0]
	assert.Equal(t, pert.SignalResponder, rb.Mode)
	assert.EqualValues(t, 10, rb.Progress)
	avg, err := rb.Average()
	require.NoError(t, err)
	assert.Equal(t, pert.Average{Rssi: -90, Snr: -3}, avg)

	require.Len(t, a.reports, 1)
	ra := a.reports[0]
	assert.Equal(t, pert.SignalRequester, ra.Mode)
	assert.Equal(t, pert.Completed, ra.Outcome)
	assert.EqualValues(t, 10, ra.Progress)
	assert.Zero(t, ra.Loss())
	assert.Equal(t, 11, net.A().Sent()+net.B().Sent())
}

func TestSignalRunLastRequestLost(t *testing.T) {
	net, a, b := pair(t, loopback.Options{
		Filter: func(from string, frame []byte) loopback.Verdict {
			if m, err := pert.Decode(frame); err == nil && m.Kind == pert.SignalRequest && m.Index == 9 {
				return loopback.Drop
			}
			return loopback.Deliver
		},
	})
	require.NoError(t, a.m.Start(pert.Signal, 10))
	net.Run(1000)

	require.Len(t, b.reports, 1)
	assert.EqualValues(t, 9, b.reports[0].Progress)
	require.Len(t, a.reports, 1)
	assert.Equal(t, pert.Completed, a.reports[0].Outcome)
	assert.EqualValues(t, 9, a.reports[0].Progress)
	assert.InDelta(t, 0.1, a.reports[0].Loss(), 1e-9)
}

func TestThroughputLossyChannel(t *testing.T) {
	net, a, _ := pair(t, loopback.Options{
		Filter: func(from string, frame []byte) loopback.Verdict {
			m, err := pert.Decode(frame)
			if err != nil || m.Kind != pert.ThroughputResponse {
				return loopback.Deliver
			}
			switch m.Index {
			case 1:
				return loopback.Drop
			case 2:
				return loopback.Corrupt
			}
			return loopback.Deliver
		},
	})
	require.NoError(t, a.m.Start(pert.Throughput, 5))
	net.Run(1000)

	require.Len(t, a.reports, 1)
	r := a.reports[0]
	// The last response ends the run even though two went missing.
	assert.Equal(t, pert.Completed, r.Outcome)
	assert.EqualValues(t, 3, r.Progress)
	assert.Equal(t, 3, net.A().Received())
}

func TestNoPeer(t *testing.T) {
	net, a, b := pair(t, loopback.Options{
		Filter: func(string, []byte) loopback.Verdict { return loopback.Drop },
	})
	require.NoError(t, a.m.Start(pert.Throughput, 5))
	net.Run(1000)

	require.Len(t, a.reports, 1)
	r := a.reports[0]
	assert.Equal(t, pert.TimedOut, r.Outcome)
	assert.EqualValues(t, 0, r.Progress)
	_, err := r.Average()
	assert.True(t, errors.Is(err, pert.ErrNoSamples))
	assert.Empty(t, b.reports)
	assert.Equal(t, 10*time.Millisecond+timeouts.Throughput, net.Now())
}

func TestStepOrdering(t *testing.T) {
	net := loopback.New(loopback.Options{Airtime: 5 * time.Millisecond})
	var got []string
	record := func(name string) func(pert.Event) {
		return func(ev pert.Event) { got = append(got, name+":"+ev.Kind.String()) }
	}
	net.A().Attach(record("A"))
	net.B().Attach(record("B"))

	require.NoError(t, net.B().Listen(pert.Indefinite))
	require.NoError(t, net.A().Send([]byte("x")))
	assert.Equal(t, loopback.ErrBusy, net.A().Send([]byte("y")))
	require.True(t, net.Step())
	assert.Equal(t, []string{"A:tx-done", "B:rx"}, got)
	assert.False(t, net.B().Listening(), "a received frame ends the listen")

	// A deadline falling on a transmit completion comes second.
	got = nil
	require.NoError(t, net.A().Listen(5*time.Millisecond))
	require.NoError(t, net.B().Send([]byte("z")))
	require.True(t, net.Step())
	require.False(t, net.Step())
	assert.Equal(t, []string{"B:tx-done", "A:rx"}, got)

	assert.False(t, net.Step())
	assert.Equal(t, 0, net.Run(10))
}
