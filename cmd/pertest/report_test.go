// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tve/pertest/config"
	"github.com/tve/pertest/pert"
	"github.com/tve/pertest/sx1276"
)

func TestParseStart(t *testing.T) {
	tests := map[string]struct {
		test  pert.Test
		count int
		ok    bool
	}{
		`{"test":"throughput","count":20}`: {pert.Throughput, 20, true},
		`{"test":"signal"}`:                {pert.Signal, 100, true},
		`{"test":"tis","count":9999}`:      {pert.Signal, 9999, true},
		`{"test":"signal","count":10000}`:  {0, 0, false},
		`{"test":"signal","count":-1}`:     {0, 0, false},
		`{"test":"ping"}`:                  {0, 0, false},
		`not json`:                         {0, 0, false},
	}
	for payload, exp := range tests {
		test, count, err := parseStart([]byte(payload), 100)
		if !exp.ok {
			assert.Error(t, err, payload)
			continue
		}
		require.NoError(t, err, payload)
		assert.Equal(t, exp.test, test, payload)
		assert.Equal(t, exp.count, count, payload)
	}
}

func TestReportPayload(t *testing.T) {
	at := time.Date(2016, 12, 1, 10, 0, 0, 0, time.UTC)
	r := pert.Report{
		Mode:     pert.SignalResponder,
		Token:    pert.Token{'a', 'b', 'c', 'd', 'e'},
		Progress: 3,
		Target:   4,
		Outcome:  pert.TimedOut,
	}
	r.Stats.Add(pert.Sample{Rssi: -80, Snr: 6})
	r.Stats.Add(pert.Sample{Rssi: -90, Snr: 8})

	p := newReportPayload("dev1", r, at)
	assert.Len(t, p.RunID, 36)
	assert.Equal(t, "signal", p.Test)
	assert.Equal(t, "SignalResponder", p.Mode)
	assert.Equal(t, "abcde", p.Token)
	assert.Equal(t, "timed-out", p.Outcome)
	assert.InDelta(t, 0.25, p.Loss, 1e-9)
	assert.EqualValues(t, 2, p.Samples)
	require.NotNil(t, p.Rssi)
	require.NotNil(t, p.Snr)
	assert.InDelta(t, -85.0, *p.Rssi, 1e-9)
	assert.InDelta(t, 7.0, *p.Snr, 1e-9)

	q := newReportPayload("dev1", r, at)
	assert.NotEqual(t, p.RunID, q.RunID, "every report gets its own id")
}

func TestReportPayloadNoSamples(t *testing.T) {
	r := pert.Report{Mode: pert.ThroughputRequester, Target: 5, Outcome: pert.TimedOut}
	data, err := json.Marshal(newReportPayload("dev1", r, time.Now()))
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.NotContains(t, m, "rssi")
	assert.NotContains(t, m, "snr")
	assert.Equal(t, "throughput", m["test"])
	assert.EqualValues(t, 1, m["loss"])
}

func TestRadioEvent(t *testing.T) {
	pkt := &sx1276.RxPacket{Payload: []byte("x"), Snr: 5, Rssi: -70}
	tests := []struct {
		in   sx1276.Event
		kind pert.EventKind
	}{
		{sx1276.Event{Kind: sx1276.TxDone}, pert.TransmitComplete},
		{sx1276.Event{Kind: sx1276.TxTimeout}, pert.TransmitTimeout},
		{sx1276.Event{Kind: sx1276.RxTimeout}, pert.ReceiveTimeout},
		{sx1276.Event{Kind: sx1276.RxError}, pert.ReceiveError},
		{sx1276.Event{Kind: sx1276.RxDone}, pert.ReceiveError},
		{sx1276.Event{Kind: sx1276.RxDone, Packet: pkt}, pert.FrameReceived},
	}
	for _, tc := range tests {
		ev, ok := radioEvent(tc.in)
		require.True(t, ok)
		assert.Equal(t, tc.kind, ev.Kind, "driver event %s", tc.in.Kind)
	}

	ev, _ := radioEvent(sx1276.Event{Kind: sx1276.RxDone, Packet: pkt})
	assert.Equal(t, []byte("x"), ev.Frame)
	assert.Equal(t, pert.Sample{Rssi: -70, Snr: 5}, ev.Sample)

	_, ok := radioEvent(sx1276.Event{Kind: sx1276.EventKind(42)})
	assert.False(t, ok)
}

func TestNewLogger(t *testing.T) {
	conf := config.Default().Log
	l, err := newLogger(conf)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())

	conf.Level = "DEBUG"
	conf.File = filepath.Join(t.TempDir(), "pertest.log")
	l, err = newLogger(conf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	lj, ok := l.Out.(*lumberjack.Logger)
	require.True(t, ok, "file output goes through lumberjack")
	assert.Equal(t, conf.File, lj.Filename)
	assert.Equal(t, 10, lj.MaxSize)

	conf.Level = "chatty"
	_, err = newLogger(conf)
	assert.Error(t, err)
}

func TestCommandErrorsKeepCause(t *testing.T) {
	_, _, err := parseStart([]byte("{"), 100)
	require.Error(t, err)
	var syntax *json.SyntaxError
	assert.True(t, errors.As(err, &syntax), "got %v", err)
	assert.Contains(t, err.Error(), "start command")

	err = (&mq{prefix: "pertest"}).Publish("report", make(chan int))
	require.Error(t, err)
	var unsupported *json.UnsupportedTypeError
	assert.True(t, errors.As(err, &unsupported), "got %v", err)
	assert.Contains(t, err.Error(), "report")
}

func TestDeviceName(t *testing.T) {
	l := logrus.New()
	name := deviceName(l)
	assert.NotEmpty(t, name)
	if h, err := os.Hostname(); err == nil && h != "" {
		assert.Equal(t, h, name)
	}
}
