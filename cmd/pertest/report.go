// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tve/pertest/pert"
	"github.com/tve/pertest/sx1276"
)

// ReportPayload is the structure published to MQTT when a run finishes.
type ReportPayload struct {
	RunID    string    `json:"run_id"`         // unique id of this report
	Device   string    `json:"device"`         // name of the reporting device
	Test     string    `json:"test"`           // "throughput" or "signal"
	Mode     string    `json:"mode"`           // role of the reporting device
	Token    string    `json:"token"`          // token of the run, shared by both sides
	Outcome  string    `json:"outcome"`        // "completed" or "timed-out"
	Progress uint16    `json:"progress"`       // packets counted
	Target   uint16    `json:"target"`         // packets agreed
	Loss     float64   `json:"loss"`           // fraction of packets not counted
	Samples  uint      `json:"samples"`        // number of signal samples
	Rssi     *float64  `json:"rssi,omitempty"` // average RSSI in dBm, absent without samples
	Snr      *float64  `json:"snr,omitempty"`  // average SNR in dB, absent without samples
	At       time.Time `json:"at"`
}

// deviceName returns the hostname that identifies this device in reports.
func deviceName(l logrus.FieldLogger) string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		l.Warnf("cannot get hostname, reporting as pertest: %v", err)
		return "pertest"
	}
	return name
}

func newReportPayload(device string, r pert.Report, at time.Time) ReportPayload {
	p := ReportPayload{
		RunID:    uuid.New().String(),
		Device:   device,
		Test:     r.Mode.Test().String(),
		Mode:     r.Mode.String(),
		Token:    r.Token.String(),
		Outcome:  r.Outcome.String(),
		Progress: r.Progress,
		Target:   r.Target,
		Loss:     r.Loss(),
		Samples:  r.Stats.Count(),
		At:       at,
	}
	if avg, err := r.Average(); err == nil {
		p.Rssi, p.Snr = &avg.Rssi, &avg.Snr
	}
	return p
}

// logReport logs a finished run at info level.
func logReport(l logrus.FieldLogger, r pert.Report) {
	f := logrus.Fields{
		"mode":     r.Mode.String(),
		"token":    r.Token.String(),
		"outcome":  r.Outcome.String(),
		"progress": fmt.Sprintf("%d/%d", r.Progress, r.Target),
	}
	if avg, err := r.Average(); err == nil {
		f["rssi"] = fmt.Sprintf("%.1f", avg.Rssi)
		f["snr"] = fmt.Sprintf("%.1f", avg.Snr)
	}
	l.WithFields(f).Info("run finished")
}

// StartCommand is the payload expected on the start topic.
type StartCommand struct {
	Test  string `json:"test"`  // "throughput" or "signal"
	Count int    `json:"count"` // packets, the configured count if zero
}

// parseStart decodes a start command, a missing count falls back to def.
func parseStart(payload []byte, def int) (pert.Test, int, error) {
	var c StartCommand
	if err := json.Unmarshal(payload, &c); err != nil {
		return 0, 0, errors.Wrap(err, "cannot json decode start command")
	}
	test, err := pert.ParseTest(c.Test)
	if err != nil {
		return 0, 0, err
	}
	if c.Count == 0 {
		c.Count = def
	}
	if c.Count < 1 || c.Count > pert.MaxCount {
		return 0, 0, errors.Errorf("count %d outside 1..%d", c.Count, pert.MaxCount)
	}
	return test, c.Count, nil
}

// radioEvent converts a driver event into a protocol event.
func radioEvent(ev sx1276.Event) (pert.Event, bool) {
	switch ev.Kind {
	case sx1276.TxDone:
		return pert.Event{Kind: pert.TransmitComplete}, true
	case sx1276.TxTimeout:
		return pert.Event{Kind: pert.TransmitTimeout}, true
	case sx1276.RxTimeout:
		return pert.Event{Kind: pert.ReceiveTimeout}, true
	case sx1276.RxError:
		return pert.Event{Kind: pert.ReceiveError}, true
	case sx1276.RxDone:
		if ev.Packet == nil {
			return pert.Event{Kind: pert.ReceiveError}, true
		}
		return pert.Event{
			Kind:   pert.FrameReceived,
			Frame:  ev.Packet.Payload,
			Sample: pert.Sample{Rssi: ev.Packet.Rssi, Snr: ev.Packet.Snr},
		}, true
	}
	return pert.Event{}, false
}
