// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tve/pertest/loopback"
	"github.com/tve/pertest/pert"
	"github.com/tve/pertest/sx1276"
)

// simOptions describes one simulated run between two devices.
type simOptions struct {
	Test     pert.Test
	Count    int
	Drop     float64 // probability that a frame is lost
	Corrupt  float64 // probability that a frame arrives with a CRC error
	Seed     int64
	AtoB     pert.Sample
	BtoA     pert.Sample
	Airtime  time.Duration
	Timeouts pert.Timeouts
}

// simResult holds the reports of both sides, A is the requester.
type simResult struct {
	A, B    []pert.Report
	Elapsed time.Duration // virtual time
}

var simFlags struct {
	test      string
	count     int
	drop      float64
	corrupt   float64
	seed      int64
	rssi, snr int
	json      bool
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run one test between two simulated radios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		kind := simFlags.test
		if kind == "" {
			kind = cfg.Test.Kind
		}
		test, err := pert.ParseTest(kind)
		if err != nil {
			return err
		}
		count := simFlags.count
		if count == 0 {
			count = cfg.Test.Count
		}
		sample := pert.Sample{Rssi: simFlags.rssi, Snr: simFlags.snr}
		res, err := simulate(simOptions{
			Test:     test,
			Count:    count,
			Drop:     simFlags.drop,
			Corrupt:  simFlags.corrupt,
			Seed:     simFlags.seed,
			AtoB:     sample,
			BtoA:     sample,
			Airtime:  sx1276.Configs[cfg.Radio.Config].Airtime(14),
			Timeouts: cfg.Test.Timeouts(),
		}, logger.Debugf)
		if err != nil {
			return err
		}

		logger.Infof("simulated %s", res.Elapsed)
		device := map[string][]pert.Report{"A": res.A, "B": res.B}
		for _, name := range []string{"A", "B"} {
			for _, r := range device[name] {
				logReport(logger.WithField("device", name), r)
				if simFlags.json {
					data, err := json.Marshal(newReportPayload(name, r, time.Now()))
					if err != nil {
						return errors.Wrap(err, "encoding report")
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(data))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, r)
				}
			}
		}
		return nil
	},
}

func init() {
	f := simCmd.Flags()
	f.StringVar(&simFlags.test, "test", "", "throughput or signal, the configured test if empty")
	f.IntVar(&simFlags.count, "count", 0, "packets per run, the configured count if zero")
	f.Float64Var(&simFlags.drop, "drop", 0, "probability of losing a frame")
	f.Float64Var(&simFlags.corrupt, "corrupt", 0, "probability of a frame arriving with a CRC error")
	f.Int64Var(&simFlags.seed, "seed", 1, "random seed for tokens and losses")
	f.IntVar(&simFlags.rssi, "rssi", -80, "RSSI reported for every frame")
	f.IntVar(&simFlags.snr, "snr", 7, "SNR reported for every frame")
	f.BoolVar(&simFlags.json, "json", false, "print the reports as JSON")
}

// simulate runs one test to completion over a loopback channel.
func simulate(o simOptions, log pert.LogPrintf) (simResult, error) {
	if o.Drop < 0 || o.Corrupt < 0 || o.Drop+o.Corrupt > 1 {
		return simResult{}, errors.Errorf("bad loss probabilities drop=%g corrupt=%g", o.Drop, o.Corrupt)
	}
	rng := rand.New(rand.NewSource(o.Seed))
	net := loopback.New(loopback.Options{
		Airtime: o.Airtime,
		AtoB:    o.AtoB,
		BtoA:    o.BtoA,
		Logger:  log,
		Filter: func(from string, frame []byte) loopback.Verdict {
			switch x := rng.Float64(); {
			case x < o.Drop:
				return loopback.Drop
			case x < o.Drop+o.Corrupt:
				return loopback.Corrupt
			}
			return loopback.Deliver
		},
	})

	var res simResult
	mk := func(port *loopback.Port, reports *[]pert.Report) *pert.Machine {
		m := pert.NewMachine(port, pert.Options{
			Timeouts: o.Timeouts,
			Logger:   log,
			Rand:     rand.New(rand.NewSource(rng.Int63())),
			OnReport: func(r pert.Report) { *reports = append(*reports, r) },
		})
		port.Attach(m.Handle)
		m.Standby()
		return m
	}
	a := mk(net.A(), &res.A)
	mk(net.B(), &res.B)

	if err := a.Start(o.Test, o.Count); err != nil {
		return res, err
	}
	// Every step moves a frame or expires a window, a run needs a few per packet.
	net.Run(10*o.Count + 100)
	res.Elapsed = net.Now()
	if len(res.A) == 0 {
		return res, errors.New("simulation ended without a report")
	}
	return res, nil
}
