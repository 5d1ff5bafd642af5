// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"

	"github.com/tve/pertest/pert"
	"github.com/tve/pertest/spimux"
	"github.com/tve/pertest/sx1276"
	"github.com/tve/pertest/thread"
)

var radioFlags struct {
	button   string
	realtime bool
	start    bool
}

var radioCmd = &cobra.Command{
	Use:   "radio",
	Short: "Run the test protocol on an attached sx1276 radio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if radioFlags.button != "" {
			cfg.Radio.Button = radioFlags.button
		}
		if radioFlags.realtime {
			cfg.Radio.Realtime = true
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRadio(ctx)
	},
}

func init() {
	radioCmd.Flags().StringVar(&radioFlags.button, "button", "", "GPIO of a push button starting a run")
	radioCmd.Flags().BoolVar(&radioFlags.realtime, "realtime", false, "run the dispatcher on a realtime thread")
	radioCmd.Flags().BoolVar(&radioFlags.start, "start", false, "start one run as soon as the radio is up")
}

// radioLink lets the machine exist before the radio it drives, the radio's event handler
// needs the machine.
type radioLink struct{ *sx1276.Radio }

// runRadio opens the hardware, then runs the dispatcher and the triggers until ctx is done.
func runRadio(ctx context.Context) error {
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "periph host init")
	}
	test, err := pert.ParseTest(cfg.Test.Kind)
	if err != nil {
		return err
	}
	device := deviceName(logger)

	var broker *mq
	link := &radioLink{}
	m := pert.NewMachine(link, pert.Options{
		Timeouts: cfg.Test.Timeouts(),
		Logger:   logger.Debugf,
		OnReport: func(r pert.Report) {
			logReport(logger, r)
			if broker != nil {
				if err := broker.Publish("report", newReportPayload(device, r, time.Now())); err != nil {
					logger.Warn(err)
				}
			}
		},
	})

	// First step is to get a handle onto the SPI device. Need to deal with muxed
	// devices, though.
	port, err := spireg.Open(cfg.Radio.SPI)
	if err != nil {
		return errors.Wrap(err, "opening SPI")
	}
	defer port.Close()
	var dev spi.Conn
	dev, err = port.Connect(physic.Frequency(cfg.Radio.SpeedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		return errors.Wrap(err, "configuring SPI")
	}
	if cfg.Radio.CSMuxPin != "" {
		selPin := gpioreg.ByName(cfg.Radio.CSMuxPin)
		if selPin == nil {
			return errors.Errorf("cannot open pin %s", cfg.Radio.CSMuxPin)
		}
		dev = spimux.Select(dev, selPin, cfg.Radio.CSMux)
	}

	// Open the interrupt pin.
	intrPin := gpioreg.ByName(cfg.Radio.IntrPin)
	if intrPin == nil {
		return errors.Errorf("cannot open pin %s", cfg.Radio.IntrPin)
	}

	sync, err := cfg.Radio.SyncByte()
	if err != nil {
		return err
	}
	logger.Infof("Initializing LoRA radio at %dHz (%s)", cfg.Radio.Freq, sx1276.Configs[cfg.Radio.Config].Info)
	radio, err := sx1276.New(dev, intrPin, sx1276.RadioOpts{
		Sync:      sync,
		Freq:      cfg.Radio.Freq,
		Config:    cfg.Radio.Config,
		Power:     byte(cfg.Radio.Power),
		TxTimeout: cfg.Radio.TxTimeout.Duration(),
		Logger:    sx1276.LogPrintf(logger.Debugf),
		Handler: func(ev sx1276.Event) {
			if pev, ok := radioEvent(ev); ok {
				m.Post(pev)
			}
		},
	})
	if err != nil {
		return err
	}
	link.Radio = radio
	defer radio.Close()
	logger.Infof("LoRa radio ready")

	if cfg.MQTT.Broker != "" {
		if broker, err = newMQ(cfg.MQTT, logger); err != nil {
			return err
		}
		defer broker.Close()
		err = broker.Subscribe("start", func(payload []byte) {
			test, n, err := parseStart(payload, cfg.Test.Count)
			if err == nil {
				err = m.RequestStart(test, n)
			}
			if err != nil {
				logger.Warnf("ignoring start command %q: %s", payload, err)
			}
		})
		if err != nil {
			return err
		}
	}

	var button gpio.PinIn
	if cfg.Radio.Button != "" {
		if button = gpioreg.ByName(cfg.Radio.Button); button == nil {
			return errors.Errorf("cannot open pin %s", cfg.Radio.Button)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if cfg.Radio.Realtime {
			if err := thread.Realtime(cfg.Radio.Priority); err != nil {
				logger.Warnf("cannot switch to realtime scheduling: %s", err)
			}
		}
		return m.Run(ctx)
	})
	if button != nil {
		g.Go(func() error {
			return watchButton(ctx, button, cfg.Test.Debounce.Duration(), func() {
				logger.Infof("button pressed, starting %s test of %d packets", test, cfg.Test.Count)
				if err := m.RequestStart(test, cfg.Test.Count); err != nil {
					logger.Warn(err)
				}
			})
		})
	}
	if radioFlags.start {
		if err := m.RequestStart(test, cfg.Test.Count); err != nil {
			return err
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := radio.Error(); err != nil {
		return err
	}
	logger.Infof("%d radio events were overwritten before being handled", m.Dropped())
	return nil
}

// watchButton calls press on every falling edge of an active-low push button, edges closer
// than debounce to the previous press are ignored.
func watchButton(ctx context.Context, pin gpio.PinIn, debounce time.Duration, press func()) error {
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return errors.Wrapf(err, "button %s", pin)
	}
	defer pin.In(gpio.PullUp, gpio.NoEdge)
	var last time.Time
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !pin.WaitForEdge(200 * time.Millisecond) {
			continue
		}
		if pin.Read() != gpio.Low || time.Since(last) < debounce {
			continue
		}
		last = time.Now()
		press()
	}
}
