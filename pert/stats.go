// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package pert

import "fmt"

// Sample is the pair of receive-quality readings the radio attaches to every received frame.
type Sample struct {
	Rssi int // rssi in dBm
	Snr  int // signal-to-noise in dB
}

// Average holds the mean of the samples accumulated during a run.
type Average struct {
	Rssi float64
	Snr  float64
}

func (a Average) String() string { return fmt.Sprintf("RSSI:%.1fdBm SNR:%.1fdB", a.Rssi, a.Snr) }

// Stats accumulates running sums of signal samples. The zero value is an empty accumulator.
type Stats struct {
	n    uint
	rssi int64
	snr  int64
}

// Add accumulates one sample.
func (s *Stats) Add(x Sample) {
	s.n++
	s.rssi += int64(x.Rssi)
	s.snr += int64(x.Snr)
}

// Count returns the number of samples accumulated.
func (s *Stats) Count() uint { return s.n }

// Reset clears all sums.
func (s *Stats) Reset() { *s = Stats{} }

// Average returns the mean of both metrics, or ErrNoSamples if nothing was accumulated.
func (s *Stats) Average() (Average, error) {
	if s.n == 0 {
		return Average{}, ErrNoSamples
	}
	return Average{
		Rssi: float64(s.rssi) / float64(s.n),
		Snr:  float64(s.snr) / float64(s.n),
	}, nil
}
