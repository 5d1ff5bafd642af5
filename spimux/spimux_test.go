// Copyright 2017 by Thorsten von Eicken, see LICENSE file

package spimux

import (
	"testing"

	"periph.io/x/periph/conn"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"
	"periph.io/x/periph/conn/spi"
)

// recBus records the level of the select pin at every transaction.
type recBus struct {
	pin    *gpiotest.Pin
	levels []gpio.Level
}

func (b *recBus) String() string      { return "bus" }
func (b *recBus) Duplex() conn.Duplex { return conn.Full }

func (b *recBus) Tx(w, r []byte) error {
	b.levels = append(b.levels, b.pin.Read())
	return nil
}

func (b *recBus) TxPackets(p []spi.Packet) error {
	b.levels = append(b.levels, b.pin.Read())
	return nil
}

func TestSelect(t *testing.T) {
	pin := &gpiotest.Pin{N: "SEL", Num: 7, L: gpio.High}
	bus := &recBus{pin: pin}
	c0, c1 := New(bus, pin)

	c0.Tx([]byte{1}, []byte{0})
	c1.Tx([]byte{1}, []byte{0})
	c1.TxPackets(nil)
	c0.TxPackets(nil)
	Select(bus, pin, 1).Tx(nil, nil)

	expected := []gpio.Level{gpio.Low, gpio.High, gpio.High, gpio.Low, gpio.High}
	if len(bus.levels) != len(expected) {
		t.Fatalf("got %d transactions expected %d", len(bus.levels), len(expected))
	}
	for i := range expected {
		if bus.levels[i] != expected[i] {
			t.Errorf("transaction %d: select got %s expected %s", i, bus.levels[i], expected[i])
		}
	}
	if c1.String() != "bus/High" {
		t.Errorf("String got %q", c1.String())
	}
}
