// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package sx1276

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"
	"periph.io/x/periph/conn/spi"
)

// fakeChip is a register file behind a fake SPI connection. Entering TX raises the interrupt,
// clearing the IRQ flags lowers it.
type fakeChip struct {
	mu   sync.Mutex
	regs [0x80]byte
	fifo [256]byte
	pin  *gpiotest.Pin
	mute bool // do not complete transmissions
	fail error
}

func newFakeChip() *fakeChip {
	c := &fakeChip{pin: &gpiotest.Pin{N: "DIO0", Num: 25, EdgesChan: make(chan gpio.Level, 4)}}
	c.regs[REG_VERSION] = 0x12
	return c
}

func (c *fakeChip) String() string      { return "fakeChip" }
func (c *fakeChip) Duplex() conn.Duplex { return conn.Full }
func (c *fakeChip) TxPackets([]spi.Packet) error { return errors.New("not supported") }

func (c *fakeChip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	addr := w[0] & 0x7f
	write := w[0]&0x80 != 0
	raise := false
	for i := 1; i < len(w); i++ {
		switch {
		case addr == REG_FIFO && write:
			c.fifo[c.regs[REG_FIFOPTR]] = w[i]
			c.regs[REG_FIFOPTR]++
		case addr == REG_FIFO:
			r[i] = c.fifo[c.regs[REG_FIFOPTR]]
			c.regs[REG_FIFOPTR]++
		case addr == REG_IRQFLAGS && write:
			c.regs[addr] &^= w[i]
			if c.regs[addr] == 0 {
				c.pin.Out(gpio.Low)
			}
		case write:
			c.regs[addr] = w[i]
			if addr == REG_OPMODE && w[i]&0x07 == MODE_TX && !c.mute {
				c.regs[REG_IRQFLAGS] |= IRQ_TXDONE
				raise = true
			}
		default:
			r[i] = c.regs[addr]
		}
		if addr != REG_FIFO {
			addr++
		}
	}
	if raise {
		c.pin.EdgesChan <- gpio.High
	}
	return nil
}

func (c *fakeChip) reg(addr byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[addr]
}

// inject places a packet in the FIFO and raises the RX interrupt.
func (c *fakeChip) inject(payload []byte, snr, rssi, irq byte) {
	c.mu.Lock()
	base := byte(0x80)
	copy(c.fifo[base:], payload)
	c.regs[REG_FIFORXCURR] = base
	c.regs[REG_RXBYTES] = byte(len(payload))
	c.regs[REG_PKTSNR] = snr
	c.regs[REG_PKTRSSI] = rssi
	c.regs[REG_IRQFLAGS] |= irq
	c.mu.Unlock()
	c.pin.EdgesChan <- gpio.High
}

func newTestRadio(t *testing.T, chip *fakeChip) (*Radio, chan Event) {
	events := make(chan Event, 8)
	r, err := New(chip, chip.pin, RadioOpts{
		Sync: 0x12, Freq: 920, Config: "bw500cr45sf128", Power: 14,
		TxTimeout: 50 * time.Millisecond,
		Logger:    t.Logf,
		Handler:   func(ev Event) { events <- ev },
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, events
}

func nextEvent(t *testing.T, events chan Event) Event {
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no radio event")
	}
	return Event{}
}

func TestNew(t *testing.T) {
	chip := newFakeChip()
	newTestRadio(t, chip)

	assert.EqualValues(t, 0x12, chip.reg(REG_SYNC))
	assert.EqualValues(t, 0x92, chip.reg(REG_MODEMCONF1))
	assert.EqualValues(t, 0x74, chip.reg(REG_MODEMCONF2))
	assert.EqualValues(t, 0x04, chip.reg(REG_MODEMCONF3))
	assert.EqualValues(t, 0xfc, chip.reg(REG_PACONFIG))
	frf := frfBytes(920000000)
	assert.Equal(t, frf[:], []byte{chip.reg(REG_FRFMSB), chip.reg(REG_FRFMSB + 1), chip.reg(REG_FRFMSB + 2)})
	assert.EqualValues(t, opLoRa|MODE_RX_CONT, chip.reg(REG_OPMODE), "920Mhz runs with the LF bit off")
}

func TestNewNoChip(t *testing.T) {
	chip := newFakeChip()
	chip.regs[REG_VERSION] = 0
	_, err := New(chip, chip.pin, RadioOpts{Config: "bw500cr45sf128"})
	require.Error(t, err)

	chip = newFakeChip()
	chip.fail = errors.New("bus gone")
	_, err = New(chip, chip.pin, RadioOpts{Config: "bw500cr45sf128"})
	require.Error(t, err)
}

func TestNewBadConfig(t *testing.T) {
	chip := newFakeChip()
	_, err := New(chip, chip.pin, RadioOpts{Config: "bw1cr1sf1"})
	require.Error(t, err)
}

func TestSendTxDone(t *testing.T) {
	chip := newFakeChip()
	r, events := newTestRadio(t, chip)

	require.NoError(t, r.Send([]byte("a123400010")))
	ev := nextEvent(t, events)
	assert.Equal(t, TxDone, ev.Kind)
	assert.EqualValues(t, 10, chip.reg(REG_PAYLENGTH))
	chip.mu.Lock()
	assert.Equal(t, "a123400010", string(chip.fifo[:10]))
	chip.mu.Unlock()
	assert.EqualValues(t, opLoRa|MODE_STANDBY, chip.reg(REG_OPMODE))

	// The tx timeout was cancelled by the interrupt.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendLimits(t *testing.T) {
	chip := newFakeChip()
	r, _ := newTestRadio(t, chip)
	assert.Error(t, r.Send(nil))
	assert.Error(t, r.Send(make([]byte, MaxPayload+1)))
}

func TestTxTimeout(t *testing.T) {
	chip := newFakeChip()
	r, events := newTestRadio(t, chip)
	chip.mu.Lock()
	chip.mute = true
	chip.mu.Unlock()

	require.NoError(t, r.Send([]byte{1, 2, 3}))
	assert.Equal(t, TxTimeout, nextEvent(t, events).Kind)
	assert.EqualValues(t, opLoRa|MODE_STANDBY, chip.reg(REG_OPMODE))
}

func TestReceive(t *testing.T) {
	chip := newFakeChip()
	r, events := newTestRadio(t, chip)
	require.NoError(t, r.Listen(0))

	chip.inject([]byte("b1234000040005"), 0x20, 100, IRQ_RXDONE)
	ev := nextEvent(t, events)
	require.Equal(t, RxDone, ev.Kind)
	require.NotNil(t, ev.Packet)
	assert.Equal(t, "b1234000040005", string(ev.Packet.Payload))
	assert.Equal(t, 8, ev.Packet.Snr)
	assert.Equal(t, -51, ev.Packet.Rssi)
}

func TestReceiveCRCError(t *testing.T) {
	chip := newFakeChip()
	r, events := newTestRadio(t, chip)
	require.NoError(t, r.Listen(time.Second))

	chip.inject([]byte("garbage"), 0, 0, IRQ_RXDONE|IRQ_CRCERR)
	assert.Equal(t, RxError, nextEvent(t, events).Kind)
}

func TestListenTimeout(t *testing.T) {
	chip := newFakeChip()
	r, events := newTestRadio(t, chip)

	require.NoError(t, r.Listen(20*time.Millisecond))
	assert.Equal(t, RxTimeout, nextEvent(t, events).Kind)

	// Idle cancels the window, a new Listen replaces it.
	require.NoError(t, r.Listen(20*time.Millisecond))
	require.NoError(t, r.Idle())
	require.NoError(t, r.Listen(0))
	select {
	case ev := <-events:
		t.Fatalf("stale timeout produced %s", ev.Kind)
	case <-time.After(80 * time.Millisecond):
	}
	assert.EqualValues(t, opLoRa|MODE_RX_CONT, chip.reg(REG_OPMODE))
}

func TestPersistentError(t *testing.T) {
	chip := newFakeChip()
	r, _ := newTestRadio(t, chip)
	chip.mu.Lock()
	chip.fail = errors.New("bus gone")
	chip.mu.Unlock()

	require.Error(t, r.Send([]byte{1}))
	require.Error(t, r.Error())
	require.Error(t, r.Listen(0))
}

func TestFrequency(t *testing.T) {
	tests := map[string]struct {
		in  uint32
		hz  uint32
		frf [3]byte
	}{
		"868mhz":  {868, 868000000, [3]byte{0xd9, 0x00, 0x00}},
		"868.3":   {868300, 868300000, [3]byte{0xd9, 0x13, 0x00}},
		"915hz":   {915000000, 915000000, [3]byte{0xe4, 0xc0, 0x00}},
		"433.92k": {433920, 433920000, [3]byte{0x6c, 0x7a, 0xc0}},
	}
	for n, tc := range tests {
		hz := normFreq(tc.in)
		if hz != tc.hz {
			t.Errorf("%s: normFreq got %d expected %d", n, hz, tc.hz)
		}
		if got := frfBytes(hz); got != tc.frf {
			t.Errorf("%s: frf got %#v expected %#v", n, got, tc.frf)
		}
	}
}

func TestPacketSignal(t *testing.T) {
	tests := map[string]struct {
		snr, rssi byte
		freq      uint32
		dB, dBm   int
	}{
		"hf-strong": {0x20, 100, 920000000, 8, -51},
		"hf-weak":   {0xe8, 40, 920000000, -6, -121},
		"lf":        {0x10, 80, 433000000, 4, -79},
	}
	for n, tc := range tests {
		snr, rssi := packetSignal(tc.snr, tc.rssi, tc.freq)
		if snr != tc.dB || rssi != tc.dBm {
			t.Errorf("%s: got %ddB %ddBm expected %ddB %ddBm", n, snr, rssi, tc.dB, tc.dBm)
		}
	}
}

func TestAirtime(t *testing.T) {
	tests := map[string]struct {
		config string
		n      int
		want   time.Duration
	}{
		"fast-test-frame": {"bw500cr45sf128", 14, 12096 * time.Microsecond},
		"fast-empty":      {"bw500cr45sf128", 0, 6976 * time.Microsecond},
		"slow":            {"bw125cr48sf4096", 10, 1253376 * time.Microsecond},
	}
	for n, tc := range tests {
		if got := Configs[tc.config].Airtime(tc.n); got != tc.want {
			t.Errorf("%s: got %s expected %s", n, got, tc.want)
		}
	}
}
