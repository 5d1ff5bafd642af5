// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// The SX1276 package interfaces with a HopeRF RFM95/96/97/98 LoRA radio connected to an SPI bus.
//
// The RFM9x modules use a Semtech SX1276 radio chip. This package has also been tested with a
// Dorji DRF1278 module and it should work fine with other radio modules using the same chip.
// Note that the SX1276, SX1277, SX1278, and SX1279 all function identically and only differ
// in which RF bands they support.
//
// The driver is fully interrupt driven and requires that the radio's DIO0 pin be connected to
// an interrupt capable GPIO pin. The radio is operated explicitly by the caller: Send starts a
// transmission, Listen turns the receiver on with an optional timeout, and Idle puts the radio
// in standby. The outcome of every operation is reported as an Event to the handler passed in
// RadioOpts, the handler is called from the driver's goroutines and must not block.
//
// In general, other than a few user errors (such as passing too large a packet to Send) there
// should be no errors during the radio's operation unless there is a hardware failure. For this
// reason radio interface errors are treated as fatal: if such an error occurs it is recorded in
// the Radio struct where it can be retrieved using the Error function and all further operations
// fail. The client code will have to create and initialize a fresh object which will
// re-establish communication with the radio chip.
//
// Limitations
//
// This driver uses the SX1276 in LoRA mode only.
//
// Only the explicit header mode is supported, this means that spreading factor 6 cannot be
// used and thus the maximum data rate available is 21875bps.
package sx1276

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/spi"
)

// MaxPayload is the largest packet the FIFO can hold.
const MaxPayload = 255

// Radio represents a Semtech SX127x LoRA radio.
type Radio struct {
	// configuration
	spi       spi.Conn   // SPI device to access the radio
	intrPin   gpio.PinIn // interrupt pin for RX and TX interrupts
	intrCnt   int        // count interrupts
	freq      uint32     // center frequency in Hz
	txTimeout time.Duration
	handler   func(Event)
	// state
	sync.Mutex               // guard concurrent access to the radio
	mode       byte          // current operation mode
	gen        uint64        // bumped whenever the operation in progress is replaced
	timer      *time.Timer   // rx or tx timeout of the operation in progress
	err        error         // persistent error
	stop       chan struct{} // closed by Close
	done       chan struct{} // closed when the worker exits
	log        LogPrintf     // function to use for logging
}

// RadioOpts contains options used when initilizing a Radio.
type RadioOpts struct {
	Sync      byte          // RF sync byte
	Freq      uint32        // center frequency in Hz, Khz, or Mhz
	Config    string        // entry in Configs table to use
	Power     byte          // output power in dBm, 0 leaves the chip default
	TxTimeout time.Duration // time allowed for a transmission, 2s if zero
	Logger    LogPrintf     // function to use for logging
	Handler   func(Event)   // receives the radio events
}

// EventKind enumerates what a radio operation ended with.
type EventKind int

const (
	TxDone    EventKind = iota // packet transmitted
	TxTimeout                  // transmitter did not signal completion in time
	RxDone                     // packet received, Event.Packet is set
	RxTimeout                  // listen timeout expired without a packet
	RxError                    // packet received with a CRC error
)

func (k EventKind) String() string {
	switch k {
	case TxDone:
		return "TxDone"
	case TxTimeout:
		return "TxTimeout"
	case RxDone:
		return "RxDone"
	case RxTimeout:
		return "RxTimeout"
	case RxError:
		return "RxError"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is the completion of a radio operation.
type Event struct {
	Kind   EventKind
	Packet *RxPacket // only for RxDone
}

// RxPacket is a received packet with stats.
type RxPacket struct {
	Payload []byte // payload, excluding length & crc
	Snr     int    // signal-to-noise in dB for packet
	Rssi    int    // rssi in dB for packet
}

// New initializes an sx1276 Radio given an spi.Conn and an interrupt pin, and places the radio
// in receive mode.
//
// The SPI connection must already be configured for mode 0, 8 bits, and a clock of at most
// 10Mhz.
func New(dev spi.Conn, intr gpio.PinIn, opts RadioOpts) (*Radio, error) {
	r := &Radio{
		spi: dev, intrPin: intr,
		txTimeout: opts.TxTimeout,
		handler:   opts.Handler,
		mode:      255,
		log:       func(format string, v ...interface{}) {},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if opts.Logger != nil {
		r.log = opts.Logger
	}
	if r.txTimeout <= 0 {
		r.txTimeout = 2 * time.Second
	}
	if r.handler == nil {
		r.handler = func(Event) {}
	}

	// Try to synchronize communication with the sx1276.
	sync := func(pattern byte) error {
		for n := 10; n > 0; n-- {
			// Doing write transactions explicitly to get OS errors.
			if err := dev.Tx([]byte{REG_SYNC | 0x80, pattern}, []byte{0, 0}); err != nil {
				return fmt.Errorf("sx1276: %s", err)
			}
			// Read same thing back, we hope...
			if r.readReg(REG_SYNC) == pattern {
				return nil
			}
		}
		return errors.New("sx1276: cannot sync with chip")
	}
	if err := sync(0xaa); err != nil {
		return nil, err
	}
	if err := sync(0x55); err != nil {
		return nil, err
	}

	// Detect chip version.
	version := r.readReg(REG_VERSION)
	if version == 0 || version == 0xff {
		return nil, fmt.Errorf("sx1276: no chip found, version register reads %#x", version)
	}
	r.log("SX1276 version %#x", version)

	// Write the configuration into the registers.
	for i := 0; i < len(configRegs)-1; i += 2 {
		r.writeReg(configRegs[i], configRegs[i+1])
	}
	r.mode = MODE_SLEEP

	// Configure the transmission parameters.
	if err := r.SetConfig(opts.Config); err != nil {
		return nil, err
	}
	r.SetFrequency(opts.Freq)
	if opts.Power > 0 {
		r.SetPower(opts.Power)
	}
	r.writeReg(REG_SYNC, opts.Sync)
	if r.err != nil {
		return nil, r.err
	}

	// Initialize interrupt pin.
	if err := r.intrPin.In(gpio.Float, gpio.RisingEdge); err != nil {
		return nil, fmt.Errorf("sx1276: error initializing interrupt pin: %s", err)
	}

	// Test the interrupt function by transmitting a packet such that it generates an interrupt
	// and then call WaitForEdge. Start by verifying that we don't have any pending interrupt.
	for r.intrPin.WaitForEdge(0) {
		r.log("Interrupt test shows an incorrect pending interrupt")
	}
	r.log("Interrupt pin is %v", r.intrPin.Read())
	r.send([]byte{0})
	if !r.intrPin.WaitForEdge(time.Second) {
		r.logRegs()
		r.log("Interrupt pin is %v", r.intrPin.Read())
		return nil, fmt.Errorf("sx1276: interrupts from radio do not work, try unexporting gpio%d", r.intrPin.Number())
	}
	r.writeReg(REG_IRQFLAGS, 0xff) // clear IRQ
	time.Sleep(10 * time.Millisecond)
	for r.intrPin.WaitForEdge(0) {
	}
	r.setMode(MODE_STANDBY)

	// log register contents
	r.logRegs()
	if r.err != nil {
		return nil, r.err
	}

	// Finally turn on the receiver.
	go r.worker()
	r.Lock()
	r.setMode(MODE_RX_CONT)
	r.Unlock()

	return r, nil
}

// SetFrequency changes the center frequency at which the radio transmits and receives. The
// frequency can be specified at any scale (hz, khz, mhz). The frequency value is not checked
// and invalid values will simply cause the radio not to work particularly well.
func (r *Radio) SetFrequency(freq uint32) {
	r.Lock()
	defer r.Unlock()

	freq = normFreq(freq)
	frf := frfBytes(freq)
	prev := r.mode
	r.freq = freq
	r.setMode(MODE_SLEEP)
	r.writeReg(REG_OPMODE, opMode(MODE_SLEEP, freq)) // the LF bit is only changed in sleep
	r.writeReg(REG_FRFMSB, frf[:]...)
	r.log("SetFreq %dHz -> %#x %#x %#x", freq, frf[0], frf[1], frf[2])
	r.restore(prev)
}

// normFreq accepts any frequency scale as input, including KHz and MHz, and returns Hz. It
// multiplies by 10 until freq >= 100 MHz.
func normFreq(freq uint32) uint32 {
	for freq > 0 && freq < 100000000 {
		freq = freq * 10
	}
	return freq
}

// frfBytes returns the three FRF register values for a frequency in Hz.
//
// Frequency steps are in units of (32,000,000 >> 19) = 61.03515625 Hz
// use multiples of 64 to avoid multi-precision arithmetic, i.e. 3906.25 Hz
// due to this, the lower 6 bits of the calculated factor will always be 0
// this is still 4 ppm, i.e. below the radio's 32 MHz crystal accuracy
// 868.0 MHz = 0xD90000, 868.3 MHz = 0xD91300, 915.0 MHz = 0xE4C000
func frfBytes(freq uint32) [3]byte {
	frf := (freq << 2) / (32000000 >> 11)
	return [3]byte{byte(frf >> 10), byte(frf >> 2), byte(frf << 6)}
}

// SetConfig sets the modem configuration using one of the entries in the Configs table.
func (r *Radio) SetConfig(config string) error {
	conf, found := Configs[config]
	if !found {
		return fmt.Errorf("sx1276: unknown config %q", config)
	}

	r.Lock()
	defer r.Unlock()
	prev := r.mode
	r.setMode(MODE_STANDBY)
	r.writeReg(REG_MODEMCONF1, conf.Conf1&^1)        // Explicit header mode
	r.writeReg(REG_MODEMCONF2, conf.Conf2&0xf0|0x04) // TxSingle, CRC enable
	r.writeReg(REG_MODEMCONF3, conf.Conf3|0x04)      // enable LNA AGC
	r.restore(prev)
	return nil
}

// SetPower configures the radio for the specified output power. It only supports the high-power
// amp because RFM9x modules don't have the lower-power amps connected to anything.
//
// The datasheet is confusing about how PaConfig gets set and the formula for OutputPower
// looks incorrect. Fortunately Semtech provides reference code...
func (r *Radio) SetPower(dBm byte) {
	switch {
	case dBm < 2:
		dBm = 2
	case dBm > 20:
		dBm = 20
	}
	r.Lock()
	defer r.Unlock()
	r.log("SetPower %ddBm", dBm)
	prev := r.mode
	r.setMode(MODE_STANDBY)
	if dBm > 17 {
		r.writeReg(REG_PADAC, 0x07) // turn 20dBm mode on, this offsets the PACONFIG by 3
		r.writeReg(REG_PACONFIG, 0xf0+dBm-5)
	} else {
		r.writeReg(REG_PACONFIG, 0xf0+dBm-2)
		r.writeReg(REG_PADAC, 0x04)
	}
	r.restore(prev)
}

// LogPrintf is a function used by the driver to print logging info.
type LogPrintf func(format string, v ...interface{})

// Error returns any persistent error that may have been encountered.
func (r *Radio) Error() error {
	r.Lock()
	defer r.Unlock()
	return r.err
}

//===== Operations

// Send starts transmitting a packet. The transmission ends with a TxDone event, or TxTimeout
// if the radio does not signal completion within the transmit timeout.
func (r *Radio) Send(payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxPayload {
		return fmt.Errorf("sx1276: cannot send %d bytes", len(payload))
	}
	r.Lock()
	defer r.Unlock()
	if r.err != nil {
		return r.err
	}
	g := r.replace()
	r.send(payload)
	r.timer = time.AfterFunc(r.txTimeout, func() { r.expire(g, TxTimeout) })
	return r.err
}

// Listen turns the receiver on. It ends with RxDone or RxError and, if timeout is positive,
// with RxTimeout once it expires without a packet.
func (r *Radio) Listen(timeout time.Duration) error {
	r.Lock()
	defer r.Unlock()
	if r.err != nil {
		return r.err
	}
	g := r.replace()
	r.setMode(MODE_RX_CONT)
	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, func() { r.expire(g, RxTimeout) })
	}
	return r.err
}

// Idle puts the radio in standby and cancels any pending timeout.
func (r *Radio) Idle() error {
	r.Lock()
	defer r.Unlock()
	if r.err != nil {
		return r.err
	}
	r.replace()
	r.setMode(MODE_STANDBY)
	return r.err
}

// Close stops the interrupt worker and puts the radio to sleep.
func (r *Radio) Close() error {
	select {
	case <-r.stop:
		return nil
	default:
	}
	close(r.stop)
	<-r.done
	r.Lock()
	defer r.Unlock()
	r.replace()
	r.setMode(MODE_SLEEP)
	r.intrPin.In(gpio.Float, gpio.NoEdge) // causes interrupt goroutine to exit
	return r.err
}

// replace cancels the timer of the operation in progress and returns the generation of the
// next one. Must be called with the lock held.
func (r *Radio) replace() uint64 {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
	return r.gen
}

// expire is the timer callback of generation g.
func (r *Radio) expire(g uint64, kind EventKind) {
	r.Lock()
	if g != r.gen || r.err != nil {
		r.Unlock()
		return
	}
	r.replace()
	r.setMode(MODE_STANDBY)
	r.Unlock()
	r.log("%s", kind)
	r.handler(Event{Kind: kind})
}

//===== Internals

// setMode changes the radio's operating mode and changes the interrupt cause (if necessary).
func (r *Radio) setMode(mode byte) {
	mode = mode & 0x07

	// If we're in the right mode then don't do anything.
	if r.mode == mode {
		return
	}

	// Set the interrupt mode if necessary.
	switch mode {
	case MODE_TX:
		r.writeReg(REG_DIOMAPPING1, 0x40) // TxDone
	case MODE_RX_CONT, MODE_RX_SINGLE:
		r.writeReg(REG_DIOMAPPING1, 0x00) // RxDone
	default:
		// Mode used when switching, make sure we don't get an interupt.
		r.writeReg(REG_DIOMAPPING1, 0xc0) // No intr
	}

	// Set the new mode.
	r.writeReg(REG_OPMODE, opMode(mode, r.freq))
	r.log("Mode %#x", mode)
	r.mode = mode
}

// restore returns to the mode that was active before a configuration change, modes that
// cannot be resumed (TX, uninitialized) end in standby.
func (r *Radio) restore(mode byte) {
	switch mode {
	case MODE_SLEEP, MODE_RX_CONT:
		r.setMode(mode)
	default:
		r.setMode(MODE_STANDBY)
	}
}

// opMode returns the REG_OPMODE value for a mode, the low-frequency bit is set for the bands
// below 525Mhz.
func opMode(mode byte, freq uint32) byte {
	v := opLoRa | mode&0x07
	if freq < 525000000 {
		v |= opLF
	}
	return v
}

// worker is an endless loop that processes interrupts for reception and transmission.
func (r *Radio) worker() {
	defer close(r.done)

	// Interrupt goroutine converting WaitForEdge to a channel.
	intrChan := make(chan struct{})
	go func() {
		signal := func() bool {
			select {
			case intrChan <- struct{}{}:
				return true
			case <-r.stop:
				return false
			}
		}
		// Make sure we're not missing an initial edge due to a race condition.
		if r.intrPin.Read() == gpio.High && !signal() {
			return
		}
		for {
			if r.intrPin.WaitForEdge(time.Second) {
				// CHIP does BothEdges on the XIO pins, so we get extra intrs
				if r.intrPin.Read() == gpio.High {
					if !signal() {
						return
					}
				} else {
					r.log("end-of-interrupt")
				}
				continue
			}
			select {
			case <-r.stop:
				r.log("rx interrupt goroutine exiting")
				return
			default:
			}
			if r.intrPin.Read() == gpio.High {
				r.log("Interrupt was missed!")
				if !signal() {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-intrChan:
			if ev, ok := r.interrupt(); ok {
				r.handler(ev)
			}
		case <-r.stop:
			return
		}
	}
}

// interrupt reads and clears the IRQ flags and translates them into an event according to the
// current mode.
func (r *Radio) interrupt() (Event, bool) {
	r.Lock()
	defer r.Unlock()
	r.intrCnt++
	if r.err != nil {
		return Event{}, false
	}
	irq := r.readReg(REG_IRQFLAGS)
	defer r.writeReg(REG_IRQFLAGS, 0xff) // clear IRQ

	// What this interrupt is about depends on the current mode.
	switch r.mode {
	case MODE_TX:
		if irq&IRQ_TXDONE == 0 {
			break
		}
		r.replace()
		r.setMode(MODE_STANDBY)
		return Event{Kind: TxDone}, true
	case MODE_RX_CONT:
		if irq&IRQ_RXDONE == 0 {
			r.log("RX interrupt but no packet received")
			return Event{}, false
		}
		r.replace()
		if irq&IRQ_CRCERR != 0 {
			r.setMode(MODE_STANDBY)
			return Event{Kind: RxError}, true
		}
		pkt := r.receive()
		r.setMode(MODE_STANDBY)
		if r.err != nil {
			return Event{}, false
		}
		return Event{Kind: RxDone, Packet: pkt}, true
	}
	r.log("Spurious interrupt in mode=%x irq=%#x", r.mode, irq)
	return Event{}, false
}

// send switches the radio's mode and starts transmitting a packet.
func (r *Radio) send(payload []byte) {
	r.setMode(MODE_STANDBY)

	// push the message into the FIFO.
	r.writeReg(REG_FIFOPTR, 0)
	r.writeReg(REG_FIFO, payload...)
	r.writeReg(REG_PAYLENGTH, byte(len(payload)))

	r.setMode(MODE_TX)
}

// receive pulls the packet that just arrived out of the FIFO.
func (r *Radio) receive() *RxPacket {
	// Grab the payload
	n := int(r.readReg(REG_RXBYTES))
	ptr := r.readReg(REG_FIFORXCURR)
	r.writeReg(REG_FIFOPTR, ptr)
	var wBuf, rBuf [MaxPayload + 1]byte
	wBuf[0] = REG_FIFO
	r.tx(wBuf[:n+1], rBuf[:n+1])

	// Grab SNR and RSSI
	snr, rssi := packetSignal(r.readReg(REG_PKTSNR), r.readReg(REG_PKTRSSI), r.freq)
	return &RxPacket{Payload: rBuf[1 : n+1], Snr: snr, Rssi: rssi}
}

// packetSignal converts the raw PKTSNR and PKTRSSI register values into dB and dBm. The SNR
// register is a signed value in quarter dB, the RSSI offset depends on the band.
func packetSignal(rawSnr, rawRssi byte, freq uint32) (snr, rssi int) {
	snr = int(int8(rawSnr)) / 4
	rssi = int(rawRssi)
	rssi = rssi + rssi>>4
	if freq < 525000000 {
		rssi -= 164
	} else {
		rssi -= 157
	}
	if snr < 0 {
		rssi += snr
	}
	return snr, rssi
}

// logRegs is a debug helper function to print almost all the sx1276's registers.
func (r *Radio) logRegs() {
	var buf, regs [0x50]byte
	buf[0] = 1
	r.tx(buf[:], regs[:])
	regs[0] = 0 // no real data there
	r.log("     0  1  2  3  4  5  6  7  8  9  A  B  C  D  E  F")
	for i := 0; i < len(regs); i += 16 {
		line := fmt.Sprintf("%02x:", i)
		for j := 0; j < 16 && i+j < len(regs); j++ {
			line += fmt.Sprintf(" %02x", regs[i+j])
		}
		r.log(line)
	}
}

// tx performs one SPI transaction and records the first failure as the persistent error.
func (r *Radio) tx(w, rb []byte) {
	if err := r.spi.Tx(w, rb); err != nil && r.err == nil {
		r.err = fmt.Errorf("sx1276: spi: %w", err)
		r.log("%s", r.err)
	}
}

// writeReg writes one or multiple registers starting at addr, the sx1276 auto-increments (except
// for the FIFO register where that wouldn't be desirable).
func (r *Radio) writeReg(addr byte, data ...byte) {
	wBuf := make([]byte, len(data)+1)
	rBuf := make([]byte, len(data)+1)
	wBuf[0] = addr | 0x80
	copy(wBuf[1:], data)
	r.tx(wBuf, rBuf)
}

// readReg reads one register and returns its value.
func (r *Radio) readReg(addr byte) byte {
	var buf [2]byte
	r.tx([]byte{addr & 0x7f, 0}, buf[:])
	return buf[1]
}
