// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package sx1276

const (
	REG_FIFO        = 0x00
	REG_OPMODE      = 0x01
	REG_FRFMSB      = 0x06
	REG_PACONFIG    = 0x09
	REG_FIFOPTR     = 0x0D
	REG_FIFORXCURR  = 0x10
	REG_IRQFLAGS    = 0x12
	REG_RXBYTES     = 0x13
	REG_PKTSNR      = 0x19
	REG_PKTRSSI     = 0x1A
	REG_MODEMCONF1  = 0x1D
	REG_MODEMCONF2  = 0x1E
	REG_PREAMBLE    = 0x21
	REG_PAYLENGTH   = 0x22
	REG_MODEMCONF3  = 0x26
	REG_SYNC        = 0x39
	REG_DIOMAPPING1 = 0x40
	REG_VERSION     = 0x42
	REG_PADAC       = 0x4D
)

const (
	MODE_SLEEP = iota
	MODE_STANDBY
	MODE_FS_TX     // frequency synthesis TX
	MODE_TX        // TX
	MODE_FS_RX     // frequency synthesis RX
	MODE_RX_CONT   // RX continuous
	MODE_RX_SINGLE // RX single
	MODE_CAD       // channel activity detection
)

const (
	// IRQ mask and flags registers
	IRQ_RXTIMEOUT = 1 << 7
	IRQ_RXDONE    = 1 << 6
	IRQ_CRCERR    = 1 << 5
	IRQ_VALIDHDR  = 1 << 4
	IRQ_TXDONE    = 1 << 3
)

const (
	opLoRa = 0x80 // LongRangeMode bit of REG_OPMODE
	opLF   = 0x08 // LowFrequencyModeOn bit of REG_OPMODE, for bands below 525Mhz
)

// preambleLen is the preamble length programmed by configRegs, in symbols.
const preambleLen = 10

// register values to initialize the chip, this array has pairs of <address, data>
var configRegs = []byte{
	0x01, 0x88, // OpMode = LoRA+LF+sleep
	0x01, 0x88, // OpMode = LoRA+LF+sleep
	0x0B, 0x32, // Over-current protection @150mA
	0x0C, 0x23, // max LNA gain
	0x0D, 0x00, // FIFO ptr = 0
	0x0E, 0x00, // FIFO TX base = 0
	0x0F, 0x00, // FIFO RX base = 0
	0x10, 0x00, // FIFO RX current = 0
	0x11, 0x12, // mask valid header and FHSS change interrupts
	0x1f, 0xff, // RX timeout at 255 bytes
	0x20, 0x00, 0x21, preambleLen,
	0x23, 0xFF, // max payload of 255 bytes
	0x24, 0x00, // no freq hopping
	0x27, 0x00, // no ppm freq correction
	0x31, 0x03, // detection optimize for SF7-12
	0x33, 0x27, // no I/Q invert
	0x37, 0x0A, // detection threshold for SF7-12
	0x40, 0x00, // DIO mapping 1
	0x41, 0x00, // DIO mapping 2
}
