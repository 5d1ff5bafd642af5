// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package sx1276

import "time"

// Config describes the SX127x configuration to achieve a specific bandwidth, spreading factor,
// and coding rate.
type Config struct {
	Conf1 byte   // ModemConfig1: bw, coding rate, implicit/expl header
	Conf2 byte   // ModemConfig2: sperading, mode, crc
	Conf3 byte   // ModemConfig3: low data rate opt, LNA gain
	Info  string // human readable summary
}

// Configs is the table of supported configurations and their corresponding register settings.
// In order to operate at a new bit rate the table can be extended by the client.
var Configs = map[string]Config{
	// Configurations from radiohead library, the first one is fast for short range, the
	// second intermediate for medium range, and the last two slow for long range.
	"bw500cr45sf128":  {0x92, 0x74, 0x00, "500Khz bandwidth, 4/5 coding rate, SF7"},
	"bw125cr45sf128":  {0x72, 0x74, 0x00, "125Khz bandwidth, 4/5 coding rate, SF7"},
	"bw125cr48sf4096": {0x78, 0xc4, 0x08, "125Khz bandwidth, 4/8 coding rate, SF12"},
	"bw31cr48sf512":   {0x48, 0x94, 0x00, "31.25Khz bandwidth, 4/8 coding rate, SF9"},
}

// bandwidths in Hz indexed by the BW field of ModemConfig1.
var bandwidths = [...]int64{7800, 10400, 15600, 20800, 31250, 41700, 62500, 125000, 250000, 500000}

// Bandwidth returns the signal bandwidth in Hz.
func (c Config) Bandwidth() int64 {
	bw := int(c.Conf1 >> 4)
	if bw >= len(bandwidths) {
		bw = len(bandwidths) - 1
	}
	return bandwidths[bw]
}

// SpreadingFactor returns the spreading factor (6..12).
func (c Config) SpreadingFactor() int { return int(c.Conf2 >> 4) }

// CodingRate returns the denominator offset of the coding rate: 1 for 4/5 up to 4 for 4/8.
func (c Config) CodingRate() int { return int(c.Conf1>>1) & 0x07 }

// Symbol returns the duration of one chirp.
func (c Config) Symbol() time.Duration {
	return time.Duration(int64(1)<<uint(c.SpreadingFactor())*int64(time.Second)/c.Bandwidth()) * time.Nanosecond
}

// Airtime returns the time on air of a packet with n payload bytes using explicit header mode,
// CRC, and the preamble programmed by New (see the SX1276 datasheet, section 4.1.1.7).
func (c Config) Airtime(n int) time.Duration {
	sf := int64(c.SpreadingFactor())
	de := int64(0)
	if c.Conf3&0x08 != 0 {
		de = 1
	}
	sym := c.Symbol()
	preamble := sym * (4*preambleLen + 17) / 4 // preamble + 4.25 symbols

	num := 8*int64(n) - 4*sf + 28 + 16
	den := 4 * (sf - 2*de)
	symbols := int64(8)
	if num > 0 {
		symbols += (num + den - 1) / den * int64(c.CodingRate()+4)
	}
	return preamble + sym*time.Duration(symbols)
}
