// github.com/tve/pertest measures the packet error rate and the link quality between two LoRa
// radios. The pert package holds the test protocol and its state machine, independent of any
// hardware. The sx1276 driver and the spimux chip select helper use periph for access to the
// SPI bus and the gpio pins, and loopback connects two machines over a simulated channel. The
// pertest command in the cmd directory runs the protocol on a real radio or in simulation.
package pertest
