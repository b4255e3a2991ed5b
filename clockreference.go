package astiflow

import "time"

// ClockReference is a value carried by either a PCR (27MHz) or a PTS/DTS
// (90kHz) field: a 33-bit base multiplied by 300 plus a 9-bit extension,
// both counted against the 27MHz system clock. PTS/DTS values only ever
// carry a base (Extension is 0); PCR/OPCR/ESCR carry both.
type ClockReference struct {
	Base      int64
	Extension int64
}

// systemClockFrequency is the 27MHz clock PCR values are expressed against.
const systemClockFrequency = 27000000

// pcrMax is the modulus a PCR wraps around at: 2^33*300 + 2^9.
const pcrMax = int64(1)<<33*300 + 1<<9

func newClockReference(base, extension int64) *ClockReference {
	return &ClockReference{Base: base, Extension: extension}
}

// PCR returns the combined 27MHz tick count: base*300 + extension.
func (cr *ClockReference) PCR() int64 {
	return cr.Base*300 + cr.Extension
}

// Duration returns the clock reference expressed as a time.Duration since
// an arbitrary epoch (27MHz ticks converted to nanoseconds).
//
// The conversion factor 1e9/27e6 reduces to 1000/27; multiplying by 1000
// before dividing by 27 keeps the whole computation within int64 range for
// any valid (wrapped) PCR value, unlike multiplying by 1e9 directly.
func (cr *ClockReference) Duration() time.Duration {
	return time.Duration(cr.PCR()*1000/27) * time.Nanosecond
}

// Time returns the clock reference as a wall time relative to the Unix
// epoch, as if the stream's clock had started at time 0.
func (cr *ClockReference) Time() time.Time {
	return time.Unix(0, 0).Add(cr.Duration())
}

// addPackets extrapolates a clock reference forward by n transport packets
// carried at bitrateKbps (kilobits/second), per spec.md §4.4's carrier PCR
// extrapolation formula: last_ref_pcr + (packets*1000/bitrate_kbps)*27000.
func (cr *ClockReference) addPackets(n int64, bitrateKbps int64) *ClockReference {
	if bitrateKbps <= 0 {
		return cr
	}
	ticks := (n * 1000 / bitrateKbps) * (systemClockFrequency / 1000)
	pcr := cr.PCR() + ticks
	return newClockReference(pcr/300, pcr%300)
}

// precedesWithWrap reports whether next is strictly after prev on the
// 27MHz modular clock, treating a delta that would wrap backwards as
// invalid (spec.md §3: "wrap-around... handled by ignoring deltas where
// next <= previous").
func precedesWithWrap(prev, next *ClockReference) bool {
	return next.PCR() > prev.PCR()
}
