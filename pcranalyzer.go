package astiflow

import "golang.org/x/exp/maps"

// PCRAnalyzerMode selects which timestamp the analyzer tracks.
type PCRAnalyzerMode int

const (
	// PCRAnalyzerModePCR tracks the adaptation field's PCR (27MHz clock).
	PCRAnalyzerModePCR PCRAnalyzerMode = iota
	// PCRAnalyzerModeDTS tracks a PES payload's DTS (90kHz clock, scaled by
	// 300 to line up with the 27MHz PCR arithmetic).
	PCRAnalyzerModeDTS
)

// PCRAnalyzerOptions configures NewPCRAnalyzer.
type PCRAnalyzerOptions struct {
	// MinPID is the minimum number of PIDs that must report a complete
	// sample set before the aggregate bitrate is considered valid. Must be
	// >= 1; defaults to 1.
	MinPID int
	// MinPCRPerPID is the minimum number of samples a PID must accumulate
	// to be "complete". Must be >= 1; defaults to 64.
	MinPCRPerPID int
	// Mode selects PCR or DTS tracking.
	Mode PCRAnalyzerMode
	// IgnoreErrors suppresses the discontinuity-on-sync-loss rule.
	IgnoreErrors bool
}

func (o *PCRAnalyzerOptions) setDefaults() {
	if o.MinPID <= 0 {
		o.MinPID = 1
	}
	if o.MinPCRPerPID <= 0 {
		o.MinPCRPerPID = 64
	}
}

type pcrAnalyzerPID struct {
	lastCR       *ClockReference
	lastCC       uint8
	hasCC        bool
	packetCount  int64 // since the last PCR/DTS sample; reset to 0 there
	totalPackets int64 // cumulative, never reset; PIDBitrate188's weighting numerator
	sampleCount  int64
	sumBitrate188 int64
	sumBitrate204 int64
}

// PCRAnalyzer estimates transport bitrate from PCR or DTS timestamps across
// configured minimum thresholds, per spec.md §4.3.
//
// Grounded on tsPCRAnalyzer.h/.cpp's per-PID running sums and dual 188/204
// bitrate formulas.
type PCRAnalyzer struct {
	opts PCRAnalyzerOptions
	pids map[uint16]*pcrAnalyzerPID

	globalPacketCount  int64
	globalSampleCount  int64
	globalSumBitrate188 int64
	globalSumBitrate204 int64
}

// NewPCRAnalyzer returns a PCRAnalyzer configured with opts.
func NewPCRAnalyzer(opts PCRAnalyzerOptions) *PCRAnalyzer {
	opts.setDefaults()
	return &PCRAnalyzer{
		opts: opts,
		pids: make(map[uint16]*pcrAnalyzerPID),
	}
}

// Feed processes one packet and reports whether a valid aggregate bitrate
// is now available.
func (a *PCRAnalyzer) Feed(p *Packet, synced bool) bool {
	if !synced && !a.opts.IgnoreErrors {
		a.invalidateAll()
		a.globalPacketCount++
		return a.bitrateValid()
	}

	pid := p.PID()
	s, ok := a.pids[pid]
	if !ok {
		s = &pcrAnalyzerPID{}
		a.pids[pid] = s
	}

	if s.hasCC && !isExpectedCC(s.lastCC, p.CC(), p.HasPayload()) {
		af := p.AdaptationField
		if af == nil || !af.DiscontinuityIndicator {
			s.lastCR = nil
		}
	}
	s.hasCC = true
	s.lastCC = p.CC()

	a.globalPacketCount++
	s.packetCount++
	s.totalPackets++

	cr := a.extract(p)
	if cr != nil {
		if s.lastCR != nil && precedesWithWrap(s.lastCR, cr) {
			a.accumulate(s, s.packetCount, s.lastCR, cr)
		}
		s.lastCR = cr
		s.packetCount = 0
	}
	return a.bitrateValid()
}

// extract returns the timestamp to track per a.opts.Mode, scaled so both
// modes compare on the same 27MHz tick base. DTS is a 90kHz clock with no
// extension field, so wrapping its raw base as a ClockReference already
// yields base*300 27MHz-equivalent ticks via PCR()'s own base*300+extension
// formula.
func (a *PCRAnalyzer) extract(p *Packet) *ClockReference {
	switch a.opts.Mode {
	case PCRAnalyzerModeDTS:
		if p.AdaptationField == nil || p.AdaptationField.AdaptationExtensionField == nil {
			return nil
		}
		dts := p.AdaptationField.AdaptationExtensionField.DTSNextAccessUnit
		if dts == nil {
			return nil
		}
		return newClockReference(dts.Base, 0)
	default:
		return p.PCRValue()
	}
}

func isExpectedCC(last, cur uint8, hasPayload bool) bool {
	if !hasPayload {
		return cur == last
	}
	return cur == (last+1)&0xf
}

func (a *PCRAnalyzer) accumulate(s *pcrAnalyzerPID, packetsSince int64, prev, cur *ClockReference) {
	delta := cur.PCR() - prev.PCR()
	if delta <= 0 {
		return
	}

	bitrate188 := packetsSince * systemClockFrequency * 188 * 8 / delta
	bitrate204 := packetsSince * systemClockFrequency * 204 * 8 / delta

	s.sumBitrate188 += bitrate188
	s.sumBitrate204 += bitrate204
	s.sampleCount++

	a.globalSumBitrate188 += bitrate188
	a.globalSumBitrate204 += bitrate204
	a.globalSampleCount++
}

func (a *PCRAnalyzer) invalidateAll() {
	for _, s := range a.pids {
		s.lastCR = nil
		s.hasCC = false
	}
}

// completePIDCount returns how many PIDs have reached MinPCRPerPID samples.
func (a *PCRAnalyzer) completePIDCount() int {
	n := 0
	for _, s := range a.pids {
		if s.sampleCount >= int64(a.opts.MinPCRPerPID) {
			n++
		}
	}
	return n
}

func (a *PCRAnalyzer) bitrateValid() bool {
	return a.completePIDCount() >= a.opts.MinPID
}

// Bitrate188 returns the aggregate estimated bitrate assuming 188-byte
// packets, or 0 if not yet valid.
func (a *PCRAnalyzer) Bitrate188() int64 {
	if !a.bitrateValid() || a.globalSampleCount == 0 {
		return 0
	}
	return a.globalSumBitrate188 / a.globalSampleCount
}

// Bitrate204 returns the aggregate estimated bitrate assuming 204-byte
// (RS-framed) packets, or 0 if not yet valid.
func (a *PCRAnalyzer) Bitrate204() int64 {
	if !a.bitrateValid() || a.globalSampleCount == 0 {
		return 0
	}
	return a.globalSumBitrate204 / a.globalSampleCount
}

// PIDBitrate188 returns the estimated bitrate attributable to pid, derived
// from the PID's share of global packet traffic (spec.md §4.3's
// bitrate_188(pid) formula: bitrate_188(pid) = (global_188 × pid_packets) /
// (global_samples × global_packets), where pid_packets is the PID's
// cumulative packet count, not the delta since its last PCR sample — that
// delta resets to 0 at exactly the moment a PID becomes "complete", which
// would make this always 0 right when callers use it). Returns 0 if the
// aggregate isn't valid yet or pid is unknown.
func (a *PCRAnalyzer) PIDBitrate188(pid uint16) int64 {
	s, ok := a.pids[pid]
	if !ok || !a.bitrateValid() || a.globalSampleCount == 0 || a.globalPacketCount == 0 {
		return 0
	}
	return a.globalSumBitrate188 * s.totalPackets / (a.globalSampleCount * a.globalPacketCount)
}

// KnownPIDs returns the set of PIDs observed so far.
func (a *PCRAnalyzer) KnownPIDs() []uint16 {
	return maps.Keys(a.pids)
}

// Reset clears all accumulated state.
func (a *PCRAnalyzer) Reset() {
	a.pids = make(map[uint16]*pcrAnalyzerPID)
	a.globalPacketCount = 0
	a.globalSampleCount = 0
	a.globalSumBitrate188 = 0
	a.globalSumBitrate204 = 0
}
