// Package encap adapts astiflow.Encapsulator (spec.md §4.4) into the
// Processor contract (spec.md §4.5). The encapsulator's own Process method
// returns a replacement *Packet (a null filler while content is queued, a
// carrier packet once one is ready) rather than mutating its argument in
// place, so Encap.Process copies that replacement's fields over the
// pipeline's packet in place — the pipeline always keeps the same *Packet
// pointer alive from stage to stage, so overwriting *pkt is equivalent to,
// and cheaper than, threading a substitute pointer back through the
// Processor contract.
package encap

import (
	"fmt"

	astiflow "github.com/asticode/go-astiflow"
)

// Encap is the "encap" processor plugin: -P encap --output-pid pid
// --input-pid pid [--input-pid pid...] [--pcr-pid pid] [--max-buffered n]
// [--packing] [--pack-distance n] [--pes-mode none|fixed|variable].
type Encap struct {
	astiflow.BasePlugin
	ctx astiflow.Context

	outputPID    uint16
	inputPIDs    []uint16
	pcrPID       uint16
	maxBuffered  int64
	packing      bool
	packDistance int64
	pesMode      astiflow.EncapPESMode

	enc *astiflow.Encapsulator
}

// NewProcessor satisfies astiflow.NewProcessorFunc for registration under
// "encap".
func NewProcessor(ctx astiflow.Context) astiflow.Processor { return &Encap{ctx: ctx} }

var pesModeEnum = map[string]int64{"none": 0, "fixed": 1, "variable": 2}

func (e *Encap) GetOptions(args []string) error {
	a := astiflow.NewArgs("encap", "[options]")
	a.Option(astiflow.OptionSpec{Name: "output-pid", Type: astiflow.ArgPID, MinOccur: 1, Help: "Carrier PID the encapsulated content is emitted on."})
	a.Option(astiflow.OptionSpec{Name: "input-pid", Type: astiflow.ArgPID, MinOccur: 1, MaxOccur: astiflow.Unbounded, Help: "A PID to capture into the carrier. May repeat."})
	a.Option(astiflow.OptionSpec{Name: "pcr-pid", Type: astiflow.ArgPID, Help: "PID whose PCR is used as the carrier's bitrate/PCR reference."})
	a.Option(astiflow.OptionSpec{Name: "max-buffered", Type: astiflow.ArgUnsigned, Help: "Late FIFO capacity, in captured packets."})
	a.Option(astiflow.OptionSpec{Name: "packing", Type: astiflow.ArgNone, Help: "Wait for more content before emitting a carrier packet when possible."})
	a.Option(astiflow.OptionSpec{Name: "pack-distance", Type: astiflow.ArgUnsigned, Help: "Force a carrier packet out after this many input packets even if packing."})
	a.Option(astiflow.OptionSpec{Name: "pes-mode", Type: astiflow.ArgEnum, Enum: pesModeEnum, Help: "Carrier payload framing: none, fixed or variable."})
	if err := a.Parse(args); err != nil {
		return err
	}

	e.outputPID = uint16(a.IntValue("output-pid", 0, 0))
	for i := 0; i < a.Count("input-pid"); i++ {
		e.inputPIDs = append(e.inputPIDs, uint16(a.IntValue("input-pid", i, 0)))
	}
	e.pcrPID = uint16(a.IntValue("pcr-pid", 0, int64(astiflow.PIDNull)))
	e.maxBuffered = a.IntValue("max-buffered", 0, 0)
	e.packing = a.Present("packing")
	e.packDistance = a.IntValue("pack-distance", 0, 0)
	e.pesMode = astiflow.EncapPESMode(a.EnumValue("pes-mode", 0, int64(astiflow.EncapPESModeNone)))
	return nil
}

func (e *Encap) Start() error {
	enc, err := astiflow.NewEncapsulator(e.outputPID, e.inputPIDs, e.pcrPID)
	if err != nil {
		return fmt.Errorf("encap: %w", err)
	}
	if e.maxBuffered > 0 {
		enc.SetMaxBuffered(int(e.maxBuffered))
	}
	enc.SetPacking(e.packing, e.packDistance)
	enc.SetPESMode(e.pesMode)
	e.enc = enc
	return nil
}

// Process runs pkt through the encapsulator and copies whatever packet it
// decides to emit in pkt's place, in place. A sticky encapsulator error
// (PID conflict, buffer overflow) ends the pipeline rather than being
// silently retried on every subsequent packet, matching the encapsulator's
// own "once broken, always broken" contract.
func (e *Encap) Process(pkt *astiflow.Packet) (astiflow.ProcessResult, error) {
	out, err := e.enc.Process(pkt)
	if err != nil {
		return astiflow.ProcessResult{Status: astiflow.StatusEnd}, fmt.Errorf("encap: %w", err)
	}
	*pkt = *out
	return astiflow.ProcessResult{Status: astiflow.StatusOK}, nil
}

func (e *Encap) Bitrate() int64 { return 0 }
