// Package filter provides a PID-based drop/nullify processor plugin,
// exercising the Processor contract (spec.md §4.5) and the
// StatusDrop/StatusNullify verdicts the scheduler (spec.md §4.6) acts on.
// It exists to make the pipeline's PID-level decisions testable end to
// end, not as a general-purpose filtering language.
package filter

import (
	astiflow "github.com/asticode/go-astiflow"
	"golang.org/x/exp/maps"
)

// Filter is the "filter" processor plugin: -P filter [--drop pid]...
// [--nullify pid]... Each flag may repeat; a PID named by --drop always
// wins over the same PID also named by --nullify, since removing a packet
// entirely is the stronger verdict.
type Filter struct {
	astiflow.BasePlugin
	ctx astiflow.Context

	drop     map[uint16]bool
	nullify  map[uint16]bool
}

// NewProcessor satisfies astiflow.NewProcessorFunc for registration under
// "filter".
func NewProcessor(ctx astiflow.Context) astiflow.Processor { return &Filter{ctx: ctx} }

func (f *Filter) GetOptions(args []string) error {
	a := astiflow.NewArgs("filter", "[options]")
	a.Option(astiflow.OptionSpec{Name: "drop", Type: astiflow.ArgPID, MaxOccur: astiflow.Unbounded, Help: "Remove this PID from the stream entirely. May repeat."})
	a.Option(astiflow.OptionSpec{Name: "nullify", Type: astiflow.ArgPID, MaxOccur: astiflow.Unbounded, Help: "Replace this PID's packets with null packets. May repeat."})
	if err := a.Parse(args); err != nil {
		return err
	}

	f.drop = map[uint16]bool{}
	for i := 0; i < a.Count("drop"); i++ {
		f.drop[uint16(a.IntValue("drop", i, 0))] = true
	}
	f.nullify = map[uint16]bool{}
	for i := 0; i < a.Count("nullify"); i++ {
		f.nullify[uint16(a.IntValue("nullify", i, 0))] = true
	}
	return nil
}

// Process drops or nullifies pkt per the PID sets GetOptions built, or
// passes it through unchanged.
func (f *Filter) Process(pkt *astiflow.Packet) (astiflow.ProcessResult, error) {
	pid := pkt.PID()
	switch {
	case f.drop[pid]:
		return astiflow.ProcessResult{Status: astiflow.StatusDrop}, nil
	case f.nullify[pid]:
		return astiflow.ProcessResult{Status: astiflow.StatusNullify}, nil
	default:
		return astiflow.ProcessResult{Status: astiflow.StatusOK}, nil
	}
}

// DroppedPIDs and NullifiedPIDs expose the filter's configured PID sets
// (e.g. for the control channel's `list` output, or tests), using
// golang.org/x/exp/maps for the map-to-slice conversion rather than a
// hand-written loop, per DESIGN.md's C6 note on where this dependency
// ended up being exercised.
func (f *Filter) DroppedPIDs() []uint16   { return maps.Keys(f.drop) }
func (f *Filter) NullifiedPIDs() []uint16 { return maps.Keys(f.nullify) }
