package astiflow

// PluginType identifies which of the three pipeline roles a plugin fills.
type PluginType int

const (
	PluginTypeInput PluginType = iota
	PluginTypeOutput
	PluginTypeProcessor
)

// ProcessStatus is a Processor's verdict on one packet.
type ProcessStatus int

const (
	// StatusOK passes the packet to the next stage unchanged.
	StatusOK ProcessStatus = iota
	// StatusEnd tells the supervisor to terminate the whole pipeline.
	StatusEnd
	// StatusDrop removes the packet from the stream entirely.
	StatusDrop
	// StatusNullify replaces the packet's content with a null packet,
	// keeping its slot (and the output bitrate, on real-time outputs).
	StatusNullify
)

// String renders a ProcessStatus as the label metrics.go's per-stage
// CounterVec uses for its "verdict" dimension.
func (s ProcessStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEnd:
		return "end"
	case StatusDrop:
		return "drop"
	case StatusNullify:
		return "nullify"
	default:
		return "unknown"
	}
}

// DefaultStackHint is the advisory stack size reported by a plugin that
// doesn't override StackHint.
const DefaultStackHint = 128 * 1024

// ProcessResult carries a Processor's decision for one packet, plus the two
// out-flags of spec.md §4.5: Flush asks the scheduler to push this packet
// and everything already buffered ahead of it downstream as soon as
// possible; BitrateChanged asks the scheduler to re-poll Bitrate() on every
// stage and republish the pipeline bitrate.
type ProcessResult struct {
	Status         ProcessStatus
	Flush          bool
	BitrateChanged bool
}

// Context is the capability object the scheduler hands each plugin at
// construction, narrow by design: a plugin gets exactly the handful of
// things it may legitimately ask of the pipeline around it, not a pointer
// back to the scheduler itself.
//
// Grounded on tsp.h's ts::TSP base (aborting/bitrate/realtime/joint
// termination), redesigned per spec.md §9 as a plain interface instead of a
// base class a plugin inherits from.
type Context interface {
	// Aborting reports whether the pipeline is shutting down. Plugins doing
	// long-running work should poll it and return promptly once true.
	Aborting() bool
	// PipelineBitrate is the last bitrate published by the scheduler, in
	// bits per second, or 0 if none has been established yet.
	PipelineBitrate() int64
	// Realtime reports whether the supervisor was asked to use real-time
	// scheduling defaults (e.g. tighter buffer sizing, blocking reads).
	Realtime() bool
	// UseJointTermination opts this plugin in (or back out) of joint
	// termination. Usually called once, from Start.
	UseJointTermination(on bool)
	// JointTerminate declares that this plugin has nothing further to
	// contribute. Once every opted-in plugin has called it, the scheduler
	// raises the abort flag for the whole pipeline.
	JointTerminate()
	// ThisJointTerminated reports whether this plugin has already called
	// JointTerminate.
	ThisJointTerminated() bool
}

// Plugin is the lifecycle common to all three roles.
type Plugin interface {
	// GetOptions parses args (as produced by the supervisor splitting the
	// -I/-P/-O specification) into the plugin's own configuration. Called
	// once before Start, and again between Stop and Start when the stage is
	// restarted (Supervisor.RestartStage).
	GetOptions(args []string) error
	// Start acquires whatever resources the plugin needs (open a file,
	// bind a socket, spin up a goroutine) and returns once the plugin is
	// ready to Receive/Process/Send.
	Start() error
	// Stop releases those resources. Called once for each successful Start:
	// at the end of Supervisor.Run, when a later stage's Start fails during
	// Build, or before a restart's Start. A plugin whose own Start failed, or
	// was never reached, gets no Stop call.
	Stop() error
	// Bitrate is a best-effort self-estimate in bits/second; 0 means
	// unknown. An input reports the device's current rate, an output the
	// rate it's sinking at, a processor the rate leaving it.
	Bitrate() int64
	// IsRealtime reports whether the plugin prefers real-time buffering and
	// scheduling defaults. Neither Supervisor nor Pipeline queries it;
	// Context.Realtime reflects only the pipeline's own Realtime option.
	IsRealtime() bool
	// StackHint is the advisory stack size for the goroutine running this
	// stage. Most plugins should embed BasePlugin and never override it.
	StackHint() int
}

// Input produces packets at the head of the pipeline.
type Input interface {
	Plugin
	// Receive fills buf with up to len(buf) packets and returns how many
	// were actually produced. Returning 0 means end of input (EOF, fatal
	// error, or a configured receive timeout elapsing).
	Receive(buf []*Packet) (int, error)
}

// Aborter is optionally implemented by an Input whose Receive can block.
// Pipeline.Abort does not call AbortInput: it wakes stages waiting on the
// ring, but a Receive call already in progress runs until it returns.
type Aborter interface {
	// AbortInput unblocks a pending Receive, placing the input in an error
	// or end-of-input state. The only valid call afterwards is Stop.
	AbortInput() bool
}

// Processor transforms, drops, or nullifies packets in the middle of the
// pipeline.
type Processor interface {
	Plugin
	// Process handles one packet in place and reports what should happen
	// to it next.
	Process(pkt *Packet) (ProcessResult, error)
}

// Output consumes packets at the tail of the pipeline.
type Output interface {
	Plugin
	// Send writes all of buf. Any error it returns ends the pipeline:
	// ErrWriterClosed (a Writer closed by a broken pipe) ends it as a
	// graceful end-of-stream, any other error is recorded as the pipeline's
	// error.
	Send(buf []*Packet) error
}

// NewInputFunc, NewProcessorFunc and NewOutputFunc are the factory
// signatures a plugin package registers under a name, mirroring tsPlugin.h's
// tspNewInput/tspNewOutput/tspNewProcessor profile but taking a Context
// instead of a TSP* back-pointer.
type (
	NewInputFunc     func(ctx Context) Input
	NewProcessorFunc func(ctx Context) Processor
	NewOutputFunc    func(ctx Context) Output
)

// BasePlugin supplies no-op defaults for every Plugin method, so a plugin
// only needs to implement the ones it actually customizes. Grounded on
// tsPlugin.h's default virtual implementations (getOptions/start/stop
// returning true, getBitrate returning 0, isRealTime returning false).
type BasePlugin struct{}

func (BasePlugin) GetOptions([]string) error { return nil }
func (BasePlugin) Start() error              { return nil }
func (BasePlugin) Stop() error               { return nil }
func (BasePlugin) Bitrate() int64             { return 0 }
func (BasePlugin) IsRealtime() bool           { return false }
func (BasePlugin) StackHint() int             { return DefaultStackHint }
