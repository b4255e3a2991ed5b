package astiflow

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// DefaultInputBatch is how many packets Pipeline asks an Input to produce
// per Receive call before publishing them one at a time into the ring.
const DefaultInputBatch = 32

type stageKind int

const (
	stageInput stageKind = iota
	stageProcessor
	stageOutput
)

type pipelineStage struct {
	kind      stageKind
	input     Input
	processor Processor
	output    Output
}

// PipelineOptions configures a Pipeline at construction.
type PipelineOptions struct {
	// RingSize is the number of slots in the central ring; spec.md §4.6
	// suggests sizing it to a few seconds of the expected bitrate.
	RingSize int
	// InputBatch overrides DefaultInputBatch.
	InputBatch int
	// Realtime is reported back to every plugin's Context.Realtime.
	Realtime bool
	// Bitrate, if nonzero, paces the output stage to this many bits per
	// second via a token bucket instead of running it flat out.
	Bitrate int64
}

// Pipeline runs one input, zero or more processors and one output as
// concurrent stages over a shared Ring, per spec.md §4.6.
//
// Grounded on spec.md §4.6 and original_source's plugin/tstsp.h control
// vocabulary (suspend/resume/restart, joint termination). The single
// "scheduler mutex" spec.md calls for guards only the rare control state
// (joint-termination bookkeeping, suspended-processor set); the abort flag
// and pipeline bitrate are atomics instead, since every stage polls them on
// every packet and a mutex there would turn the hot path into a lock
// convoy, matching reader.go's precedent of an atomic abort flag over a
// mutex-guarded one.
type Pipeline struct {
	ring *Ring
	opts PipelineOptions

	metrics *Metrics

	abort    atomic.Bool
	bitrate  atomic.Int64
	nullCC   atomic.Uint32
	inFilled atomic.Int64
	outFreed atomic.Int64

	controlMu         sync.Mutex
	jointParticipants map[int]bool
	jointVotes        map[int]bool
	suspended         map[int]bool

	limiter *rate.Limiter

	stages  []pipelineStage
	stageMu []sync.Mutex
	wg      sync.WaitGroup

	errMu sync.Mutex
	errs  []error
}

// NewPipeline allocates a Pipeline's ring and control state. SetStages must
// be called before Run.
func NewPipeline(opts PipelineOptions) *Pipeline {
	n := opts.RingSize
	if n <= 0 {
		n = 2000
	}
	if opts.InputBatch <= 0 {
		opts.InputBatch = DefaultInputBatch
	}
	p := &Pipeline{
		ring:              NewRing(n),
		opts:              opts,
		jointParticipants: map[int]bool{},
		jointVotes:        map[int]bool{},
		suspended:         map[int]bool{},
	}
	if opts.Bitrate > 0 {
		packetsPerSec := float64(opts.Bitrate) / 8 / float64(PacketSize)
		p.limiter = rate.NewLimiter(rate.Limit(packetsPerSec), 1)
	}
	return p
}

// SetStages installs the instantiated plugins in pipeline order. Stage
// index 0 is the input, 1..len(processors) are the processors in declared
// order, and len(processors)+1 is the output — the indices NewContext and
// SuspendProcessor/ResumeProcessor expect.
func (p *Pipeline) SetStages(input Input, processors []Processor, output Output) {
	p.stages = make([]pipelineStage, 0, len(processors)+2)
	p.stages = append(p.stages, pipelineStage{kind: stageInput, input: input})
	for _, proc := range processors {
		p.stages = append(p.stages, pipelineStage{kind: stageProcessor, processor: proc})
	}
	p.stages = append(p.stages, pipelineStage{kind: stageOutput, output: output})
	p.stageMu = make([]sync.Mutex, len(p.stages))
}

// lockStage/unlockStage guard one stage's plugin instance against a
// concurrent Supervisor.RestartStage: every Receive/Process/Send call below
// takes the same lock a restart holds across Stop/GetOptions/Start, so a
// restart never overlaps a plugin call already in flight.
func (p *Pipeline) lockStage(i int)   { p.stageMu[i].Lock() }
func (p *Pipeline) unlockStage(i int) { p.stageMu[i].Unlock() }

// UseMetrics attaches a Metrics sink: every stage's packet verdicts and the
// ring's occupancy are published to it as the pipeline runs. Call any time
// after NewPipeline; nil is a valid no-op default, so a Supervisor without a
// --metrics-addr pays nothing for this.
func (p *Pipeline) UseMetrics(m *Metrics) { p.metrics = m }

// observeOccupancy republishes how many ring slots are currently between the
// input's fill cursor and the output's free cursor. Both cursors only ever
// increase, so their difference is the in-flight slot count regardless of
// how many times the ring has wrapped underneath them.
func (p *Pipeline) observeOccupancy() {
	if p.metrics == nil {
		return
	}
	p.metrics.SetRingOccupancy(int(p.inFilled.Load() - p.outFreed.Load()))
}

// NewContext returns the narrow Context a plugin factory should construct
// its plugin with, for the stage at index idx (see SetStages for the index
// convention). Call this before instantiating the plugin, since plugin
// factories take their Context as a constructor argument.
func (p *Pipeline) NewContext(idx int) Context {
	return &pipelineContext{p: p, idx: idx}
}

// Abort raises the pipeline's abort flag, waking every stage blocked on the
// ring so each notices and unwinds.
func (p *Pipeline) Abort() {
	if p.abort.CompareAndSwap(false, true) {
		p.ring.BroadcastAll()
	}
}

// Aborting reports whether Abort has been called.
func (p *Pipeline) Aborting() bool { return p.abort.Load() }

// Bitrate returns the last bitrate published by bitrate propagation, or 0.
func (p *Pipeline) Bitrate() int64 { return p.bitrate.Load() }

// SuspendProcessor pins processor i's slot handling to pass-through: it
// observes every slot as it arrives but never calls Process. i is the
// processor's position among processors (0-based), not its absolute stage
// index.
func (p *Pipeline) SuspendProcessor(i int) {
	p.controlMu.Lock()
	p.suspended[i+1] = true
	p.controlMu.Unlock()
}

// ResumeProcessor reverses SuspendProcessor.
func (p *Pipeline) ResumeProcessor(i int) {
	p.controlMu.Lock()
	delete(p.suspended, i+1)
	p.controlMu.Unlock()
}

func (p *Pipeline) isSuspended(stageIdx int) bool {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()
	return p.suspended[stageIdx]
}

// recomputeBitrate walks stages from output upwards until one reports a
// nonzero bitrate, per spec.md §4.6's bitrate-propagation rule.
func (p *Pipeline) recomputeBitrate() {
	for i := len(p.stages) - 1; i >= 0; i-- {
		var br int64
		p.lockStage(i)
		switch p.stages[i].kind {
		case stageInput:
			br = p.stages[i].input.Bitrate()
		case stageProcessor:
			br = p.stages[i].processor.Bitrate()
		case stageOutput:
			br = p.stages[i].output.Bitrate()
		}
		p.unlockStage(i)
		if br > 0 {
			p.bitrate.Store(br)
			return
		}
	}
}

func (p *Pipeline) recordErr(err error) {
	if err == nil {
		return
	}
	p.errMu.Lock()
	p.errs = append(p.errs, err)
	p.errMu.Unlock()
}

// Err returns the first error recorded by any stage, or nil.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if len(p.errs) == 0 {
		return nil
	}
	return p.errs[0]
}

// nextNullCC returns the next continuity counter value for a synthesized
// null packet. All nullified output shares one counter regardless of which
// processor or original PID produced it, since it's all the same logical
// null-PID stream once regenerated.
func (p *Pipeline) nextNullCC() uint8 {
	return uint8(p.nullCC.Add(1)-1) & 0xf
}

func synthesizeNullPacket(cc uint8) *Packet {
	payload := bytes.Repeat([]byte{0xff}, PacketSize-4)
	h := &PacketHeader{PID: PIDNull, HasPayload: true, ContinuityCounter: cc}
	buf, pkt := assembleCarrierPacket(h, nil, payload)
	pkt.Bytes = buf
	return pkt
}

// Run starts one goroutine per stage and blocks until every stage has
// stopped, which happens once a terminal slot has propagated end to end.
func (p *Pipeline) Run() error {
	n := len(p.stages)
	p.wg.Add(n)
	go p.runInput()
	for i := 1; i < n-1; i++ {
		go p.runProcessor(i)
	}
	go p.runOutput(n - 1)
	p.wg.Wait()
	return p.Err()
}

// runInput is stage 0: it has no predecessor to wait on, so it only waits
// for a slot to be freed (SlotEmpty) before filling it, and always
// publishes with seq 1.
func (p *Pipeline) runInput() {
	defer p.wg.Done()
	const mySeq = 1
	in := p.stages[0].input
	cursor := 0
	batch := make([]*Packet, p.opts.InputBatch)

	for {
		if p.Aborting() {
			p.ring.Publish(cursor, SlotTerminal, nil, mySeq)
			return
		}

		p.lockStage(0)
		n, err := in.Receive(batch)
		p.unlockStage(0)
		if n == 0 {
			p.recordErr(err)
			if !p.Aborting() {
				if state, _ := p.ring.WaitState(cursor, 0, p.Aborting, SlotEmpty); state != SlotEmpty {
					return
				}
			}
			p.ring.Publish(cursor, SlotTerminal, nil, mySeq)
			return
		}

		for i := 0; i < n; i++ {
			if state, _ := p.ring.WaitState(cursor, 0, p.Aborting, SlotEmpty); state != SlotEmpty {
				return
			}
			p.ring.Publish(cursor, SlotFilled, batch[i], mySeq)
			cursor++
			p.inFilled.Add(1)
			p.observeOccupancy()
		}
	}
}

var passThroughStates = []SlotState{SlotFilled, SlotDropped, SlotNullified, SlotTerminal}

// runProcessor is stage stageIdx (1-indexed among the pipeline's stages). It
// only acts on a slot once its immediate predecessor has published it with
// seq >= stageIdx — the minSeq gate — which is what stops this stage (or
// the output after it) from ever observing a slot before the stage ahead of
// it has truly finished with that lap. Every branch below, including an
// unchanged pass-through, republishes with seq = stageIdx+1 so the next
// stage's own gate can open in turn.
func (p *Pipeline) runProcessor(stageIdx int) {
	defer p.wg.Done()
	mySeq := stageIdx + 1
	proc := p.stages[stageIdx].processor
	cursor := 0
	label := "stage-" + strconv.Itoa(stageIdx)

	for {
		state, pkt := p.ring.WaitState(cursor, stageIdx, p.Aborting, passThroughStates...)
		if !stateIn(state, passThroughStates) {
			return
		}
		if state == SlotTerminal {
			p.ring.Publish(cursor, SlotTerminal, nil, mySeq)
			return
		}
		if p.isSuspended(stageIdx) || state != SlotFilled {
			p.ring.Publish(cursor, state, pkt, mySeq)
			cursor++
			continue
		}

		p.lockStage(stageIdx)
		res, err := proc.Process(pkt)
		p.unlockStage(stageIdx)
		p.recordErr(err)
		if p.metrics != nil {
			p.metrics.ObserveStage(label, res.Status.String())
		}
		switch res.Status {
		case StatusDrop:
			p.ring.Publish(cursor, SlotDropped, nil, mySeq)
		case StatusNullify:
			p.ring.Publish(cursor, SlotNullified, synthesizeNullPacket(p.nextNullCC()), mySeq)
		case StatusEnd:
			p.ring.Publish(cursor, SlotTerminal, nil, mySeq)
			p.Abort()
			return
		default:
			p.ring.Publish(cursor, SlotFilled, pkt, mySeq)
		}
		if res.BitrateChanged {
			p.recomputeBitrate()
		}
		cursor++
	}
}

var outputWaitStates = []SlotState{SlotFilled, SlotDropped, SlotNullified, SlotTerminal}

// runOutput is the last stage. Like runProcessor it only acts on a slot
// once its immediate predecessor (the last processor, or input itself when
// there are no processors) has published it with seq >= stageIdx.
func (p *Pipeline) runOutput(stageIdx int) {
	defer p.wg.Done()
	out := p.stages[stageIdx].output
	cursor := 0

	for {
		state, pkt := p.ring.WaitState(cursor, stageIdx, p.Aborting, outputWaitStates...)
		if !stateIn(state, outputWaitStates) {
			return
		}
		if state == SlotTerminal {
			return
		}

		if state != SlotDropped {
			if p.limiter != nil {
				p.limiter.Wait(context.Background())
			}
			p.lockStage(stageIdx)
			err := out.Send([]*Packet{pkt})
			p.unlockStage(stageIdx)
			if err != nil {
				// A Writer closed by a broken pipe is a graceful end-of-stream.
				if !errors.Is(err, ErrWriterClosed) {
					p.recordErr(err)
				}
				p.Abort()
				return
			}
		}
		p.ring.Publish(cursor, SlotEmpty, nil, 0)
		cursor++
		p.outFreed.Add(1)
		p.observeOccupancy()
	}
}

// pipelineContext is the concrete Context a Pipeline hands each plugin.
type pipelineContext struct {
	p   *Pipeline
	idx int
}

func (c *pipelineContext) Aborting() bool         { return c.p.Aborting() }
func (c *pipelineContext) PipelineBitrate() int64 { return c.p.Bitrate() }
func (c *pipelineContext) Realtime() bool         { return c.p.opts.Realtime }

func (c *pipelineContext) UseJointTermination(on bool) {
	c.p.controlMu.Lock()
	defer c.p.controlMu.Unlock()
	if on {
		c.p.jointParticipants[c.idx] = true
	} else {
		delete(c.p.jointParticipants, c.idx)
		delete(c.p.jointVotes, c.idx)
	}
}

func (c *pipelineContext) JointTerminate() {
	c.p.controlMu.Lock()
	c.p.jointVotes[c.idx] = true
	allIn := len(c.p.jointParticipants) > 0
	for s := range c.p.jointParticipants {
		if !c.p.jointVotes[s] {
			allIn = false
			break
		}
	}
	c.p.controlMu.Unlock()
	if allIn {
		c.p.Abort()
	}
}

func (c *pipelineContext) ThisJointTerminated() bool {
	c.p.controlMu.Lock()
	defer c.p.controlMu.Unlock()
	return c.p.jointVotes[c.idx]
}
