package astiflow

import (
	"fmt"
)

// PluginSpec is one "-I/-P/-O name args..." specification from the outer
// command line, per spec.md §4.8.
type PluginSpec struct {
	Name string
	Args []string
}

// ChainSpec is a fully split plugin chain: the outer command line's
// global options plus one input, zero or more processors and one output
// specification, in declaration order.
type ChainSpec struct {
	Global     []string
	Input      PluginSpec
	Processors []PluginSpec
	Output     PluginSpec
}

// DefaultInputPlugin and DefaultOutputPlugin are used when the outer
// command line carries no -I or -O, per spec.md §4.8.
const (
	DefaultInputPlugin  = "file"
	DefaultOutputPlugin = "file"
)

// SplitChain tokenizes an outer command line into global options and the
// -I/-P/-O plugin specifications. Each plugin's own arguments run from the
// token after its name up to (not including) the next -I/-P/-O token, or
// the end of argv. Grounded on spec.md §4.8 and
// original_source/src/libtsduck/tstspOptions.cpp's plugin-chain splitting.
// SplitChain's second return value reports whether argv declared any
// -I/-P/-O of its own, as opposed to falling back to every default — this
// is what config.go's MergeChain uses to decide whether a config file's
// chain should apply at all.
func SplitChain(argv []string) (ChainSpec, bool, error) {
	var chain ChainSpec
	haveInput, haveOutput := false, false
	declared := false

	i := 0
	for i < len(argv) && argv[i] != "-I" && argv[i] != "-P" && argv[i] != "-O" {
		chain.Global = append(chain.Global, argv[i])
		i++
	}

	for i < len(argv) {
		kind := argv[i]
		i++
		declared = true
		if i >= len(argv) {
			return chain, declared, fmt.Errorf("astiflow: %s requires a plugin name", kind)
		}
		spec := PluginSpec{Name: argv[i]}
		i++
		for i < len(argv) && argv[i] != "-I" && argv[i] != "-P" && argv[i] != "-O" {
			spec.Args = append(spec.Args, argv[i])
			i++
		}

		switch kind {
		case "-I":
			if haveInput {
				return chain, declared, fmt.Errorf("astiflow: only one -I input plugin is allowed")
			}
			chain.Input = spec
			haveInput = true
		case "-P":
			chain.Processors = append(chain.Processors, spec)
		case "-O":
			if haveOutput {
				return chain, declared, fmt.Errorf("astiflow: only one -O output plugin is allowed")
			}
			chain.Output = spec
			haveOutput = true
		}
	}

	if !haveInput {
		chain.Input = PluginSpec{Name: DefaultInputPlugin}
	}
	if !haveOutput {
		chain.Output = PluginSpec{Name: DefaultOutputPlugin}
	}
	return chain, declared, nil
}

// stageHandle pairs an instantiated plugin with the name it was
// constructed from, for `list` and restart support.
type stageHandle struct {
	name   string
	plugin Plugin
}

// Supervisor owns a plugin Registry, instantiates a chain's plugins against
// a Pipeline, runs it to completion, and tears everything back down. It is
// the Go counterpart of tsp's main executable, grounded on spec.md §4.8.
type Supervisor struct {
	registry *Registry
	opts     PipelineOptions

	pipeline *Pipeline
	stages   []stageHandle
	control  *ControlServer
}

// NewSupervisor returns a Supervisor backed by registry.
func NewSupervisor(registry *Registry, opts PipelineOptions) *Supervisor {
	return &Supervisor{registry: registry, opts: opts}
}

// Build instantiates every plugin in chain, calling GetOptions then Start
// on each in input→output order. If any Start fails, every
// already-started plugin is stopped in reverse order and Build returns the
// failure, per spec.md §4.8.
func (s *Supervisor) Build(chain ChainSpec) error {
	s.pipeline = NewPipeline(s.opts)

	inputCtx := s.pipeline.NewContext(0)
	newInput, err := s.registry.input(chain.Input.Name)
	if err != nil {
		return err
	}
	input := newInput(inputCtx)

	var processors []Processor
	for idx, ps := range chain.Processors {
		ctx := s.pipeline.NewContext(idx + 1)
		newProc, err := s.registry.processor(ps.Name)
		if err != nil {
			return err
		}
		processors = append(processors, newProc(ctx))
	}

	outputCtx := s.pipeline.NewContext(len(chain.Processors) + 1)
	newOutput, err := s.registry.output(chain.Output.Name)
	if err != nil {
		return err
	}
	output := newOutput(outputCtx)

	s.pipeline.SetStages(input, processors, output)

	s.stages = append(s.stages, stageHandle{name: chain.Input.Name, plugin: input})
	for i, p := range processors {
		s.stages = append(s.stages, stageHandle{name: chain.Processors[i].Name, plugin: p})
	}
	s.stages = append(s.stages, stageHandle{name: chain.Output.Name, plugin: output})

	specs := append([]PluginSpec{chain.Input}, chain.Processors...)
	specs = append(specs, chain.Output)

	for i, h := range s.stages {
		if err := h.plugin.GetOptions(specs[i].Args); err != nil {
			return fmt.Errorf("astiflow: %s: parsing options: %w", h.name, err)
		}
	}

	for i, h := range s.stages {
		if err := h.plugin.Start(); err != nil {
			s.stopFrom(i - 1)
			return fmt.Errorf("astiflow: %s: starting: %w", h.name, err)
		}
	}
	return nil
}

// stopFrom calls Stop on stages 0..from, in reverse order, logging but not
// propagating failures — a stage that failed to start doesn't get a
// matching Stop call.
func (s *Supervisor) stopFrom(from int) {
	for i := from; i >= 0; i-- {
		if err := s.stages[i].plugin.Stop(); err != nil {
			logger.Error("astiflow: stopping plugin failed", "plugin", s.stages[i].name, "error", err)
		}
	}
}

// Run blocks until the pipeline reaches a terminal state (natural
// end-of-input or an abort), then stops every plugin in input→output
// order. It returns a non-zero exit status if any stage reported an
// unrecoverable error, per spec.md §4.8.
func (s *Supervisor) Run() int {
	if s.control != nil {
		go s.control.Serve(s)
	}

	err := s.pipeline.Run()

	for i := 0; i < len(s.stages); i++ {
		if stopErr := s.stages[i].plugin.Stop(); stopErr != nil {
			logger.Error("astiflow: stopping plugin failed", "plugin", s.stages[i].name, "error", stopErr)
		}
	}

	if err != nil {
		logger.Error("astiflow: pipeline stopped with an error", "error", err)
		return 1
	}
	return 0
}

// Abort raises the pipeline's abort flag, causing Run to return as soon as
// every stage notices.
func (s *Supervisor) Abort() { s.pipeline.Abort() }

// Bitrate returns the pipeline's last published bitrate, for an operator's
// metrics endpoint to poll.
func (s *Supervisor) Bitrate() int64 { return s.pipeline.Bitrate() }

// ListPlugins returns each stage's plugin name in pipeline order, for the
// control channel's `list` command.
func (s *Supervisor) ListPlugins() []string {
	names := make([]string, len(s.stages))
	for i, h := range s.stages {
		names[i] = h.name
	}
	return names
}

// SuspendProcessor/ResumeProcessor forward to the underlying Pipeline,
// using the same 0-based processor index the control channel's
// `suspend`/`resume` commands take.
func (s *Supervisor) SuspendProcessor(i int) { s.pipeline.SuspendProcessor(i) }
func (s *Supervisor) ResumeProcessor(i int)  { s.pipeline.ResumeProcessor(i) }

// RestartStage re-parses args into the plugin already occupying absolute
// stage index i (0 is the input, len(s.stages)-1 the output — the same
// indexing ListPlugins reports) and restarts it: Stop, GetOptions, Start,
// on the same instance. tsp's own CMD_RESTART swaps in a freshly
// constructed plugin object; reusing the instance here avoids threading a
// second Registry lookup and a live stage-index-to-Context rewire through
// the control channel for what is, in both cases, a plugin being asked to
// forget its prior options and re-initialize.
//
// The control channel runs on its own goroutine, concurrently with the
// pipeline's stage goroutines, so RestartStage takes the same per-stage
// lock scheduler.go holds around every Receive/Process/Send call: without
// it, a restart could call Stop/GetOptions/Start on a plugin instance while
// that instance's own Process call (say) is still in flight on the
// pipeline goroutine.
func (s *Supervisor) RestartStage(i int, args []string) error {
	if i < 0 || i >= len(s.stages) {
		return fmt.Errorf("astiflow: no stage at index %d", i)
	}
	h := s.stages[i]
	s.pipeline.lockStage(i)
	defer s.pipeline.unlockStage(i)
	if err := h.plugin.Stop(); err != nil {
		return fmt.Errorf("astiflow: %s: stopping for restart: %w", h.name, err)
	}
	if err := h.plugin.GetOptions(args); err != nil {
		return fmt.Errorf("astiflow: %s: parsing restart options: %w", h.name, err)
	}
	if err := h.plugin.Start(); err != nil {
		return fmt.Errorf("astiflow: %s: restarting: %w", h.name, err)
	}
	return nil
}

// UseControlServer attaches a control channel listener to be served once
// Run starts. Call before Run.
func (s *Supervisor) UseControlServer(cs *ControlServer) { s.control = cs }

// UseMetrics attaches a Metrics sink to the already-built pipeline, so every
// stage's packet verdicts and the ring's occupancy get published to it. Call
// after Build.
func (s *Supervisor) UseMetrics(m *Metrics) { s.pipeline.UseMetrics(m) }
