// Command astiflow is the supervisor entrypoint: it parses the outer
// command line into global options and an -I/-P/-O plugin chain, builds
// and runs a pipeline over that chain, and tears it back down, per
// spec.md §4.8.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	astiflow "github.com/asticode/go-astiflow"
	"github.com/asticode/go-astiflow/plugin/encap"
	"github.com/asticode/go-astiflow/plugin/file"
	"github.com/asticode/go-astiflow/plugin/filter"
	"github.com/pkg/profile"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	chain, declared, err := astiflow.SplitChain(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	a := newGlobalArgs()
	if err := a.Parse(chain.Global); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if a.Help {
		fmt.Printf("%s %s\n", a.Description, a.Syntax)
		return 0
	}
	if a.Debug != "" {
		astiflow.SetLogLevel(a.Debug)
	}

	if a.Present("cpu-profile") {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	} else if a.Present("mem-profile") {
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	}

	var cfg *astiflow.Config
	if path := a.StringValue("config", 0, ""); path != "" {
		cfg, err = astiflow.LoadConfig(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	chain = astiflow.MergeChain(cfg, chain, declared)

	opts := astiflow.MergePipelineOptions(cfg, astiflow.PipelineOptions{
		RingSize: int(a.IntValue("ring-size", 0, 0)),
		Realtime: a.Present("realtime"),
		Bitrate:  a.IntValue("bitrate", 0, 0),
	})

	sup := astiflow.NewSupervisor(builtinRegistry(), opts)
	if err := sup.Build(chain); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	controlAddr := a.StringValue("control-addr", 0, "")
	if controlAddr == "" && cfg != nil {
		controlAddr = cfg.ControlAddr
	}
	if controlAddr != "" {
		cs, err := astiflow.NewControlServer("tcp", controlAddr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		sup.UseControlServer(cs)
		defer cs.Close()
	}

	metricsAddr := a.StringValue("metrics-addr", 0, "")
	if metricsAddr == "" && cfg != nil {
		metricsAddr = cfg.MetricsAddr
	}
	if metricsAddr != "" {
		serveMetrics(sup, metricsAddr)
	}

	handleSignals(sup)

	return sup.Run()
}

// newGlobalArgs declares astiflow's own flags, on top of the predefined
// --help/--version/--verbose/--debug every Args carries.
func newGlobalArgs() *astiflow.Args {
	a := astiflow.NewArgs("astiflow", "[options] -I name [args...] [-P name [args...]]... -O name [args...]")
	a.Option(astiflow.OptionSpec{Name: "ring-size", Type: astiflow.ArgUnsigned, Help: "Number of packet slots in the pipeline's ring buffer."})
	a.Option(astiflow.OptionSpec{Name: "bitrate", Type: astiflow.ArgUnsigned, Help: "Pace the output to this many bits per second; 0 runs flat out."})
	a.Option(astiflow.OptionSpec{Name: "realtime", Type: astiflow.ArgNone, Help: "Advise plugins to use real-time buffering defaults."})
	a.Option(astiflow.OptionSpec{Name: "config", Type: astiflow.ArgString, Help: "Load a plugin chain and settings from a YAML config file."})
	a.Option(astiflow.OptionSpec{Name: "metrics-addr", Type: astiflow.ArgString, Help: "Expose Prometheus metrics on this address."})
	a.Option(astiflow.OptionSpec{Name: "control-addr", Type: astiflow.ArgString, Help: "Listen for control commands on this TCP address."})
	a.Option(astiflow.OptionSpec{Name: "cpu-profile", Type: astiflow.ArgNone, Help: "Write a CPU profile on exit."})
	a.Option(astiflow.OptionSpec{Name: "mem-profile", Type: astiflow.ArgNone, Help: "Write a memory profile on exit."})
	return a
}

// builtinRegistry registers the three plugins built alongside the
// supervisor (spec.md §1 keeps a plugin ecosystem out of scope; these
// exist to make the pipeline runnable end to end).
func builtinRegistry() *astiflow.Registry {
	r := astiflow.NewRegistry()
	r.RegisterInput("file", file.NewInput)
	r.RegisterOutput("file", file.NewOutput)
	r.RegisterProcessor("filter", filter.NewProcessor)
	r.RegisterProcessor("encap", encap.NewProcessor)
	return r
}

// serveMetrics wires a Metrics sink into sup's already-built pipeline, then
// starts the metrics HTTP listener and a background poller republishing the
// pipeline's bitrate into it, both non-blocking: a metrics endpoint that
// can't bind shouldn't prevent the pipeline itself from running.
func serveMetrics(sup *astiflow.Supervisor, addr string) {
	m := astiflow.NewMetrics()
	sup.UseMetrics(m)
	go func() {
		if err := m.Serve(addr); err != nil {
			fmt.Fprintln(os.Stderr, "astiflow: metrics endpoint:", err)
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			m.SetBitrate(sup.Bitrate())
		}
	}()
}

// handleSignals mirrors go-astits' own astits/main.go handleSignals:
// SIGABRT/SIGINT/SIGQUIT/SIGTERM raise the pipeline's abort flag instead of
// cancelling a context, since the supervisor (not a context) owns shutdown
// here.
func handleSignals(sup *astiflow.Supervisor) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGABRT, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		<-ch
		sup.Abort()
	}()
}
