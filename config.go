package astiflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigPluginSpec is one plugin entry in a config file's plugin list,
// mirroring PluginSpec but with YAML tags instead of command-line tokens.
type ConfigPluginSpec struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args"`
}

// Config is the optional `--config file.yaml` document: a plugin chain plus
// a handful of supervisor-wide settings, parsed with gopkg.in/yaml.v3. This
// supplements spec.md's CLI-only argument model (§4.7/§4.8 describe the
// command line only) rather than replacing it: the CLI always wins where
// both specify a value, per MergeChain below.
type Config struct {
	RingSize    int                `yaml:"ring_size"`
	Bitrate     int64              `yaml:"bitrate"`
	Realtime    bool               `yaml:"realtime"`
	MetricsAddr string             `yaml:"metrics_addr"`
	ControlAddr string             `yaml:"control_addr"`
	Input       ConfigPluginSpec   `yaml:"input"`
	Processors  []ConfigPluginSpec `yaml:"processors"`
	Output      ConfigPluginSpec   `yaml:"output"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("astiflow: reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("astiflow: parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// chainFromConfig builds a ChainSpec out of a config file's plugin list,
// used when the outer command line carries no -I/-P/-O of its own.
func chainFromConfig(cfg *Config) ChainSpec {
	chain := ChainSpec{
		Input:  PluginSpec{Name: cfg.Input.Name, Args: cfg.Input.Args},
		Output: PluginSpec{Name: cfg.Output.Name, Args: cfg.Output.Args},
	}
	if chain.Input.Name == "" {
		chain.Input.Name = DefaultInputPlugin
	}
	if chain.Output.Name == "" {
		chain.Output.Name = DefaultOutputPlugin
	}
	for _, p := range cfg.Processors {
		chain.Processors = append(chain.Processors, PluginSpec{Name: p.Name, Args: p.Args})
	}
	return chain
}

// MergeChain combines a config file's chain with the outer command line's
// chain: the CLI chain wins in full whenever it declares any -I/-P/-O of
// its own (a chain is "declared" once SplitChain saw at least one -I/-P/-O
// token), since a plugin chain is a single connected pipeline, not a set of
// independently overridable fields — splicing one plugin from the config
// file into a CLI-specified chain (or vice versa) would silently produce a
// pipeline the operator never actually wrote.
func MergeChain(cfg *Config, cliChain ChainSpec, cliDeclaredChain bool) ChainSpec {
	if cliDeclaredChain || cfg == nil {
		return cliChain
	}
	merged := chainFromConfig(cfg)
	merged.Global = cliChain.Global
	return merged
}

// MergePipelineOptions lets config-file-level supervisor settings seed
// PipelineOptions, with any non-zero field already set on opts (i.e. set
// from a CLI flag) taking precedence.
func MergePipelineOptions(cfg *Config, opts PipelineOptions) PipelineOptions {
	if cfg == nil {
		return opts
	}
	if opts.RingSize == 0 {
		opts.RingSize = cfg.RingSize
	}
	if opts.Bitrate == 0 {
		opts.Bitrate = cfg.Bitrate
	}
	if !opts.Realtime {
		opts.Realtime = cfg.Realtime
	}
	return opts
}
