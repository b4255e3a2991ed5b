package astiflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "astiflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigParsesChainAndSettings(t *testing.T) {
	path := writeTestConfig(t, `
ring_size: 500
bitrate: 1000000
realtime: true
metrics_addr: ":9090"
input:
  name: file
  args: ["--input", "in.ts"]
processors:
  - name: filter
    args: ["--drop", "100"]
output:
  name: file
  args: ["--output", "out.ts"]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.RingSize)
	assert.Equal(t, int64(1000000), cfg.Bitrate)
	assert.True(t, cfg.Realtime)
	assert.Equal(t, "file", cfg.Input.Name)
	assert.Len(t, cfg.Processors, 1)
	assert.Equal(t, "filter", cfg.Processors[0].Name)
}

func TestLoadConfigMissingFileIsAnError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestMergeChainPrefersCLIWhenDeclared(t *testing.T) {
	cfg := &Config{Input: ConfigPluginSpec{Name: "rtp"}}
	cli := ChainSpec{Input: PluginSpec{Name: "file"}}
	merged := MergeChain(cfg, cli, true)
	assert.Equal(t, "file", merged.Input.Name)
}

func TestMergeChainFallsBackToConfigWhenCLIChainUndeclared(t *testing.T) {
	cfg := &Config{
		Input:  ConfigPluginSpec{Name: "rtp", Args: []string{"--addr", "239.0.0.1:1234"}},
		Output: ConfigPluginSpec{Name: "file"},
	}
	cli := ChainSpec{Global: []string{"--debug"}}
	merged := MergeChain(cfg, cli, false)
	assert.Equal(t, "rtp", merged.Input.Name)
	assert.Equal(t, []string{"--addr", "239.0.0.1:1234"}, merged.Input.Args)
	assert.Equal(t, "file", merged.Output.Name)
	assert.Equal(t, []string{"--debug"}, merged.Global)
}

func TestMergePipelineOptionsFillsOnlyZeroFields(t *testing.T) {
	cfg := &Config{RingSize: 999, Bitrate: 5000, Realtime: true}
	opts := PipelineOptions{RingSize: 10}
	merged := MergePipelineOptions(cfg, opts)
	assert.Equal(t, 10, merged.RingSize)
	assert.Equal(t, int64(5000), merged.Bitrate)
	assert.True(t, merged.Realtime)
}

func TestMergePipelineOptionsNilConfigIsNoOp(t *testing.T) {
	opts := PipelineOptions{RingSize: 42}
	merged := MergePipelineOptions(nil, opts)
	assert.Equal(t, opts, merged)
}
