package file

import (
	"os"
	"path/filepath"
	"testing"

	astiflow "github.com/asticode/go-astiflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContext struct{ realtime bool }

func (fakeContext) Aborting() bool             { return false }
func (fakeContext) PipelineBitrate() int64     { return 0 }
func (c fakeContext) Realtime() bool           { return c.realtime }
func (fakeContext) UseJointTermination(bool)   {}
func (fakeContext) JointTerminate()            {}
func (fakeContext) ThisJointTerminated() bool  { return false }

func writeRawPackets(t *testing.T, path string, pids ...uint16) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, pid := range pids {
		b := make([]byte, astiflow.PacketSize)
		b[0] = 0x47
		b[1] = byte(pid >> 8)
		b[2] = byte(pid)
		b[3] = 0x10
		_, err := f.Write(b)
		require.NoError(t, err)
	}
}

func TestFileInputReadsPacketsFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.ts")
	writeRawPackets(t, path, 100, 200, 300)

	in := NewInput(fakeContext{})
	require.NoError(t, in.GetOptions([]string{"--input", path}))
	require.NoError(t, in.Start())
	defer in.Stop()

	buf := make([]*astiflow.Packet, 10)
	n, err := in.Receive(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	assert.Equal(t, uint16(100), buf[0].PID())
	assert.Equal(t, uint16(200), buf[1].PID())
	assert.Equal(t, uint16(300), buf[2].PID())

	n, err = in.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFileInputMissingFileIsAnError(t *testing.T) {
	in := NewInput(fakeContext{})
	require.NoError(t, in.GetOptions([]string{"--input", "/does/not/exist.ts"}))
	assert.Error(t, in.Start())
}

func TestFileOutputWritesPacketsToPath(t *testing.T) {
	inPath := filepath.Join(t.TempDir(), "in.ts")
	outPath := filepath.Join(t.TempDir(), "out.ts")
	writeRawPackets(t, inPath, 1, 2)

	in := NewInput(fakeContext{})
	require.NoError(t, in.GetOptions([]string{"--input", inPath}))
	require.NoError(t, in.Start())
	buf := make([]*astiflow.Packet, 10)
	n, err := in.Receive(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	in.Stop()

	out := NewOutput(fakeContext{})
	require.NoError(t, out.GetOptions([]string{"--output", outPath}))
	require.NoError(t, out.Start())
	require.NoError(t, out.Send(buf[:n]))
	require.NoError(t, out.Stop())

	written, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Len(t, written, 2*astiflow.PacketSize)
}

func TestFileOutputKeepExistingRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ts")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	out := NewOutput(fakeContext{})
	require.NoError(t, out.GetOptions([]string{"--output", path, "--keep-existing"}))
	assert.ErrorIs(t, out.Start(), astiflow.ErrFileExists)
}
