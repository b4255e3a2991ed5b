package astiflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBasePluginDefaults(t *testing.T) {
	var p BasePlugin
	assert.NoError(t, p.GetOptions(nil))
	assert.NoError(t, p.Start())
	assert.NoError(t, p.Stop())
	assert.Equal(t, int64(0), p.Bitrate())
	assert.False(t, p.IsRealtime())
	assert.Equal(t, DefaultStackHint, p.StackHint())
}

// fakeInput, fakeProcessor and fakeOutput exist only to pin the Input,
// Processor and Output interfaces against BasePlugin at compile time.
type fakeInput struct{ BasePlugin }

func (fakeInput) Receive(buf []*Packet) (int, error) { return 0, nil }

type fakeProcessor struct{ BasePlugin }

func (fakeProcessor) Process(pkt *Packet) (ProcessResult, error) {
	return ProcessResult{Status: StatusOK}, nil
}

type fakeOutput struct{ BasePlugin }

func (fakeOutput) Send(buf []*Packet) error { return nil }

var (
	_ Input     = fakeInput{}
	_ Processor = fakeProcessor{}
	_ Output    = fakeOutput{}
)

func TestProcessorContractViaBasePlugin(t *testing.T) {
	p := fakeProcessor{}
	res, err := p.Process(&Packet{})
	assert.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.False(t, res.Flush)
	assert.False(t, res.BitrateChanged)
}

// fakeContext is a minimal Context, pinned against the Context interface
// below and exercised by TestFakeContextJointTerminationRoundTrip.
type fakeContext struct {
	aborting  bool
	bitrate   int64
	realtime  bool
	useJoint  bool
	terminated bool
}

func (c *fakeContext) Aborting() bool         { return c.aborting }
func (c *fakeContext) PipelineBitrate() int64 { return c.bitrate }
func (c *fakeContext) Realtime() bool         { return c.realtime }
func (c *fakeContext) UseJointTermination(on bool) {
	c.useJoint = on
}
func (c *fakeContext) JointTerminate()          { c.terminated = true }
func (c *fakeContext) ThisJointTerminated() bool { return c.terminated }

func TestFakeContextJointTerminationRoundTrip(t *testing.T) {
	c := &fakeContext{}
	c.UseJointTermination(true)
	assert.True(t, c.useJoint)
	assert.False(t, c.ThisJointTerminated())
	c.JointTerminate()
	assert.True(t, c.ThisJointTerminated())
}

var _ Context = (*fakeContext)(nil)
