package filter

import (
	"sort"
	"testing"

	astiflow "github.com/asticode/go-astiflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContext struct{}

func (fakeContext) Aborting() bool            { return false }
func (fakeContext) PipelineBitrate() int64    { return 0 }
func (fakeContext) Realtime() bool            { return false }
func (fakeContext) UseJointTermination(bool)  {}
func (fakeContext) JointTerminate()           {}
func (fakeContext) ThisJointTerminated() bool { return false }

func packetWithPID(pid uint16) *astiflow.Packet {
	b := make([]byte, astiflow.PacketSize)
	b[0] = 0x47
	b[1] = byte(pid >> 8)
	b[2] = byte(pid)
	b[3] = 0x10
	pkt, err := astiflow.ParsePacket(b)
	if err != nil {
		panic(err)
	}
	return pkt
}

func TestFilterDropsConfiguredPID(t *testing.T) {
	f := NewProcessor(fakeContext{})
	require.NoError(t, f.GetOptions([]string{"--drop", "100"}))

	res, err := f.Process(packetWithPID(100))
	require.NoError(t, err)
	assert.Equal(t, astiflow.StatusDrop, res.Status)
}

func TestFilterNullifiesConfiguredPID(t *testing.T) {
	f := NewProcessor(fakeContext{})
	require.NoError(t, f.GetOptions([]string{"--nullify", "200"}))

	res, err := f.Process(packetWithPID(200))
	require.NoError(t, err)
	assert.Equal(t, astiflow.StatusNullify, res.Status)
}

func TestFilterPassesThroughUnlistedPID(t *testing.T) {
	f := NewProcessor(fakeContext{})
	require.NoError(t, f.GetOptions([]string{"--drop", "100"}))

	res, err := f.Process(packetWithPID(999))
	require.NoError(t, err)
	assert.Equal(t, astiflow.StatusOK, res.Status)
}

func TestFilterDropWinsOverNullifyForSamePID(t *testing.T) {
	f := NewProcessor(fakeContext{})
	require.NoError(t, f.GetOptions([]string{"--drop", "100", "--nullify", "100"}))

	res, err := f.Process(packetWithPID(100))
	require.NoError(t, err)
	assert.Equal(t, astiflow.StatusDrop, res.Status)
}

func TestFilterRepeatedFlagsAccumulate(t *testing.T) {
	filt := NewProcessor(fakeContext{}).(*Filter)
	require.NoError(t, filt.GetOptions([]string{"--drop", "100", "--drop", "200", "--drop", "300"}))

	pids := filt.DroppedPIDs()
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	assert.Equal(t, []uint16{100, 200, 300}, pids)
}

func TestFilterRejectsOutOfRangePID(t *testing.T) {
	f := NewProcessor(fakeContext{})
	err := f.GetOptions([]string{"--drop", "8192"})
	assert.Error(t, err)
}
