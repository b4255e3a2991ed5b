package astiflow

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControlTarget struct {
	aborted    bool
	suspended  map[int]bool
	restarted  map[int][]string
	restartErr error
}

func newFakeControlTarget() *fakeControlTarget {
	return &fakeControlTarget{suspended: map[int]bool{}, restarted: map[int][]string{}}
}

func (f *fakeControlTarget) Abort()                 { f.aborted = true }
func (f *fakeControlTarget) ListPlugins() []string   { return []string{"file", "filter", "file"} }
func (f *fakeControlTarget) SuspendProcessor(i int)  { f.suspended[i] = true }
func (f *fakeControlTarget) ResumeProcessor(i int)   { delete(f.suspended, i) }
func (f *fakeControlTarget) RestartStage(i int, args []string) error {
	if f.restartErr != nil {
		return f.restartErr
	}
	f.restarted[i] = args
	return nil
}

func startTestControlServer(t *testing.T, target controlTarget) net.Conn {
	t.Helper()
	cs, err := NewControlServer("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	go cs.Serve(target)

	conn, err := net.Dial("tcp", cs.ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendAndRead(t *testing.T, conn net.Conn, line string) string {
	t.Helper()
	_, err := fmt.Fprintf(conn, "%s\n", line)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(reply)
}

func TestControlExitAbortsTarget(t *testing.T) {
	target := newFakeControlTarget()
	conn := startTestControlServer(t, target)
	reply := sendAndRead(t, conn, "exit")
	assert.Contains(t, reply, "OK")
	assert.True(t, target.aborted)
}

func TestControlListReturnsPluginNames(t *testing.T) {
	target := newFakeControlTarget()
	conn := startTestControlServer(t, target)
	reply := sendAndRead(t, conn, "list")
	assert.Contains(t, reply, "OK file,filter,file")
}

func TestControlSuspendAndResume(t *testing.T) {
	target := newFakeControlTarget()
	conn := startTestControlServer(t, target)
	assert.Contains(t, sendAndRead(t, conn, "suspend 0"), "OK")
	assert.True(t, target.suspended[0])
	assert.Contains(t, sendAndRead(t, conn, "resume 0"), "OK")
	assert.False(t, target.suspended[0])
}

func TestControlRestartForwardsArgs(t *testing.T) {
	target := newFakeControlTarget()
	conn := startTestControlServer(t, target)
	reply := sendAndRead(t, conn, "restart 1 --pid 100")
	assert.Contains(t, reply, "OK")
	assert.Equal(t, []string{"--pid", "100"}, target.restarted[1])
}

func TestControlUnknownCommandIsAnError(t *testing.T) {
	target := newFakeControlTarget()
	conn := startTestControlServer(t, target)
	reply := sendAndRead(t, conn, "frobnicate")
	assert.Contains(t, reply, "ERROR")
}

func TestControlSetLogRequiresOneArgument(t *testing.T) {
	target := newFakeControlTarget()
	conn := startTestControlServer(t, target)
	reply := sendAndRead(t, conn, "set-log")
	assert.Contains(t, reply, "ERROR")
}

func TestControlEachReplyCarriesAUniqueCorrelationID(t *testing.T) {
	target := newFakeControlTarget()
	conn := startTestControlServer(t, target)
	first := sendAndRead(t, conn, "list")
	second := sendAndRead(t, conn, "list")
	firstID := strings.Fields(first)[0]
	secondID := strings.Fields(second)[0]
	assert.NotEqual(t, firstID, secondID)
}
