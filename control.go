package astiflow

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ControlCommand enumerates the operations a running supervisor accepts
// over its control channel, grounded on
// original_source/src/libtsduck/plugin/tstsp.h's ts::tsp::ControlCommand
// enum (CMD_NONE/CMD_EXIT/CMD_SETLOG/CMD_LIST/CMD_SUSPEND/CMD_RESUME/
// CMD_RESTART).
type ControlCommand int

const (
	CmdNone ControlCommand = iota
	CmdExit
	CmdAbort
	CmdSetLog
	CmdList
	CmdSuspend
	CmdResume
	CmdRestart
)

var controlCommandNames = map[string]ControlCommand{
	"exit":    CmdExit,
	"abort":   CmdAbort,
	"set-log": CmdSetLog,
	"list":    CmdList,
	"suspend": CmdSuspend,
	"resume":  CmdResume,
	"restart": CmdRestart,
}

// controlTarget is the subset of Supervisor the control channel drives,
// narrow for the same reason Context is narrow: a handler gets exactly the
// calls it needs, not the whole Supervisor.
type controlTarget interface {
	Abort()
	ListPlugins() []string
	SuspendProcessor(i int)
	ResumeProcessor(i int)
	RestartStage(i int, args []string) error
}

// ControlServer listens for line-based control commands on a single
// net.Listener (TCP loopback or a Unix domain socket — either works
// unchanged, since both speak net.Conn) and applies them to a Supervisor.
// Grounded on spec.md §4.8's control channel and tstsp.h's ControlCommand
// vocabulary.
type ControlServer struct {
	ln net.Listener
}

// NewControlServer starts listening on network/address (e.g. "unix",
// "/run/astiflow.sock", or "tcp", "127.0.0.1:6502").
func NewControlServer(network, address string) (*ControlServer, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("astiflow: control channel: %w", err)
	}
	return &ControlServer{ln: ln}, nil
}

// Close stops accepting new control connections.
func (c *ControlServer) Close() error { return c.ln.Close() }

// Serve accepts connections until the listener is closed, handling each on
// its own goroutine. Exit/abort stop the listener itself once acted on,
// since there is no further supervisor state left to control afterwards.
func (c *ControlServer) Serve(target controlTarget) {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}
		go c.handle(conn, target)
	}
}

func (c *ControlServer) handle(conn net.Conn, target controlTarget) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id := uuid.New().String()
		reply := c.dispatch(target, line)
		fmt.Fprintf(conn, "%s %s\n", id, reply)
	}
}

// dispatch parses and executes one control line, returning the response
// text (without its correlation ID, which handle prefixes). Every branch is
// independent of the others so a malformed command never prevents the
// connection from accepting the next one.
func (c *ControlServer) dispatch(target controlTarget, line string) string {
	fields := strings.Fields(line)
	cmd, ok := controlCommandNames[strings.ToLower(fields[0])]
	if !ok {
		return fmt.Sprintf("ERROR unknown command %q", fields[0])
	}
	args := fields[1:]

	switch cmd {
	case CmdExit, CmdAbort:
		target.Abort()
		c.ln.Close()
		return "OK"

	case CmdSetLog:
		if len(args) != 1 {
			return "ERROR set-log requires exactly one level"
		}
		SetLogLevel(args[0])
		return "OK"

	case CmdList:
		return "OK " + strings.Join(target.ListPlugins(), ",")

	case CmdSuspend, CmdResume:
		i, err := parseStageIndex(args)
		if err != nil {
			return "ERROR " + err.Error()
		}
		if cmd == CmdSuspend {
			target.SuspendProcessor(i)
		} else {
			target.ResumeProcessor(i)
		}
		return "OK"

	case CmdRestart:
		if len(args) < 1 {
			return "ERROR restart requires a stage index"
		}
		i, err := strconv.Atoi(args[0])
		if err != nil {
			return "ERROR restart: invalid stage index " + args[0]
		}
		if err := target.RestartStage(i, args[1:]); err != nil {
			return "ERROR " + err.Error()
		}
		return "OK"

	default:
		return "ERROR unsupported command"
	}
}

func parseStageIndex(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one processor index")
	}
	i, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid processor index %q", args[0])
	}
	return i, nil
}
