// Package file adapts astiflow.Reader/astiflow.Writer (spec.md §4.2) into
// the Input/Output plugin contract (spec.md §4.5), so a pipeline can
// actually read from and write to files end to end. It exists to exercise
// C5/C2, not as a plugin ecosystem in itself.
package file

import (
	"fmt"
	"os"

	astiflow "github.com/asticode/go-astiflow"
)

// Input is the "file" input plugin: -I file [--input path] [--repeat-count
// n] [--start-offset n]. An empty/omitted --input reads standard input.
type Input struct {
	astiflow.BasePlugin
	ctx astiflow.Context

	path        string
	repeatCount int
	startOffset int64

	file   *os.File
	reader *astiflow.Reader
}

// NewInput satisfies astiflow.NewInputFunc for registration under "file".
func NewInput(ctx astiflow.Context) astiflow.Input { return &Input{ctx: ctx} }

func (p *Input) GetOptions(args []string) error {
	a := astiflow.NewArgs("file input", "[options]")
	a.Option(astiflow.OptionSpec{Name: "input", Type: astiflow.ArgString, Help: "Input file path; omitted or empty means standard input."})
	a.Option(astiflow.OptionSpec{Name: "repeat-count", Type: astiflow.ArgUnsigned, Help: "Number of times to read the file end to end; 0 means infinite."})
	a.Option(astiflow.OptionSpec{Name: "start-offset", Type: astiflow.ArgUnsigned, Help: "Packet index to start (and loop back) from."})
	if err := a.Parse(args); err != nil {
		return err
	}
	p.path = a.StringValue("input", 0, "")
	p.repeatCount = int(a.IntValue("repeat-count", 0, 1))
	p.startOffset = a.IntValue("start-offset", 0, 0)
	return nil
}

func (p *Input) Start() error {
	if p.path == "" {
		p.reader = astiflow.NewStdinReader()
		return nil
	}
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("file input: opening %s: %w", p.path, err)
	}
	r, err := astiflow.NewReader(f, astiflow.ReaderOptions{
		RepeatCount: p.repeatCount,
		StartOffset: p.startOffset,
	})
	if err != nil {
		f.Close()
		return err
	}
	p.file = f
	p.reader = r
	return nil
}

func (p *Input) Stop() error {
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}

// Receive reads up to len(buf) packets, parsing each 188-byte record the
// underlying Reader produces into a *astiflow.Packet.
func (p *Input) Receive(buf []*astiflow.Packet) (int, error) {
	raw := make([]byte, len(buf)*astiflow.PacketSize)
	n, err := p.reader.Read(raw, len(buf))
	if err != nil || n == 0 {
		return 0, err
	}
	for i := 0; i < n; i++ {
		pkt, perr := astiflow.ParsePacket(raw[i*astiflow.PacketSize : (i+1)*astiflow.PacketSize])
		if perr != nil {
			return i, perr
		}
		buf[i] = pkt
	}
	return n, nil
}

// AbortInput implements astiflow.Aborter: the next and every later Receive
// call fails with astiflow.ErrReaderAborted. A read already blocked in the
// underlying file or standard input is not interrupted.
func (p *Input) AbortInput() bool {
	p.reader.AbortRead()
	return true
}

// Output is the "file" output plugin: -O file [--output path] [--append]
// [--keep-existing]. An empty/omitted --output writes standard output.
type Output struct {
	astiflow.BasePlugin
	ctx astiflow.Context

	path         string
	append       bool
	keepExisting bool

	writer *astiflow.Writer
}

// NewOutput satisfies astiflow.NewOutputFunc for registration under "file".
func NewOutput(ctx astiflow.Context) astiflow.Output { return &Output{ctx: ctx} }

func (p *Output) GetOptions(args []string) error {
	a := astiflow.NewArgs("file output", "[options]")
	a.Option(astiflow.OptionSpec{Name: "output", Type: astiflow.ArgString, Help: "Output file path; omitted or empty means standard output."})
	a.Option(astiflow.OptionSpec{Name: "append", Type: astiflow.ArgNone, Help: "Append to an existing file instead of truncating it."})
	a.Option(astiflow.OptionSpec{Name: "keep-existing", Type: astiflow.ArgNone, Help: "Fail instead of overwriting an existing file."})
	if err := a.Parse(args); err != nil {
		return err
	}
	p.path = a.StringValue("output", 0, "")
	p.append = a.Present("append")
	p.keepExisting = a.Present("keep-existing")
	return nil
}

func (p *Output) Start() error {
	w, err := astiflow.OpenFile(p.path, astiflow.WriterOptions{
		Append:       p.append,
		KeepExisting: p.keepExisting,
	})
	if err != nil {
		return err
	}
	p.writer = w
	return nil
}

func (p *Output) Stop() error { return p.writer.Close() }

// Send serializes every packet's already-current p.Bytes into one
// contiguous buffer and hands it to the Writer in a single call.
func (p *Output) Send(buf []*astiflow.Packet) error {
	raw := make([]byte, len(buf)*astiflow.PacketSize)
	for i, pkt := range buf {
		copy(raw[i*astiflow.PacketSize:], pkt.Bytes)
	}
	return p.writer.Write(raw, len(buf))
}
