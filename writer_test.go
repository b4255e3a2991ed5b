package astiflow

import (
	"bytes"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterBasic(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(buf)

	src := packets(3)
	require.NoError(t, w.Write(src, 3))
	assert.Equal(t, uint64(3), w.PacketCount())
	assert.Equal(t, src, buf.Bytes())
}

// brokenPipeWriter fails every Write with EPIPE.
type brokenPipeWriter struct{}

func (brokenPipeWriter) Write(p []byte) (int, error) {
	return 0, syscall.EPIPE
}

func TestWriterBrokenPipeIsSwallowed(t *testing.T) {
	w := NewWriter(brokenPipeWriter{})
	err := w.Write(packets(1), 1)
	assert.NoError(t, err)

	// Further writes are refused once the pipe has broken.
	err = w.Write(packets(1), 1)
	assert.ErrorIs(t, err, ErrWriterClosed)
}

// flakyWriter fails with EINTR a fixed number of times before succeeding.
type flakyWriter struct {
	remaining int
	buf       bytes.Buffer
}

func (f *flakyWriter) Write(p []byte) (int, error) {
	if f.remaining > 0 {
		f.remaining--
		return 0, syscall.EINTR
	}
	return f.buf.Write(p)
}

func TestWriterRetriesOnEINTR(t *testing.T) {
	fw := &flakyWriter{remaining: 2}
	w := NewWriter(fw)
	require.NoError(t, w.Write(packets(2), 2))
	assert.Equal(t, uint64(2), w.PacketCount())
	assert.Equal(t, packets(2), fw.buf.Bytes())
}

// failingWriter always fails with a generic (non-EINTR, non-EPIPE) error.
type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestWriterFatalErrorPropagates(t *testing.T) {
	w := NewWriter(failingWriter{})
	err := w.Write(packets(1), 1)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrWriterClosed)
}
