package astiflow

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// ErrReaderAborted is returned by Read once AbortRead has been called.
var ErrReaderAborted = errors.New("astiflow: read aborted")

// ErrReaderNotRewindable is returned by Seek on a Reader not created with
// ReaderOptions.Rewindable.
var ErrReaderNotRewindable = errors.New("astiflow: reader is not rewindable")

// ErrRepeatRequiresSeekable is returned by NewReader when RepeatCount or
// StartOffset is nonzero but the underlying source isn't seekable (e.g.
// standard input).
var ErrRepeatRequiresSeekable = errors.New("astiflow: repeat_count/start_offset require a seekable source")

// ReaderOptions configures NewReader.
type ReaderOptions struct {
	// RepeatCount is the number of times the source is read end to end; 0
	// means infinite looping. Nonzero requires a seekable source.
	RepeatCount int
	// StartOffset is the packet index the source is initially positioned
	// to, and the position looping/seeking rewinds to.
	StartOffset int64
	// Rewindable opens in single-pass mode but allows explicit Seek calls.
	Rewindable bool
}

// Reader reads whole 188-byte TS packets out of a file or stream, per
// spec.md §4.2: looping playback, absolute seeking in rewindable mode,
// mid-read abort, and resync after sync-byte loss.
//
// Grounded on tsTSFileInput[Buffered].cpp's read/resync/loop loop, adapted
// onto an io.ReadSeeker instead of POSIX file descriptors.
type Reader struct {
	abort      atomic.Bool
	iteration  int
	mu         sync.Mutex
	opts       ReaderOptions
	rs       io.ReadSeeker
	seekable bool
	dropped  uint64
}

// NewReader wraps rs (typically an *os.File or bytes.Reader) into a Reader.
// Only the standard-input adapter NewStdinReader uses is treated as
// non-seekable, and it must be opened with a zero RepeatCount and
// StartOffset, matching spec.md's "empty path" rule; any other rs is assumed
// to support Seek for looping and seeking.
func NewReader(rs io.ReadSeeker, opts ReaderOptions) (*Reader, error) {
	_, isStdin := rs.(stdinReadSeeker)
	seekable := !isStdin
	if !seekable && (opts.RepeatCount != 0 || opts.StartOffset != 0) {
		return nil, ErrRepeatRequiresSeekable
	}

	r := &Reader{
		opts:     opts,
		rs:       rs,
		seekable: seekable,
	}
	if seekable && opts.StartOffset != 0 {
		if _, err := rs.Seek(opts.StartOffset*int64(PacketSize), io.SeekStart); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewStdinReader opens a non-seekable Reader over os.Stdin.
func NewStdinReader() *Reader {
	r, _ := NewReader(stdinReadSeeker{}, ReaderOptions{})
	return r
}

// stdinReadSeeker adapts os.Stdin to io.ReadSeeker for NewReader's uniform
// constructor; Seek always fails, matching a pipe's actual behavior.
type stdinReadSeeker struct{}

func (stdinReadSeeker) Read(p []byte) (int, error) { return os.Stdin.Read(p) }
func (stdinReadSeeker) Seek(int64, int) (int64, error) {
	return 0, errors.New("astiflow: stdin is not seekable")
}

// AbortRead causes the current and all subsequent Read calls to return 0
// with ErrReaderAborted.
func (r *Reader) AbortRead() { r.abort.Store(true) }

// Seek absolutely positions the reader at packet index idx (relative to
// StartOffset). Only valid when opened with Rewindable.
func (r *Reader) Seek(idx int64) error {
	if !r.opts.Rewindable {
		return ErrReaderNotRewindable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.rs.Seek((r.opts.StartOffset+idx)*int64(PacketSize), io.SeekStart)
	return err
}

// DroppedBytes returns the cumulative count of bytes discarded by
// resync-on-corruption.
func (r *Reader) DroppedBytes() uint64 { return atomic.LoadUint64(&r.dropped) }

// Read fills buf with up to maxPackets whole TS packets and returns how
// many were read. It returns 0 only at the end of the final iteration or on
// a fatal error. A partial 188-byte tail at EOF is silently dropped. On EOF
// with iterations remaining, it transparently rewinds to StartOffset.
func (r *Reader) Read(buf []byte, maxPackets int) (int, error) {
	if r.abort.Load() {
		return 0, ErrReaderAborted
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	want := maxPackets * PacketSize
	if want > len(buf) {
		want = len(buf) - len(buf)%PacketSize
	}

	n, err := io.ReadFull(r.rs, buf[:want])
	for n == 0 && errors.Is(err, io.EOF) {
		if !r.seekable {
			return 0, nil
		}
		if r.opts.RepeatCount != 0 {
			r.iteration++
			if r.iteration >= r.opts.RepeatCount {
				return 0, nil
			}
		}
		if _, serr := r.rs.Seek(r.opts.StartOffset*int64(PacketSize), io.SeekStart); serr != nil {
			return 0, serr
		}
		n, err = io.ReadFull(r.rs, buf[:want])
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, err
	}

	// Drop any partial trailing packet.
	n -= n % PacketSize
	if n == 0 {
		return 0, nil
	}

	dropped := r.resync(buf[:n])
	atomic.AddUint64(&r.dropped, uint64(dropped))
	return (n - dropped) / PacketSize, nil
}

// resync scans buf in 188-byte strides; on finding a stride not starting
// with the sync byte, it searches forward for an offset with at least 10
// consecutive valid strides, compacting the buffer in place and returning
// the number of bytes dropped from its end. Per spec.md §4.2.
func (r *Reader) resync(buf []byte) int {
	n := len(buf)
	good := 0
	for good+PacketSize <= n && buf[good] == syncByte {
		good += PacketSize
	}
	if good == n {
		return 0
	}

	const minConsecutive = 10
	for start := good + 1; start+PacketSize*minConsecutive <= n; start++ {
		if !allSynced(buf, start, minConsecutive) {
			continue
		}
		copy(buf[good:], buf[start:n])
		kept := good + (n - start)
		return n - kept
	}
	return n - good
}

func allSynced(buf []byte, start, count int) bool {
	for i := 0; i < count; i++ {
		if buf[start+i*PacketSize] != syncByte {
			return false
		}
	}
	return true
}
