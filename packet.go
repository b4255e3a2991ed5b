package astiflow

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/asticode/go-astikit"
)

// Scrambling Controls
const (
	ScramblingControlNotScrambled         = 0
	ScramblingControlReservedForFutureUse = 1
	ScramblingControlScrambledWithEvenKey = 2
	ScramblingControlScrambledWithOddKey  = 3
)

// PacketSize is the fixed size, in bytes, of an MPEG-2 TS packet.
const PacketSize = 188

// syncByte is the mandatory first byte of every TS packet.
const syncByte = 0x47

// Reserved PIDs.
const (
	PIDPAT  uint16 = 0x0000
	PIDNull uint16 = 0x1fff
)

// ErrPacketMustStartWithASyncByte is returned when a packet's first byte
// isn't the sync byte.
var ErrPacketMustStartWithASyncByte = errors.New("astiflow: packet must start with a sync byte")

// ErrAdaptationFieldTooSmall is returned by SetPCR/SetDTS when the packet's
// existing adaptation field doesn't leave enough stuffing room to grow into.
var ErrAdaptationFieldTooSmall = errors.New("astiflow: adaptation field has insufficient space")

// Packet represents a packet
// https://en.wikipedia.org/wiki/MPEG_transport_stream
type Packet struct {
	AdaptationField *PacketAdaptationField
	Bytes           []byte // This is the whole packet content
	Header          *PacketHeader
	Payload         []byte // This is only the payload content
}

// PacketHeader represents a packet header
type PacketHeader struct {
	ContinuityCounter          uint8 // Sequence number of payload packets (0x00 to 0x0F) within each stream (except PID 8191)
	HasAdaptationField         bool
	HasPayload                 bool
	PayloadUnitStartIndicator  bool   // Set when a PES, PSI, or DVB-MIP packet begins immediately following the header.
	PID                        uint16 // Packet Identifier, describing the payload data.
	TransportErrorIndicator    bool   // Set when a demodulator can't correct errors from FEC data; indicating the packet is corrupt.
	TransportPriority          bool   // Set when the current packet has a higher priority than other packets with the same PID.
	TransportScramblingControl uint8
}

// PacketAdaptationField represents a packet adaptation field
type PacketAdaptationField struct {
	AdaptationExtensionField          *PacketAdaptationExtensionField
	DiscontinuityIndicator            bool // Set if current TS packet is in a discontinuity state with respect to either the continuity counter or the program clock reference
	ElementaryStreamPriorityIndicator bool // Set when this stream should be considered "high priority"
	HasAdaptationExtensionField       bool
	HasOPCR                           bool
	HasPCR                            bool
	HasTransportPrivateData           bool
	HasSplicingCountdown              bool
	Length                            int
	OPCR                              *ClockReference // Original Program clock reference. Helps when one TS is copied into another
	PCR                               *ClockReference // Program clock reference
	RandomAccessIndicator             bool             // Set when the stream may be decoded without errors from this point
	SpliceCountdown                   int              // Indicates how many TS packets from this one a splicing point occurs (Two's complement signed; may be negative)
	TransportPrivateDataLength        int
	TransportPrivateData              []byte
}

// PacketAdaptationExtensionField represents a packet adaptation extension field
type PacketAdaptationExtensionField struct {
	DTSNextAccessUnit      *ClockReference // The PES DTS of the splice point. Split up as 3 bits, 1 marker bit (0x1), 15 bits, 1 marker bit, 15 bits, and 1 marker bit, for 33 data bits total.
	HasLegalTimeWindow     bool
	HasPiecewiseRate       bool
	HasSeamlessSplice      bool
	LegalTimeWindowIsValid bool
	LegalTimeWindowOffset  uint16 // Extra information for rebroadcasters to determine the state of buffers when packets may be missing.
	Length                 int
	PiecewiseRate          uint32 // The rate of the stream, measured in 188-byte packets, to define the end-time of the LTW.
	SpliceType             uint8  // Indicates the parameters of the H.262 splice.
}

// SyncValid reports whether b's first byte is the sync byte.
func SyncValid(b []byte) bool {
	return len(b) > 0 && b[0] == syncByte
}

// ParsePacket parses exactly one on-wire TS packet out of b, which must be
// PacketSize bytes long. It is the exported entry point plugin packages use
// to turn the raw bytes a Reader produces into a *Packet, since the
// underlying parser works off a shared astikit.BytesIterator not otherwise
// exposed outside this package.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) != PacketSize {
		return nil, fmt.Errorf("astiflow: packet must be exactly %d bytes, got %d", PacketSize, len(b))
	}
	return parsePacket(astikit.NewBytesIterator(b))
}

// PID returns the packet's PID.
func (p *Packet) PID() uint16 { return p.Header.PID }

// CC returns the packet's continuity counter.
func (p *Packet) CC() uint8 { return p.Header.ContinuityCounter }

// PUSI returns the packet's payload_unit_start_indicator.
func (p *Packet) PUSI() bool { return p.Header.PayloadUnitStartIndicator }

// AFC returns the 2-bit adaptation_field_control value.
func (p *Packet) AFC() uint8 {
	switch {
	case p.Header.HasAdaptationField && p.Header.HasPayload:
		return 3
	case p.Header.HasAdaptationField:
		return 2
	case p.Header.HasPayload:
		return 1
	default:
		return 0
	}
}

// HasPayload reports whether the packet carries a payload.
func (p *Packet) HasPayload() bool { return p.Header.HasPayload }

// HasAdaptationField reports whether the packet carries an adaptation field.
func (p *Packet) HasAdaptationField() bool { return p.Header.HasAdaptationField }

// AdaptationFieldLength returns the adaptation field's declared length byte,
// or 0 if the packet has none.
func (p *Packet) AdaptationFieldLength() int {
	if p.AdaptationField == nil {
		return 0
	}
	return p.AdaptationField.Length
}

// PCRValue returns the packet's PCR, or nil if it doesn't carry one.
func (p *Packet) PCRValue() *ClockReference {
	if p.AdaptationField == nil || !p.AdaptationField.HasPCR {
		return nil
	}
	return p.AdaptationField.PCR
}

// HeaderSize returns the number of bytes occupied by the sync byte, the
// fixed header, and the adaptation field (if any) — i.e. the offset at
// which the payload begins.
func HeaderSize(p *Packet) int {
	n := 4
	if p.Header.HasAdaptationField {
		n += 1 + p.AdaptationField.Length
	}
	return n
}

// parsePacket parses a packet
func parsePacket(it *astikit.BytesIterator) (p *Packet, err error) {
	b := it.Dump()
	start := it.Offset() - len(b)
	it.Seek(start)

	// Packet must start with a sync byte
	if !SyncValid(b) {
		err = ErrPacketMustStartWithASyncByte
		return
	}

	if _, err = it.NextByte(); err != nil {
		err = fmt.Errorf("astiflow: reading sync byte failed: %w", err)
		return
	}

	// Init
	p = &Packet{Bytes: b}

	// Parse header
	if p.Header, err = parsePacketHeader(it); err != nil {
		err = fmt.Errorf("astiflow: parsing header failed: %w", err)
		return
	}

	// Parse adaptation field
	if p.Header.HasAdaptationField {
		if p.AdaptationField, err = parsePacketAdaptationField(it); err != nil {
			err = fmt.Errorf("astiflow: parsing adaptation field failed: %w", err)
			return
		}
	}

	// Build payload, starting after the whole adaptation field (stuffing
	// included)
	if p.Header.HasPayload {
		it.Seek(payloadOffset(start+1, p.Header, p.AdaptationField))
		if it.HasBytesLeft() {
			p.Payload = it.Dump()
		}
	}
	return
}

// payloadOffset returns the payload offset, base being the number of bytes
// already consumed before the fixed header (1 for a lone sync byte).
func payloadOffset(base int, h *PacketHeader, a *PacketAdaptationField) (offset int) {
	offset = base + 3
	if h.HasAdaptationField {
		offset += 1 + a.Length
	}
	return
}

// parsePacketHeader parses the packet header
func parsePacketHeader(it *astikit.BytesIterator) (*PacketHeader, error) {
	bs, err := it.NextBytesNoCopy(3)
	if err != nil {
		return nil, err
	}
	return &PacketHeader{
		ContinuityCounter:          bs[2] & 0xf,
		HasAdaptationField:         bs[2]&0x20 > 0,
		HasPayload:                 bs[2]&0x10 > 0,
		PayloadUnitStartIndicator:  bs[0]&0x40 > 0,
		PID:                        uint16(bs[0]&0x1f)<<8 | uint16(bs[1]),
		TransportErrorIndicator:    bs[0]&0x80 > 0,
		TransportPriority:          bs[0]&0x20 > 0,
		TransportScramblingControl: bs[2] >> 6 & 0x3,
	}, nil
}

// writePacketHeader writes the packet header
func writePacketHeader(w *astikit.BitsWriter, h *PacketHeader) (int, error) {
	w.Write(h.TransportErrorIndicator)
	w.Write(h.PayloadUnitStartIndicator)
	w.Write(h.TransportPriority)
	w.Write(fmt.Sprintf("%.13b", h.PID))
	w.Write(fmt.Sprintf("%.2b", h.TransportScramblingControl))
	w.Write(afcBits(h.HasAdaptationField, h.HasPayload))
	w.Write(fmt.Sprintf("%.4b", h.ContinuityCounter))
	return 3, nil
}

func afcBits(hasAF, hasPayload bool) string {
	switch {
	case hasAF && hasPayload:
		return "11"
	case hasAF:
		return "10"
	case hasPayload:
		return "01"
	default:
		return "00"
	}
}

// parsePacketAdaptationField parses the packet adaptation field
func parsePacketAdaptationField(it *astikit.BytesIterator) (a *PacketAdaptationField, err error) {
	a = &PacketAdaptationField{}

	l, err := it.NextByte()
	if err != nil {
		return nil, err
	}
	a.Length = int(l)
	if a.Length == 0 {
		return a, nil
	}

	flags, err := it.NextByte()
	if err != nil {
		return nil, err
	}
	a.DiscontinuityIndicator = flags&0x80 > 0
	a.RandomAccessIndicator = flags&0x40 > 0
	a.ElementaryStreamPriorityIndicator = flags&0x20 > 0
	a.HasPCR = flags&0x10 > 0
	a.HasOPCR = flags&0x08 > 0
	a.HasSplicingCountdown = flags&0x04 > 0
	a.HasTransportPrivateData = flags&0x02 > 0
	a.HasAdaptationExtensionField = flags&0x01 > 0

	if a.HasPCR {
		if a.PCR, err = parsePCR(it); err != nil {
			return nil, err
		}
	}

	if a.HasOPCR {
		if a.OPCR, err = parsePCR(it); err != nil {
			return nil, err
		}
	}

	if a.HasSplicingCountdown {
		b, err := it.NextByte()
		if err != nil {
			return nil, err
		}
		a.SpliceCountdown = int(int8(b))
	}

	if a.HasTransportPrivateData {
		n, err := it.NextByte()
		if err != nil {
			return nil, err
		}
		a.TransportPrivateDataLength = int(n)
		if a.TransportPrivateDataLength > 0 {
			if a.TransportPrivateData, err = it.NextBytes(a.TransportPrivateDataLength); err != nil {
				return nil, err
			}
		}
	}

	if a.HasAdaptationExtensionField {
		if a.AdaptationExtensionField, err = parseAdaptationExtensionField(it); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// writePacketAdaptationField writes the packet adaptation field
func writePacketAdaptationField(w *astikit.BitsWriter, a *PacketAdaptationField) (int, error) {
	if a.Length == 0 {
		w.Write(uint8(0))
		return 1, nil
	}

	buf := &bytes.Buffer{}
	inner := astikit.NewBitsWriter(astikit.BitsWriterOptions{Writer: buf})

	inner.Write(a.DiscontinuityIndicator)
	inner.Write(a.RandomAccessIndicator)
	inner.Write(a.ElementaryStreamPriorityIndicator)
	inner.Write(a.HasPCR)
	inner.Write(a.HasOPCR)
	inner.Write(a.HasSplicingCountdown)
	inner.Write(a.HasTransportPrivateData)
	inner.Write(a.HasAdaptationExtensionField)

	if a.HasPCR {
		if _, err := writePCR(inner, a.PCR); err != nil {
			return 0, err
		}
	}
	if a.HasOPCR {
		if _, err := writePCR(inner, a.OPCR); err != nil {
			return 0, err
		}
	}
	if a.HasSplicingCountdown {
		inner.Write(uint8(a.SpliceCountdown))
	}
	if a.HasTransportPrivateData {
		inner.Write(uint8(a.TransportPrivateDataLength))
		inner.Write(a.TransportPrivateData)
	}
	if a.HasAdaptationExtensionField {
		if _, err := writeAdaptationExtensionField(inner, a.AdaptationExtensionField); err != nil {
			return 0, err
		}
	}
	for buf.Len() < a.Length {
		inner.Write(uint8(0xff))
	}

	w.Write(uint8(a.Length))
	w.Write(buf.Bytes())
	return 1 + buf.Len(), nil
}

func parseAdaptationExtensionField(it *astikit.BytesIterator) (*PacketAdaptationExtensionField, error) {
	l, err := it.NextByte()
	if err != nil {
		return nil, err
	}
	e := &PacketAdaptationExtensionField{Length: int(l)}
	if e.Length == 0 {
		return e, nil
	}

	flags, err := it.NextByte()
	if err != nil {
		return nil, err
	}
	e.HasLegalTimeWindow = flags&0x80 > 0
	e.HasPiecewiseRate = flags&0x40 > 0
	e.HasSeamlessSplice = flags&0x20 > 0

	if e.HasLegalTimeWindow {
		bs, err := it.NextBytesNoCopy(2)
		if err != nil {
			return nil, err
		}
		e.LegalTimeWindowIsValid = bs[0]&0x80 > 0
		e.LegalTimeWindowOffset = uint16(bs[0]&0x7f)<<8 | uint16(bs[1])
	}

	if e.HasPiecewiseRate {
		bs, err := it.NextBytesNoCopy(3)
		if err != nil {
			return nil, err
		}
		e.PiecewiseRate = uint32(bs[0]&0x3f)<<16 | uint32(bs[1])<<8 | uint32(bs[2])
	}

	if e.HasSeamlessSplice {
		bs, err := it.NextBytesNoCopy(5)
		if err != nil {
			return nil, err
		}
		e.SpliceType = bs[0] & 0xf0 >> 4
		e.DTSNextAccessUnit = parsePTSOrDTS(bs)
	}
	return e, nil
}

func writeAdaptationExtensionField(w *astikit.BitsWriter, e *PacketAdaptationExtensionField) (int, error) {
	buf := &bytes.Buffer{}
	inner := astikit.NewBitsWriter(astikit.BitsWriterOptions{Writer: buf})

	inner.Write(e.HasLegalTimeWindow)
	inner.Write(e.HasPiecewiseRate)
	inner.Write(e.HasSeamlessSplice)
	inner.Write("11111")

	if e.HasLegalTimeWindow {
		inner.Write(e.LegalTimeWindowIsValid)
		inner.Write(fmt.Sprintf("%.15b", e.LegalTimeWindowOffset))
	}
	if e.HasPiecewiseRate {
		inner.Write("11")
		inner.Write(fmt.Sprintf("%.22b", e.PiecewiseRate))
	}
	if e.HasSeamlessSplice {
		inner.Write(fmt.Sprintf("%.4b", e.SpliceType))
		if err := writePTSOrDTS(inner, e.DTSNextAccessUnit); err != nil {
			return 0, err
		}
	}
	for buf.Len() < e.Length {
		inner.Write(uint8(0xff))
	}

	w.Write(uint8(e.Length))
	w.Write(buf.Bytes())
	return 1 + buf.Len(), nil
}

// parsePCR parses a Program Clock Reference
// Program clock reference, stored as 33 bits base, 6 bits reserved, 9 bits extension.
func parsePCR(it *astikit.BytesIterator) (*ClockReference, error) {
	bs, err := it.NextBytesNoCopy(6)
	if err != nil {
		return nil, err
	}
	v := uint64(bs[0])<<40 | uint64(bs[1])<<32 | uint64(bs[2])<<24 | uint64(bs[3])<<16 | uint64(bs[4])<<8 | uint64(bs[5])
	return newClockReference(int64(v>>15), int64(v&0x1ff)), nil
}

// writePCR writes a Program Clock Reference
func writePCR(w *astikit.BitsWriter, cr *ClockReference) (int, error) {
	w.Write(fmt.Sprintf("%.33b", cr.Base))
	w.Write("111111")
	w.Write(fmt.Sprintf("%.9b", cr.Extension))
	return 6, nil
}

// parsePTSOrDTS parses the 5-byte PTS/DTS encoding embedded after a 4-bit
// flag nibble: 3 data bits, marker, 15 bits, marker, 15 bits, marker (33
// data bits total, bit-interleaved with the 3 marker bits as writePTSOrDTS
// lays them out).
func parsePTSOrDTS(bs []byte) *ClockReference {
	top3 := uint64(bs[0]&0xf) >> 1
	grp1 := uint64(bs[1])<<7 | uint64(bs[2]&0xfe)>>1
	grp2 := uint64(bs[3])<<7 | uint64(bs[4]&0xfe)>>1
	v := top3<<30 | grp1<<15 | grp2
	return newClockReference(int64(v), 0)
}

// writePTSOrDTS writes the 5-byte PTS/DTS encoding (the leading 4-bit flag
// nibble is the caller's responsibility).
func writePTSOrDTS(w *astikit.BitsWriter, cr *ClockReference) error {
	v := uint64(cr.Base) & 0x1ffffffff
	w.Write(fmt.Sprintf("%.3b", v>>30))
	w.Write("1")
	w.Write(fmt.Sprintf("%.15b", v>>15&0x7fff))
	w.Write("1")
	w.Write(fmt.Sprintf("%.15b", v&0x7fff))
	w.Write("1")
	return nil
}

// SetPID rewrites the packet's PID in place.
func SetPID(p *Packet, pid uint16) error {
	p.Header.PID = pid & 0x1fff
	return rewritePacket(p)
}

// SetCC rewrites the packet's continuity counter in place.
func SetCC(p *Packet, cc uint8) error {
	p.Header.ContinuityCounter = cc & 0xf
	return rewritePacket(p)
}

// SetPUSI sets the payload_unit_start_indicator bit.
func SetPUSI(p *Packet, v bool) error {
	p.Header.PayloadUnitStartIndicator = v
	return rewritePacket(p)
}

// SetPCR serializes a PCR into the packet's adaptation field, growing the
// adaptation field in place if one isn't present yet. It returns
// ErrAdaptationFieldTooSmall if there isn't enough stuffing room to grow
// into without shrinking the payload.
func SetPCR(p *Packet, cr *ClockReference) error {
	if !p.Header.HasAdaptationField {
		if err := growAdaptationField(p, 7); err != nil {
			return err
		}
		p.AdaptationField.HasPCR = true
	} else if !p.AdaptationField.HasPCR {
		// An AF with Length 0 has no flags byte yet either; anything else
		// already has one and only needs room for the 6 PCR bytes.
		needed := p.AdaptationField.Length + 6
		if p.AdaptationField.Length == 0 {
			needed++
		}
		if err := growAdaptationField(p, needed); err != nil {
			return err
		}
		p.AdaptationField.HasPCR = true
	}
	p.AdaptationField.PCR = cr
	return rewritePacket(p)
}

// SetDTS serializes a DTS into the packet's adaptation extension field's
// DTSNextAccessUnit slot (spec.md §4.3's DTS mode), growing the adaptation
// field and its extension in place as needed.
func SetDTS(p *Packet, cr *ClockReference) error {
	if !p.Header.HasAdaptationField {
		if err := growAdaptationField(p, 8); err != nil {
			return err
		}
	} else if !p.AdaptationField.HasAdaptationExtensionField {
		needed := p.AdaptationField.Length + 7
		if p.AdaptationField.Length == 0 {
			needed++
		}
		if err := growAdaptationField(p, needed); err != nil {
			return err
		}
	}
	if p.AdaptationField.AdaptationExtensionField == nil {
		p.AdaptationField.HasAdaptationExtensionField = true
		p.AdaptationField.AdaptationExtensionField = &PacketAdaptationExtensionField{Length: 6}
	}
	p.AdaptationField.AdaptationExtensionField.HasSeamlessSplice = true
	p.AdaptationField.AdaptationExtensionField.DTSNextAccessUnit = cr
	return rewritePacket(p)
}

// growAdaptationField grows the packet's adaptation field to newAFLength
// bytes, stealing the difference from the payload's trailing stuffing.
// Fails with ErrAdaptationFieldTooSmall if the payload isn't long enough to
// give up the room without going negative.
func growAdaptationField(p *Packet, newAFLength int) error {
	var curAFLen int
	if p.Header.HasAdaptationField {
		curAFLen = 1 + p.AdaptationField.Length
	}
	delta := (1 + newAFLength) - curAFLen
	if p.Header.HasPayload && len(p.Payload) < delta {
		return ErrAdaptationFieldTooSmall
	}

	if !p.Header.HasAdaptationField {
		p.Header.HasAdaptationField = true
		p.AdaptationField = &PacketAdaptationField{}
	}
	p.AdaptationField.Length = newAFLength
	if p.Header.HasPayload {
		p.Payload = p.Payload[:len(p.Payload)-delta]
	}
	return nil
}

// rewritePacket rewrites p.Bytes from p.Header/p.AdaptationField/p.Payload,
// keeping the packet's total on-wire size unchanged.
func rewritePacket(p *Packet) error {
	total := len(p.Bytes)
	if total == 0 {
		total = PacketSize
	}

	buf := &bytes.Buffer{}
	buf.Grow(total)
	w := astikit.NewBitsWriter(astikit.BitsWriterOptions{Writer: buf})
	w.Write(uint8(syncByte))
	if _, err := writePacketHeader(w, p.Header); err != nil {
		return err
	}
	if p.Header.HasAdaptationField {
		if _, err := writePacketAdaptationField(w, p.AdaptationField); err != nil {
			return err
		}
	}
	if p.Header.HasPayload {
		w.Write(p.Payload)
	}
	for buf.Len() < total {
		w.Write(uint8(0xff))
	}
	p.Bytes = buf.Bytes()
	return nil
}
