// Package ctcp implements a simplified reliable transport: an 18-byte
// segment header over an unreliable datagram channel, a sliding send/
// receive window, fixed-interval retransmission, BBR-paced sending, and
// an explicit connection-termination state machine.
package ctcp

import (
	"encoding/binary"
	"fmt"
)

// Flag bits, per _examples/original_source/lab3/ctcp.h.
const (
	FlagFIN byte = 0x01
	FlagSYN byte = 0x02
	FlagACK byte = 0x10
)

// MaxSegmentData is MAX_SEG_DATA_SIZE / the connection's MSS: the
// largest payload carried by a single segment.
const MaxSegmentData = 1440

// HeaderLen is the on-wire segment header size. The six named fields
// (seqno, ackno, len, flags, window, cksum) sum to 15 bytes; the
// remaining 3 bytes are reserved and always zero on the wire, padding
// the header to the 18 bytes spec.md specifies (see DESIGN.md).
const HeaderLen = 18

const reservedLen = HeaderLen - 4 - 4 - 2 - 1 - 2 - 2

// Segment is a decoded cTCP segment. Numeric fields are host-order;
// Marshal/Unmarshal own all network-byte-order conversion and checksum
// handling so the rest of the package never touches wire bytes.
type Segment struct {
	Seqno  uint32
	Ackno  uint32
	Flags  byte
	Window uint16
	Data   []byte
}

// Len returns the on-wire length of the segment (header + payload), the
// value encoded into the len field.
func (s Segment) Len() int { return HeaderLen + len(s.Data) }

func (s Segment) HasFlag(f byte) bool { return s.Flags&f != 0 }

func (s Segment) String() string {
	return fmt.Sprintf("seq=%d ack=%d len=%d flags=%02x win=%d", s.Seqno, s.Ackno, s.Len(), s.Flags, s.Window)
}

// Marshal encodes s into its wire form, computing the internet checksum
// over the whole segment with the checksum field itself zeroed.
func (s Segment) Marshal() []byte {
	if len(s.Data) > MaxSegmentData {
		panic("ctcp: segment data exceeds MaxSegmentData")
	}
	buf := make([]byte, s.Len())
	binary.BigEndian.PutUint32(buf[0:4], s.Seqno)
	binary.BigEndian.PutUint32(buf[4:8], s.Ackno)
	binary.BigEndian.PutUint16(buf[8:10], uint16(s.Len()))
	buf[10] = s.Flags
	binary.BigEndian.PutUint16(buf[11:13], s.Window)
	// buf[13:15] cksum left zero for computation
	// buf[15:18] reserved, already zero
	copy(buf[HeaderLen:], s.Data)

	sum := foldChecksum(buf)
	cksum := ^sum
	if cksum == 0 {
		cksum = 0xFFFF
	}
	binary.BigEndian.PutUint16(buf[13:15], cksum)
	return buf
}

// Unmarshal decodes a wire segment, validating length and checksum.
// Short frames and bad checksums are reported via error, not panics, so
// callers can count and log them without crashing the receive loop.
func Unmarshal(buf []byte) (Segment, error) {
	if len(buf) < HeaderLen {
		return Segment{}, fmt.Errorf("%w: %d bytes", ErrShortSegment, len(buf))
	}
	wireLen := int(binary.BigEndian.Uint16(buf[8:10]))
	if wireLen < HeaderLen || wireLen > len(buf) {
		return Segment{}, fmt.Errorf("%w: declared len %d, have %d bytes", ErrBadLength, wireLen, len(buf))
	}

	if !isChecksumValid(buf[:wireLen]) {
		return Segment{}, ErrBadChecksum
	}

	s := Segment{
		Seqno:  binary.BigEndian.Uint32(buf[0:4]),
		Ackno:  binary.BigEndian.Uint32(buf[4:8]),
		Flags:  buf[10],
		Window: binary.BigEndian.Uint16(buf[11:13]),
	}
	if n := wireLen - HeaderLen; n > 0 {
		s.Data = make([]byte, n)
		copy(s.Data, buf[HeaderLen:wireLen])
	}
	return s, nil
}

// isChecksumValid sums a complete received segment (checksum field
// included as transmitted) and checks the one's-complement identity
// x + ^x == 0xFFFF holds.
func isChecksumValid(buf []byte) bool {
	return foldChecksum(buf) == 0xFFFF
}

// foldChecksum computes the folded one's-complement sum (RFC 1071) over
// buf without inverting it.
func foldChecksum(buf []byte) uint16 {
	var sum uint32
	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	if n%2 == 1 {
		sum += uint32(buf[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(sum)
}
