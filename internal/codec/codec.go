// Package codec implements the length-delimited wire framing used by every
// peer and client RPC in JournalKeeper. Frames are never protobuf: every
// integral field is fixed-width big-endian, strings are length-prefixed
// UTF-8, and optional fields carry a one-byte presence flag ahead of the
// value. A decoder never tolerates slack: short reads, unknown type codes,
// and trailing bytes are all MalformedFrame.
package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is carried on every frame header so future revisions can
// reject or translate frames from an incompatible peer.
const ProtocolVersion uint8 = 1

// ErrMalformedFrame is returned for any structurally invalid frame: a short
// read, a length prefix that does not match the bytes available, or
// trailing bytes left over after decoding a payload.
var ErrMalformedFrame = errors.New("codec: malformed frame")

// ErrUnknownType is returned when a frame's type code has no registered
// message.
var ErrUnknownType = errors.New("codec: unknown message type")

// TypeCode identifies the shape of a Message on the wire. Each typed
// message in this package has a stable numeric identifier; these values
// must never be reassigned once shipped.
type TypeCode uint16

const (
	TypeRequestVoteRequest TypeCode = iota + 1
	TypeRequestVoteReply
	TypeAppendEntriesRequest
	TypeAppendEntriesReply
	TypeInstallSnapshotRequest
	TypeInstallSnapshotReply
	TypeUpdateClusterStateRequest
	TypeUpdateClusterStateReply
	TypeQueryClusterStateRequest
	TypeQueryClusterStateReply
	TypeDisableLeaderWriteRequest
	TypeDisableLeaderWriteReply
	TypeTransactionRequest
	TypeTransactionReply
	TypeGetServersRequest
	TypeGetServersReply
	TypeUpdateClusterConfigRequest
	TypeUpdateClusterConfigReply
	TypeConvertRollRequest
	TypeConvertRollReply
)

// Header precedes every payload. SenderId/ReceiverId are the logical node
// ids used for routing and logging, not network addresses.
type Header struct {
	Version       uint8
	Type          TypeCode
	CorrelationID uint64
	SenderID      string
	ReceiverID    string
}

// Message is implemented by every typed payload in this package.
type Message interface {
	TypeCode() TypeCode
	Encode(w *Writer)
	Decode(r *Reader) error
}

// Writer serializes fixed-width fields in the wire's canonical order.
// Writer never returns an error from its Write* methods; instead it
// records the first error and surfaces it from Err/Flush, mirroring how
// bufio.Writer accumulates write failures.
type Writer struct {
	buf *bufio.Writer
	err error
}

// NewWriter wraps an io.Writer for building one frame's payload.
func NewWriter(w io.Writer) *Writer {
	return &Writer{buf: bufio.NewWriter(w)}
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Err returns the first write error encountered, if any.
func (w *Writer) Err() error { return w.err }

func (w *Writer) WriteUint8(v uint8) {
	if w.err != nil {
		return
	}
	w.fail(w.buf.WriteByte(v))
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

func (w *Writer) WriteUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.writeBytes(b[:])
}

func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.writeBytes(b[:])
}

func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.writeBytes(b[:])
}

func (w *Writer) WriteInt16(v int16)  { w.WriteUint16(uint16(v)) }
func (w *Writer) WriteInt32(v int32)  { w.WriteUint32(uint32(v)) }
func (w *Writer) WriteInt64(v int64)  { w.WriteUint64(uint64(v)) }

func (w *Writer) writeBytes(b []byte) {
	if w.err != nil {
		return
	}
	_, err := w.buf.Write(b)
	w.fail(err)
}

// WriteBytes writes a length-prefixed (uint32) opaque byte slice.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.writeBytes(b)
}

// WriteString writes a length-prefixed (uint32) UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

// WriteOptionalString writes the one-byte presence flag followed by the
// string when present.
func (w *Writer) WriteOptionalString(s *string) {
	if s == nil {
		w.WriteBool(false)
		return
	}
	w.WriteBool(true)
	w.WriteString(*s)
}

// WriteOptionalBytes writes the one-byte presence flag followed by the
// bytes when present.
func (w *Writer) WriteOptionalBytes(b []byte) {
	if b == nil {
		w.WriteBool(false)
		return
	}
	w.WriteBool(true)
	w.WriteBytes(b)
}

// Flush drains the buffered writer, returning any accumulated error.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.buf.Flush()
}

// Reader deserializes fixed-width fields in the same order Writer wrote
// them. Read methods return only the decoded value and record the first
// error; once an error occurs, subsequent reads are no-ops that return
// zero values, so callers can read a whole struct and check Err() once.
type Reader struct {
	buf *bufio.Reader
	err error
}

// NewReader wraps an io.Reader holding exactly one frame's payload bytes.
func NewReader(r io.Reader) *Reader {
	return &Reader{buf: bufio.NewReader(r)}
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		if err != nil {
			r.err = fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	}
}

// Err returns the first decode error encountered, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) readBytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.buf, b); err != nil {
		r.fail(err)
		return nil
	}
	return b
}

func (r *Reader) ReadUint8() uint8 {
	if r.err != nil {
		return 0
	}
	b, err := r.buf.ReadByte()
	if err != nil {
		r.fail(err)
		return 0
	}
	return b
}

func (r *Reader) ReadBool() bool { return r.ReadUint8() != 0 }

func (r *Reader) ReadUint16() uint16 {
	b := r.readBytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) ReadUint32() uint32 {
	b := r.readBytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) ReadUint64() uint64 {
	b := r.readBytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) ReadInt16() int16 { return int16(r.ReadUint16()) }
func (r *Reader) ReadInt32() int32 { return int32(r.ReadUint32()) }
func (r *Reader) ReadInt64() int64 { return int64(r.ReadUint64()) }

// ReadBytes reads a length-prefixed (uint32) opaque byte slice. A length
// that exceeds maxFieldBytes is treated as a malformed frame rather than
// an allocation hazard.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadUint32()
	if r.err != nil {
		return nil
	}
	if n > maxFieldBytes {
		r.fail(fmt.Errorf("field length %d exceeds maximum %d", n, maxFieldBytes))
		return nil
	}
	return r.readBytes(int(n))
}

// ReadString reads a length-prefixed (uint32) UTF-8 string.
func (r *Reader) ReadString() string {
	b := r.ReadBytes()
	if r.err != nil {
		return ""
	}
	return string(b)
}

// ReadOptionalString reads the one-byte presence flag, then the string
// when present, returning nil otherwise.
func (r *Reader) ReadOptionalString() *string {
	if !r.ReadBool() {
		return nil
	}
	s := r.ReadString()
	if r.err != nil {
		return nil
	}
	return &s
}

// ReadOptionalBytes reads the one-byte presence flag, then the bytes when
// present, returning nil otherwise.
func (r *Reader) ReadOptionalBytes() []byte {
	if !r.ReadBool() {
		return nil
	}
	return r.ReadBytes()
}

// AtEOF reports whether the underlying reader has no further bytes. A
// decoder calls this after decoding a payload to catch trailing bytes.
func (r *Reader) AtEOF() bool {
	if r.err != nil {
		return true
	}
	_, err := r.buf.Peek(1)
	return err != nil
}

// maxFieldBytes bounds any single length-prefixed field. It is far larger
// than any legitimate log entry payload or snapshot chunk, and exists only
// to turn a corrupt length prefix into a clean MalformedFrame instead of
// an out-of-memory panic.
const maxFieldBytes = 64 << 20
