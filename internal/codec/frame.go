package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// frameLengthBytes is the size of the length prefix that precedes every
// frame: header + payload, not including the prefix itself.
const frameLengthBytes = 4

// maxFrameBytes bounds a whole frame (header+payload). Anything claiming
// to be larger is rejected before an allocation is attempted.
const maxFrameBytes = 128 << 20

func encodeHeader(w *Writer, h Header) {
	w.WriteUint8(h.Version)
	w.WriteUint16(uint16(h.Type))
	w.WriteUint64(h.CorrelationID)
	w.WriteString(h.SenderID)
	w.WriteString(h.ReceiverID)
}

func decodeHeader(r *Reader) Header {
	var h Header
	h.Version = r.ReadUint8()
	h.Type = TypeCode(r.ReadUint16())
	h.CorrelationID = r.ReadUint64()
	h.SenderID = r.ReadString()
	h.ReceiverID = r.ReadString()
	return h
}

// WriteFrame encodes header and msg into a single length-delimited frame
// and writes it to w. The header's Type is overwritten with msg.TypeCode()
// so callers cannot construct an inconsistent frame.
func WriteFrame(w io.Writer, h Header, msg Message) error {
	h.Type = msg.TypeCode()

	var body bytes.Buffer
	bw := NewWriter(&body)
	encodeHeader(bw, h)
	msg.Encode(bw)
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("codec: encode frame: %w", err)
	}

	if body.Len() > maxFrameBytes {
		return fmt.Errorf("%w: frame of %d bytes exceeds maximum", ErrMalformedFrame, body.Len())
	}

	var lenPrefix [frameLengthBytes]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// ReadFrame reads one length-delimited frame from r, decodes its header,
// and dispatches the payload to a freshly constructed Message for the
// header's type code. An unrecognized type code yields an error matching
// both ErrMalformedFrame and ErrUnknownType; any short read, length
// mismatch, or trailing bytes left after decoding yield ErrMalformedFrame.
func ReadFrame(r io.Reader) (Header, Message, error) {
	var lenPrefix [frameLengthBytes]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Header{}, nil, fmt.Errorf("%w: reading length prefix: %v", ErrMalformedFrame, err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameBytes {
		return Header{}, nil, fmt.Errorf("%w: frame of %d bytes exceeds maximum", ErrMalformedFrame, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, fmt.Errorf("%w: reading frame body: %v", ErrMalformedFrame, err)
	}

	br := NewReader(bytes.NewReader(body))
	h := decodeHeader(br)
	if br.Err() != nil {
		return Header{}, nil, br.Err()
	}

	msg, err := newMessage(h.Type)
	if err != nil {
		return Header{}, nil, err
	}
	if err := msg.Decode(br); err != nil {
		return Header{}, nil, err
	}
	if br.Err() != nil {
		return Header{}, nil, br.Err()
	}
	if !br.AtEOF() {
		return Header{}, nil, fmt.Errorf("%w: trailing bytes after %T payload", ErrMalformedFrame, msg)
	}
	return h, msg, nil
}

func newMessage(t TypeCode) (Message, error) {
	switch t {
	case TypeRequestVoteRequest:
		return &RequestVoteRequest{}, nil
	case TypeRequestVoteReply:
		return &RequestVoteReply{}, nil
	case TypeAppendEntriesRequest:
		return &AppendEntriesRequest{}, nil
	case TypeAppendEntriesReply:
		return &AppendEntriesReply{}, nil
	case TypeInstallSnapshotRequest:
		return &InstallSnapshotRequest{}, nil
	case TypeInstallSnapshotReply:
		return &InstallSnapshotReply{}, nil
	case TypeUpdateClusterStateRequest:
		return &UpdateClusterStateRequest{}, nil
	case TypeUpdateClusterStateReply:
		return &UpdateClusterStateReply{}, nil
	case TypeQueryClusterStateRequest:
		return &QueryClusterStateRequest{}, nil
	case TypeQueryClusterStateReply:
		return &QueryClusterStateReply{}, nil
	case TypeDisableLeaderWriteRequest:
		return &DisableLeaderWriteRequest{}, nil
	case TypeDisableLeaderWriteReply:
		return &DisableLeaderWriteReply{}, nil
	case TypeTransactionRequest:
		return &TransactionRequest{}, nil
	case TypeTransactionReply:
		return &TransactionReply{}, nil
	case TypeGetServersRequest:
		return &GetServersRequest{}, nil
	case TypeGetServersReply:
		return &GetServersReply{}, nil
	case TypeUpdateClusterConfigRequest:
		return &UpdateClusterConfigRequest{}, nil
	case TypeUpdateClusterConfigReply:
		return &UpdateClusterConfigReply{}, nil
	case TypeConvertRollRequest:
		return &ConvertRollRequest{}, nil
	case TypeConvertRollReply:
		return &ConvertRollReply{}, nil
	default:
		return nil, fmt.Errorf("%w: %w: code %d", ErrMalformedFrame, ErrUnknownType, t)
	}
}

// Encode is a convenience helper for tests and callers that just want the
// raw payload bytes (header + message) of a frame without the length
// prefix, e.g. for byte-layout assertions against spec fixtures.
func Encode(h Header, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, h, msg); err != nil {
		return nil, err
	}
	return buf.Bytes()[frameLengthBytes:], nil
}
