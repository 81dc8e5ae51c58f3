package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/hexiaofeng/journalkeeper/internal/journal"
	"github.com/stretchr/testify/require"
)

// TestDisableLeaderWriteByteLayout pins the exact byte layout from
// spec §8 scenario 5: encode(DisableLeaderWriteRequest(timeoutMs=12345,
// term=42)) must produce 8 bytes big-endian 0x0000000000003039 followed by
// 4 bytes big-endian 0x0000002A.
func TestDisableLeaderWriteByteLayout(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	req := &DisableLeaderWriteRequest{TimeoutMs: 12345, Term: 42}
	req.Encode(w)
	require.NoError(t, w.Flush())

	want := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x2A}
	require.Equal(t, want, buf.Bytes())

	b := buf2(t, want)
	r := NewReader(&b)
	got := &DisableLeaderWriteRequest{}
	require.NoError(t, got.Decode(r))
	require.Equal(t, req, got)
}

func buf2(t *testing.T, b []byte) bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(b)
	return buf
}

// TestRoundTripFrame exercises WriteFrame/ReadFrame end-to-end for every
// message type, per §8's codec round-trip law.
func TestRoundTripFrame(t *testing.T) {
	hdr := Header{SenderID: "n1", ReceiverID: "n2", CorrelationID: 7}

	cases := []Message{
		&RequestVoteRequest{Term: 3, CandidateID: "n1", LastLogIndex: 10, LastLogTerm: 2},
		&RequestVoteReply{Term: 3, VoteGranted: true, VoterID: "n2"},
		&AppendEntriesRequest{
			Term: 5, LeaderID: "n1", PrevLogIndex: 4, PrevLogTerm: 3,
			Entries: []journal.LogEntry{
				{Term: 5, Index: 5, Partition: 1, BatchSize: 1, Timestamp: time.Unix(100, 0), Payload: []byte("hello")},
				{Term: 5, Index: 6, Partition: 0, BatchSize: 2, Header: []byte("hdr"), Timestamp: time.Unix(101, 0), Payload: []byte("world")},
			},
			LeaderCommit: 4,
		},
		&AppendEntriesReply{Term: 5, Success: false, ConflictTerm: 3, ConflictIndex: 2},
		&InstallSnapshotRequest{
			Term: 8, LeaderID: "n1", LastIncludedIndex: 100, LastIncludedTerm: 7,
			Configuration: []byte("cfg"), ChunkOffset: 0, Chunk: []byte("chunk"), Done: true,
		},
		&InstallSnapshotReply{Term: 8},
		&UpdateClusterStateRequest{
			CorrelationID: "c1", ResponseLevel: ResponseLevelAll, TransactionID: "",
			Entries: []journal.LogEntry{{Term: 1, Index: 1, Payload: []byte("x")}},
		},
		&UpdateClusterStateReply{ErrKind: ErrKindNone, Results: [][]byte{[]byte("r1"), []byte("r2")}},
		&QueryClusterStateRequest{CorrelationID: "q1", Query: []byte("SELECT"), Sequential: true},
		&QueryClusterStateReply{ErrKind: ErrKindNotLeader, NotLeaderHint: "n3"},
		&DisableLeaderWriteRequest{TimeoutMs: 5000, Term: 8},
		&DisableLeaderWriteReply{Acknowledged: true},
		&GetServersRequest{},
		&GetServersReply{Voters: []string{"n1", "n2"}, JointVoters: []string{"n2", "n3"}, Observers: []string{"n4"}},
		&UpdateClusterConfigRequest{OldVoters: []string{"n1", "n2"}, NewVoters: []string{"n2", "n3"}},
		&UpdateClusterConfigReply{Index: 7},
		&ConvertRollRequest{URI: "n4", ToVoter: true},
		&ConvertRollReply{ErrKind: ErrKindNotLeader, NotLeaderHint: "n1"},
	}

	for _, msg := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, hdr, msg))

		gotHdr, gotMsg, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, hdr.SenderID, gotHdr.SenderID)
		require.Equal(t, hdr.ReceiverID, gotHdr.ReceiverID)
		require.Equal(t, hdr.CorrelationID, gotHdr.CorrelationID)
		require.Equal(t, msg.TypeCode(), gotHdr.Type)
		require.Equal(t, msg, gotMsg)
	}
}

// TestMalformedFrameShortRead ensures a truncated frame body is rejected
// rather than silently accepted.
func TestMalformedFrameShortRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Header{}, &RequestVoteReply{Term: 1, VoteGranted: true, VoterID: "n1"}))

	truncated := buf.Bytes()[:buf.Len()-2]
	_, _, err := ReadFrame(bytes.NewReader(truncated))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

// TestMalformedFrameUnknownType ensures an unrecognized type code is
// rejected rather than decoded as the wrong message shape.
func TestMalformedFrameUnknownType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Header{}, &RequestVoteReply{Term: 1}))
	raw := buf.Bytes()

	// Corrupt the type code (bytes 5-6 of the frame: 4-byte length prefix,
	// then 1-byte version, then 2-byte type code) to a code that is never
	// registered.
	raw[5] = 0xFF
	raw[6] = 0xFF

	_, _, err := ReadFrame(bytes.NewReader(raw))
	require.Error(t, err)
}

// TestMalformedFrameTrailingBytes ensures a frame with extra bytes after a
// fully-decoded payload is rejected.
func TestMalformedFrameTrailingBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Header{}, &InstallSnapshotReply{Term: 9}))
	raw := append(buf.Bytes(), 0x00, 0x01, 0x02)

	// Bump the length prefix to match the appended garbage so ReadFrame
	// reads it all as one frame body.
	n := len(raw) - frameLengthBytes
	raw[0] = byte(n >> 24)
	raw[1] = byte(n >> 16)
	raw[2] = byte(n >> 8)
	raw[3] = byte(n)

	_, _, err := ReadFrame(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrMalformedFrame)
}
