package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hexiaofeng/journalkeeper/internal/codec"
	"github.com/hexiaofeng/journalkeeper/internal/raft"
)

// PeerTransport implements raft.Transport over plain net.Conn dialing
// and internal/codec framing, the concrete network the Raft core's
// Transport interface runs over in this repository (§9: "ownership is
// strictly downward", so Node borrows this read-only through the
// interface rather than holding a *PeerTransport directly).
type PeerTransport struct {
	selfID  string
	dialCtx time.Duration

	mu        sync.RWMutex
	addresses map[string]string // peer id -> "host:port"
	nextCorr  uint64
}

// NewPeerTransport constructs a PeerTransport for a node whose own id is
// selfID. addresses maps every peer id (voter or observer) to its
// transport.Server listen address.
func NewPeerTransport(selfID string, addresses map[string]string) *PeerTransport {
	return &PeerTransport{selfID: selfID, dialCtx: 2 * time.Second, addresses: addresses}
}

// SetAddress updates or adds a peer's dial address, for membership
// changes that introduce a new voter or observer after construction.
func (t *PeerTransport) SetAddress(peerID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addresses[peerID] = addr
}

func (t *PeerTransport) addressFor(peerID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.addresses[peerID]
	if !ok {
		return "", fmt.Errorf("transport: no known address for peer %s", peerID)
	}
	return addr, nil
}

func (t *PeerTransport) roundTrip(ctx context.Context, peerID string, req codec.Message) (codec.Message, error) {
	addr, err := t.addressFor(peerID)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.dialCtx)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial peer %s (%s): %w", peerID, addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	h := codec.Header{
		Version:       codec.ProtocolVersion,
		CorrelationID: t.correlationID(),
		SenderID:      t.selfID,
		ReceiverID:    peerID,
	}
	if err := codec.WriteFrame(conn, h, req); err != nil {
		return nil, fmt.Errorf("transport: write to peer %s: %w", peerID, err)
	}
	_, reply, err := codec.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: read from peer %s: %w", peerID, err)
	}
	return reply, nil
}

func (t *PeerTransport) correlationID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextCorr++
	return t.nextCorr
}

// SendRequestVote implements raft.Transport.
func (t *PeerTransport) SendRequestVote(ctx context.Context, peerID string, req raft.RequestVoteArgs) (raft.RequestVoteResult, error) {
	reply, err := t.roundTrip(ctx, peerID, &codec.RequestVoteRequest{
		Term: req.Term, CandidateID: req.CandidateID, LastLogIndex: req.LastLogIndex, LastLogTerm: req.LastLogTerm,
	})
	if err != nil {
		return raft.RequestVoteResult{}, err
	}
	rep, ok := reply.(*codec.RequestVoteReply)
	if !ok {
		return raft.RequestVoteResult{}, fmt.Errorf("transport: unexpected reply type %T for RequestVote", reply)
	}
	return raft.RequestVoteResult{Term: rep.Term, VoteGranted: rep.VoteGranted, VoterID: rep.VoterID}, nil
}

// SendAppendEntries implements raft.Transport.
func (t *PeerTransport) SendAppendEntries(ctx context.Context, peerID string, req raft.AppendEntriesArgs) (raft.AppendEntriesResult, error) {
	reply, err := t.roundTrip(ctx, peerID, &codec.AppendEntriesRequest{
		Term: req.Term, LeaderID: req.LeaderID, PrevLogIndex: req.PrevLogIndex, PrevLogTerm: req.PrevLogTerm,
		Entries: req.Entries, LeaderCommit: req.LeaderCommit,
	})
	if err != nil {
		return raft.AppendEntriesResult{}, err
	}
	rep, ok := reply.(*codec.AppendEntriesReply)
	if !ok {
		return raft.AppendEntriesResult{}, fmt.Errorf("transport: unexpected reply type %T for AppendEntries", reply)
	}
	return raft.AppendEntriesResult{Term: rep.Term, Success: rep.Success, ConflictTerm: rep.ConflictTerm, ConflictIndex: rep.ConflictIndex}, nil
}

// SendInstallSnapshot implements raft.Transport.
func (t *PeerTransport) SendInstallSnapshot(ctx context.Context, peerID string, req raft.InstallSnapshotArgs) (raft.InstallSnapshotResult, error) {
	reply, err := t.roundTrip(ctx, peerID, &codec.InstallSnapshotRequest{
		Term: req.Term, LeaderID: req.LeaderID, LastIncludedIndex: req.LastIncludedIndex, LastIncludedTerm: req.LastIncludedTerm,
		Configuration: req.Configuration, ChunkOffset: req.ChunkOffset, Chunk: req.Chunk, Done: req.Done,
	})
	if err != nil {
		return raft.InstallSnapshotResult{}, err
	}
	rep, ok := reply.(*codec.InstallSnapshotReply)
	if !ok {
		return raft.InstallSnapshotResult{}, fmt.Errorf("transport: unexpected reply type %T for InstallSnapshot", reply)
	}
	return raft.InstallSnapshotResult{Term: rep.Term}, nil
}
