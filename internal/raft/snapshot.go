package raft

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hexiaofeng/journalkeeper/internal/journal"
)

// snapshotChunkSize bounds each InstallSnapshot RPC's payload so a large
// application state root is streamed in pieces rather than one oversized
// frame, per §4.1's "streams a chunked snapshot to Followers".
const snapshotChunkSize = 32 * 1024

// SnapshotProvider supplies the current application state bytes for a
// Leader to stream to a Follower that has fallen behind the journal's
// retained first index. The state machine host implements this; the
// Raft core only knows how to chunk and transmit the bytes.
type SnapshotProvider interface {
	StateRoot() []byte
}

// InstallSnapshotArgs is the domain view of the snapshot-streaming RPC of
// §4.1. A snapshot may be split across multiple chunks; Done marks the
// final chunk.
type InstallSnapshotArgs struct {
	Term              int64
	LeaderID          string
	LastIncludedIndex int64
	LastIncludedTerm  int64
	Configuration     []byte
	ChunkOffset       int64
	Chunk             []byte
	Done              bool
}

// InstallSnapshotResult is the domain view of the snapshot RPC reply.
type InstallSnapshotResult struct {
	Term int64
}

// SnapshotSink receives chunked snapshot bytes as they arrive and is
// invoked with the accumulated bytes once Done is set. The state machine
// host implements this to restore its application state; the Raft core
// only knows how to shuttle bytes and update journal metadata.
type SnapshotSink interface {
	WriteChunk(offset int64, chunk []byte) error
	Install(lastIncludedIndex, lastIncludedTerm int64) error
}

// HandleInstallSnapshot responds to a chunked snapshot transfer from the
// Leader, per §4.1. On the final chunk it compacts the local journal up
// to lastIncludedIndex and hands the assembled snapshot to sink.
func (n *Node) HandleInstallSnapshot(args InstallSnapshotArgs, sink SnapshotSink) (InstallSnapshotResult, error) {
	n.mu.Lock()
	if args.Term < n.term {
		term := n.term
		n.mu.Unlock()
		return InstallSnapshotResult{Term: term}, nil
	}
	if args.Term > n.term {
		if err := n.stepDownLocked(args.Term); err != nil {
			n.mu.Unlock()
			return InstallSnapshotResult{}, err
		}
	}
	n.setLastKnownLeaderLocked(args.LeaderID)
	n.resetElectionTimerLocked()
	term := n.term
	n.mu.Unlock()

	if err := sink.WriteChunk(args.ChunkOffset, args.Chunk); err != nil {
		return InstallSnapshotResult{}, fmt.Errorf("raft: snapshot chunk: %w", err)
	}
	if !args.Done {
		return InstallSnapshotResult{Term: term}, nil
	}

	if err := sink.Install(args.LastIncludedIndex, args.LastIncludedTerm); err != nil {
		return InstallSnapshotResult{}, fmt.Errorf("raft: snapshot install: %w", err)
	}
	if err := n.store.Compact(journal.SnapshotMeta{
		LastIncludedIndex: args.LastIncludedIndex,
		LastIncludedTerm:  args.LastIncludedTerm,
		Configuration:     args.Configuration,
	}); err != nil {
		return InstallSnapshotResult{}, fmt.Errorf("raft: compact after snapshot: %w", err)
	}

	n.mu.Lock()
	if args.LastIncludedIndex > n.commitIndex {
		n.commitIndex = args.LastIncludedIndex
	}
	n.mu.Unlock()

	log.Info().Str("node_id", n.id).Int64("lastIncludedIndex", args.LastIncludedIndex).
		Msg("installed snapshot")
	return InstallSnapshotResult{Term: term}, nil
}

// MaybeCompact asks the journal to compact everything at or below
// lastApplied, recording its term and the current configuration as the
// new snapshot boundary. stateRoot is not read, and no code in this
// repository calls MaybeCompact; the journal is compacted only when it is
// called explicitly or a snapshot is installed.
func (n *Node) MaybeCompact(lastApplied int64, stateRoot []byte) error {
	n.mu.Lock()
	term, err := n.termAtLocked(lastApplied)
	cfg := n.configuration
	n.mu.Unlock()
	if err != nil {
		return err
	}
	encodedCfg, err := encodeConfiguration(cfg)
	if err != nil {
		return err
	}
	return n.store.Compact(journal.SnapshotMeta{
		LastIncludedIndex: lastApplied,
		LastIncludedTerm:  term,
		Configuration:     encodedCfg,
	})
}

func (n *Node) termAtLocked(index int64) (int64, error) {
	if index == 0 {
		return 0, nil
	}
	e, err := n.store.ReadAt(index)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

// sendSnapshotToPeer streams the current application snapshot to peerID in
// fixed-size chunks, invoked by replicateToPeer when the peer's nextIndex
// precedes the journal's first retained index (§4.1: "InstallSnapshot RPC
// streams a chunked snapshot to Followers whose nextIndex precedes the
// first retained log index"). On success the peer's nextIndex/matchIndex
// are advanced past the installed snapshot boundary.
func (n *Node) sendSnapshotToPeer(ctx context.Context, peerID string, term int64) {
	n.mu.Lock()
	if n.role != RoleLeader || n.term != term || n.snapshotProvider == nil {
		n.mu.Unlock()
		return
	}
	meta, ok, err := n.store.SnapshotMeta()
	cfg := n.configuration
	n.mu.Unlock()
	if err != nil || !ok {
		log.Error().Err(err).Str("peer", peerID).Msg("raft: no snapshot available to send lagging follower")
		return
	}

	data := n.snapshotProvider.StateRoot()
	encodedCfg, err := encodeConfiguration(cfg)
	if err != nil {
		log.Error().Err(err).Msg("raft: encode configuration for snapshot transfer")
		return
	}

	if len(data) == 0 {
		n.sendSnapshotChunk(ctx, peerID, term, meta, encodedCfg, 0, nil, true)
		return
	}
	for offset := 0; offset < len(data); offset += snapshotChunkSize {
		end := offset + snapshotChunkSize
		if end > len(data) {
			end = len(data)
		}
		done := end == len(data)
		if !n.sendSnapshotChunk(ctx, peerID, term, meta, encodedCfg, int64(offset), data[offset:end], done) {
			return
		}
	}
}

// sendSnapshotChunk sends one InstallSnapshot chunk and, on the final
// chunk's success, advances the peer's replication bookkeeping past the
// snapshot boundary. It reports whether the transfer may continue.
func (n *Node) sendSnapshotChunk(ctx context.Context, peerID string, term int64, meta journal.SnapshotMeta, cfg []byte, offset int64, chunk []byte, done bool) bool {
	rctx, cancel := context.WithTimeout(ctx, n.cfg.HeartbeatInterval*8)
	defer cancel()
	res, err := n.transport.SendInstallSnapshot(rctx, peerID, InstallSnapshotArgs{
		Term: term, LeaderID: n.id,
		LastIncludedIndex: meta.LastIncludedIndex, LastIncludedTerm: meta.LastIncludedTerm,
		Configuration: cfg, ChunkOffset: offset, Chunk: chunk, Done: done,
	})
	if err != nil {
		n.markPeerUnavailable(peerID)
		return false
	}
	n.markPeerAvailable(peerID)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader || n.term != term {
		return false
	}
	if res.Term > n.term {
		n.stepDownLocked(res.Term)
		return false
	}
	if done {
		if p, ok := n.peers[peerID]; ok {
			p.matchIndex = meta.LastIncludedIndex
			p.nextIndex = meta.LastIncludedIndex + 1
		}
		n.advanceCommitIndexLocked()
		return false
	}
	return true
}
