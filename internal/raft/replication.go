package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hexiaofeng/journalkeeper/internal/events"
	"github.com/hexiaofeng/journalkeeper/internal/journal"
)

// AppendEntriesArgs is the Raft-core's domain view of a replication RPC.
type AppendEntriesArgs struct {
	Term         int64
	LeaderID     string
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []journal.LogEntry
	LeaderCommit int64
}

// AppendEntriesResult is the domain view of a replication reply,
// including the §4.1 term-jump optimization fields.
type AppendEntriesResult struct {
	Term          int64
	Success       bool
	ConflictTerm  int64
	ConflictIndex int64
}

// ProposeEntries assigns a contiguous range of indices to entries under
// the Leader's per-leader monotonic counter, persists them locally, and
// returns once the local append is durable. Replication to peers is
// driven by the Leader's steady-state replication loop (leaderLoop);
// callers that need REPLICATION/ALL-level confirmation should subscribe
// to events.CommitAdvanced/events.Applied for the returned index range.
func (n *Node) ProposeEntries(ctx context.Context, entries []journal.LogEntry) (firstIndex, lastIndex int64, err error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		hint := n.lastKnownLeader
		n.mu.Unlock()
		return 0, 0, fmt.Errorf("%w: hint=%s", ErrNotLeader, hint)
	}
	if time.Now().Before(n.disableWriteUntil) {
		n.mu.Unlock()
		return 0, 0, ErrLeaderWriteDisabled
	}
	term := n.term
	last, err := n.store.LastIndex()
	if err != nil {
		n.mu.Unlock()
		return 0, 0, err
	}
	n.mu.Unlock()

	next := last + 1
	for i := range entries {
		entries[i].Term = term
		entries[i].Index = next + int64(i)
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = time.Now()
		}
		if _, err := n.store.Append(entries[i]); err != nil {
			return 0, 0, fmt.Errorf("raft: persist proposal: %w", err)
		}
	}
	firstIndex = next
	lastIndex = next + int64(len(entries)) - 1

	// The Leader's own log already satisfies its own matchIndex
	// (advanceCommitIndexLocked treats selfMatch as LastIndex()), so a
	// lone voter or a configuration with no reachable peers can still
	// commit on self-quorum alone rather than waiting on replicateToPeer.
	n.mu.Lock()
	n.advanceCommitIndexLocked()
	n.mu.Unlock()

	// Kick an immediate replication pass rather than waiting for the next
	// heartbeat tick, so REPLICATION/ALL-level clients see low latency.
	n.replicateToAllPeers(ctx, term)
	return firstIndex, lastIndex, nil
}

// leaderLoop sends periodic heartbeats/replication until stepping down
// from term or the node stops, implementing the suspension-on-timer
// point of §5.
func (n *Node) leaderLoop(ctx context.Context, term int64) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.mu.Lock()
			stillLeader := n.role == RoleLeader && n.term == term
			n.mu.Unlock()
			if !stillLeader {
				return
			}
			n.replicateToAllPeers(ctx, term)
			n.checkQuorumLoss(term)
		case <-n.stopCh:
			return
		}
	}
}

// checkQuorumLoss steps down as soon as one heartbeat round finds fewer
// than a majority of voters (self included) available, where a peer's
// availability reflects the outcome of the most recent RPC to it. No
// grace window is applied before stepping down.
func (n *Node) checkQuorumLoss(term int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader || n.term != term {
		return
	}
	available := 1 // self
	total := 1
	for _, p := range n.peers {
		if p.observer {
			continue
		}
		total++
		if p.available {
			available++
		}
	}
	if available < majorityOf(total) {
		log.Warn().Str("node_id", n.id).Msg("lost quorum, stepping down")
		n.stepDownLocked(n.term)
	}
}

func (n *Node) replicateToAllPeers(ctx context.Context, term int64) {
	n.mu.Lock()
	peerIDs := make([]string, 0, len(n.peers))
	for id := range n.peers {
		peerIDs = append(peerIDs, id)
	}
	n.mu.Unlock()

	for _, id := range peerIDs {
		go n.replicateToPeer(ctx, id, term)
	}
}

func (n *Node) replicateToPeer(ctx context.Context, peerID string, term int64) {
	n.mu.Lock()
	if n.role != RoleLeader || n.term != term {
		n.mu.Unlock()
		return
	}
	p, ok := n.peers[peerID]
	if !ok {
		n.mu.Unlock()
		return
	}
	nextIndex := p.nextIndex
	first, _ := n.store.FirstIndex()
	if first > 1 && nextIndex < first {
		n.mu.Unlock()
		n.sendSnapshotToPeer(ctx, peerID, term)
		return
	}
	last, _ := n.store.LastIndex()
	prevIndex := nextIndex - 1
	var prevTerm int64
	if prevIndex > 0 {
		if e, err := n.store.ReadAt(prevIndex); err == nil {
			prevTerm = e.Term
		}
	}
	var entries []journal.LogEntry
	if nextIndex <= last {
		es, err := n.store.ReadRange(nextIndex, last)
		if err == nil {
			entries = es
		}
	}
	commit := n.commitIndex
	n.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, n.cfg.HeartbeatInterval*4)
	defer cancel()
	res, err := n.transport.SendAppendEntries(rctx, peerID, AppendEntriesArgs{
		Term: term, LeaderID: n.id, PrevLogIndex: prevIndex, PrevLogTerm: prevTerm,
		Entries: entries, LeaderCommit: commit,
	})
	if err != nil {
		n.markPeerUnavailable(peerID)
		return
	}
	n.markPeerAvailable(peerID)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader || n.term != term {
		return
	}
	if res.Term > n.term {
		n.stepDownLocked(res.Term)
		return
	}
	p, ok = n.peers[peerID]
	if !ok {
		return
	}
	if res.Success {
		p.matchIndex = prevIndex + int64(len(entries))
		p.nextIndex = p.matchIndex + 1
		n.advanceCommitIndexLocked()
		return
	}
	// Term-jump optimization: skip directly to the first index of the
	// conflicting term instead of decrementing nextIndex one at a time.
	if res.ConflictTerm != 0 {
		idx, err := n.firstIndexOfTermLocked(res.ConflictTerm)
		if err == nil && idx > 0 {
			p.nextIndex = idx
			return
		}
		p.nextIndex = res.ConflictIndex
		if p.nextIndex < 1 {
			p.nextIndex = 1
		}
		return
	}
	if p.nextIndex > 1 {
		p.nextIndex--
	}
}

func (n *Node) firstIndexOfTermLocked(term int64) (int64, error) {
	first, err := n.store.FirstIndex()
	if err != nil {
		return 0, err
	}
	last, err := n.store.LastIndex()
	if err != nil {
		return 0, err
	}
	for idx := first; idx <= last; idx++ {
		e, err := n.store.ReadAt(idx)
		if err != nil {
			continue
		}
		if e.Term == term {
			return idx, nil
		}
		if e.Term > term {
			break
		}
	}
	return 0, journal.ErrNotFound
}

// advanceCommitIndexLocked implements the commit rule of §4.1: advance
// commitIndex to the largest N such that a majority (in both
// configurations, during joint consensus) has matchIndex >= N AND
// log[N].term == currentTerm. Leaders never commit prior-term entries by
// count alone. Callers must hold n.mu.
func (n *Node) advanceCommitIndexLocked() {
	last, err := n.store.LastIndex()
	if err != nil {
		return
	}
	matchIndex := make(map[string]int64, len(n.peers))
	for id, p := range n.peers {
		if !p.observer {
			matchIndex[id] = p.matchIndex
		}
	}
	selfMatch := last
	if sp, ok := n.peers[n.id]; ok {
		selfMatch = sp.matchIndex
	}

	for N := last; N > n.commitIndex; N-- {
		e, err := n.store.ReadAt(N)
		if err != nil {
			continue
		}
		if e.Term != n.term {
			continue
		}
		if quorumMet(n.configuration, n.id, matchIndex, selfMatch, N) {
			n.commitIndex = N
			n.updateMetricsLocked()
			n.publish(events.Event{Kind: events.CommitAdvanced, NodeID: n.id, Term: n.term, Index: N})
			return
		}
	}
}

// HandleAppendEntries responds to replication/heartbeat RPCs from the
// current Leader, per §4.1: reject stale terms, reject on log mismatch
// (reporting conflict term/index for the fast-backtrack optimization),
// otherwise reconcile the suffix and advance commitIndex.
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) (AppendEntriesResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.term {
		return AppendEntriesResult{Term: n.term, Success: false}, nil
	}
	if args.Term > n.term {
		if err := n.stepDownLocked(args.Term); err != nil {
			return AppendEntriesResult{}, err
		}
	} else if n.role == RoleCandidate {
		n.role = RoleFollower
	}
	if n.role != RoleObserver {
		n.role = RoleFollower
	}
	n.setLastKnownLeaderLocked(args.LeaderID)
	n.resetElectionTimerLocked()

	if args.PrevLogIndex > 0 {
		e, err := n.store.ReadAt(args.PrevLogIndex)
		if err != nil {
			last, _ := n.store.LastIndex()
			return AppendEntriesResult{Term: n.term, Success: false, ConflictIndex: last + 1}, nil
		}
		if e.Term != args.PrevLogTerm {
			conflictIdx, _ := n.firstIndexOfTermLocked(e.Term)
			if conflictIdx == 0 {
				conflictIdx = args.PrevLogIndex
			}
			return AppendEntriesResult{Term: n.term, Success: false, ConflictTerm: e.Term, ConflictIndex: conflictIdx}, nil
		}
	}

	if len(args.Entries) > 0 {
		if err := n.reconcileLocked(args.PrevLogIndex, args.Entries); err != nil {
			return AppendEntriesResult{}, err
		}
	}

	if args.LeaderCommit > n.commitIndex {
		last, _ := n.store.LastIndex()
		newCommit := args.LeaderCommit
		if newCommit > last {
			newCommit = last
		}
		if newCommit > n.commitIndex {
			n.commitIndex = newCommit
			n.updateMetricsLocked()
			n.publish(events.Event{Kind: events.CommitAdvanced, NodeID: n.id, Term: n.term, Index: newCommit})
		}
	}
	return AppendEntriesResult{Term: n.term, Success: true}, nil
}

// reconcileLocked deletes any existing suffix that conflicts with the new
// entries (same index, different term) and appends whatever is not
// already present, per §4.1/§4.2's truncate-on-reconcile rule. Callers
// must hold n.mu.
func (n *Node) reconcileLocked(prevLogIndex int64, entries []journal.LogEntry) error {
	for _, e := range entries {
		existing, err := n.store.ReadAt(e.Index)
		if err == nil {
			if existing.Term == e.Term {
				continue // already present, identical
			}
			if err := n.store.TruncateAfter(e.Index - 1); err != nil {
				return fmt.Errorf("raft: truncate on reconcile: %w", err)
			}
		}
		if _, err := n.store.Append(e); err != nil {
			return fmt.Errorf("raft: append on reconcile: %w", err)
		}
	}
	return nil
}
