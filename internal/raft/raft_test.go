package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexiaofeng/journalkeeper/internal/events"
	"github.com/hexiaofeng/journalkeeper/internal/journal"
)

// memStore is a minimal in-memory journal.Store double for exercising the
// raft package without touching disk.
type memStore struct {
	mu      sync.Mutex
	entries []journal.LogEntry // entries[0] is index first
	first   int64
	vr      journal.VoterRecord
	meta    journal.SnapshotMeta
	hasMeta bool
}

func newMemStore() *memStore { return &memStore{first: 1} }

func (s *memStore) Append(e journal.LogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return e.Index, nil
}

func (s *memStore) indexOf(index int64) int {
	return int(index - s.first)
}

func (s *memStore) ReadAt(index int64) (journal.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(index)
	if i < 0 || i >= len(s.entries) {
		return journal.LogEntry{}, journal.ErrNotFound
	}
	return s.entries[i], nil
}

func (s *memStore) ReadRange(from, to int64) ([]journal.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []journal.LogEntry
	for idx := from; idx <= to; idx++ {
		i := s.indexOf(idx)
		if i < 0 || i >= len(s.entries) {
			continue
		}
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *memStore) TruncateAfter(index int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(index) + 1
	if i < 0 {
		i = 0
	}
	if i < len(s.entries) {
		s.entries = s.entries[:i]
	}
	return nil
}

func (s *memStore) FirstIndex() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first, nil
}

func (s *memStore) LastIndex() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first + int64(len(s.entries)) - 1, nil
}

func (s *memStore) Compact(meta journal.SnapshotMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
	s.hasMeta = true
	s.first = meta.LastIncludedIndex + 1
	return nil
}

func (s *memStore) SnapshotMeta() (journal.SnapshotMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, s.hasMeta, nil
}

func (s *memStore) VoterRecord() (journal.VoterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vr, nil
}

func (s *memStore) SaveVoterRecord(vr journal.VoterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vr = vr
	return nil
}

func (s *memStore) Close() error { return nil }

// cluster wires N in-process Nodes together through a single shared
// router acting as Transport, so election/replication can be exercised
// without any real network or disk I/O.
type cluster struct {
	nodes map[string]*Node
}

type routerTransport struct {
	c *cluster
}

func (t *routerTransport) SendRequestVote(ctx context.Context, peerID string, req RequestVoteArgs) (RequestVoteResult, error) {
	n, ok := t.c.nodes[peerID]
	if !ok {
		return RequestVoteResult{}, journal.ErrNotFound
	}
	return n.HandleRequestVote(req)
}

func (t *routerTransport) SendAppendEntries(ctx context.Context, peerID string, req AppendEntriesArgs) (AppendEntriesResult, error) {
	n, ok := t.c.nodes[peerID]
	if !ok {
		return AppendEntriesResult{}, journal.ErrNotFound
	}
	return n.HandleAppendEntries(req)
}

func (t *routerTransport) SendInstallSnapshot(ctx context.Context, peerID string, req InstallSnapshotArgs) (InstallSnapshotResult, error) {
	n, ok := t.c.nodes[peerID]
	if !ok {
		return InstallSnapshotResult{}, journal.ErrNotFound
	}
	return n.HandleInstallSnapshot(req, noopSink{})
}

type noopSink struct{}

func (noopSink) WriteChunk(offset int64, chunk []byte) error         { return nil }
func (noopSink) Install(lastIncludedIndex, lastIncludedTerm int64) error { return nil }

func newTestCluster(t *testing.T, ids []string) *cluster {
	t.Helper()
	c := &cluster{nodes: make(map[string]*Node)}
	cfg := Configuration{Old: ids}
	transport := &routerTransport{c: c}
	for _, id := range ids {
		nc := DefaultConfig(id)
		nc.ElectionTimeoutMin = 20 * time.Millisecond
		nc.ElectionTimeoutMax = 40 * time.Millisecond
		nc.HeartbeatInterval = 5 * time.Millisecond
		nc.DisableLeaderWriteGrace = 10 * time.Millisecond
		n, err := NewNode(nc, cfg, newMemStore(), transport, events.NewBus(), nil)
		require.NoError(t, err)
		c.nodes[id] = n
	}
	return c
}

func (c *cluster) startElectionFor(ctx context.Context, id string) {
	c.nodes[id].startElection(ctx)
}

func TestStartElectionBecomesLeaderOnMajority(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"})
	ctx := context.Background()

	c.startElectionFor(ctx, "n1")

	assert.Equal(t, RoleLeader, c.nodes["n1"].Role())
	assert.Equal(t, RoleFollower, c.nodes["n2"].Role())
	assert.Equal(t, RoleFollower, c.nodes["n3"].Role())
	assert.Equal(t, int64(1), c.nodes["n1"].Term())
}

func TestHigherTermCausesStepDown(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"})
	ctx := context.Background()
	c.startElectionFor(ctx, "n1")
	require.Equal(t, RoleLeader, c.nodes["n1"].Role())

	// n2 observes n1's term and decides to run for a later term.
	c.nodes["n2"].mu.Lock()
	c.nodes["n2"].term = c.nodes["n1"].Term() + 1
	c.nodes["n2"].mu.Unlock()
	c.startElectionFor(ctx, "n2")

	assert.Equal(t, RoleFollower, c.nodes["n1"].Role())
	assert.Equal(t, RoleLeader, c.nodes["n2"].Role())
}

func TestProposeEntriesRejectsNonLeader(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"})
	ctx := context.Background()
	_, _, err := c.nodes["n2"].ProposeEntries(ctx, []journal.LogEntry{{Kind: journal.EntryNormal, Payload: []byte("x")}})
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestProposeEntriesWriteDisabledDuringGrace(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"})
	ctx := context.Background()
	c.startElectionFor(ctx, "n1")
	require.Equal(t, RoleLeader, c.nodes["n1"].Role())

	_, _, err := c.nodes["n1"].ProposeEntries(ctx, []journal.LogEntry{{Kind: journal.EntryNormal, Payload: []byte("x")}})
	assert.ErrorIs(t, err, ErrLeaderWriteDisabled)

	time.Sleep(15 * time.Millisecond)
	first, last, err := c.nodes["n1"].ProposeEntries(ctx, []journal.LogEntry{{Kind: journal.EntryNormal, Payload: []byte("x")}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(1), last)
}

func TestAdvanceCommitIndexRequiresCurrentTermEntry(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"})
	ctx := context.Background()
	c.startElectionFor(ctx, "n1")
	leader := c.nodes["n1"]
	time.Sleep(15 * time.Millisecond)

	_, last, err := leader.ProposeEntries(ctx, []journal.LogEntry{{Kind: journal.EntryNormal, Payload: []byte("a")}})
	require.NoError(t, err)
	leader.replicateToAllPeers(ctx, leader.Term())

	require.Eventually(t, func() bool {
		return leader.CommitIndex() >= last
	}, time.Second, 5*time.Millisecond)
}

func TestHandleDisableLeaderWriteExpires(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"})
	ctx := context.Background()
	c.startElectionFor(ctx, "n1")
	leader := c.nodes["n1"]
	time.Sleep(15 * time.Millisecond)

	res := leader.HandleDisableLeaderWrite(DisableLeaderWriteArgs{Term: leader.Term(), TimeoutMs: 10})
	assert.True(t, res.Acknowledged)

	_, _, err := leader.ProposeEntries(ctx, []journal.LogEntry{{Kind: journal.EntryNormal}})
	assert.ErrorIs(t, err, ErrLeaderWriteDisabled)

	time.Sleep(15 * time.Millisecond)
	_, _, err = leader.ProposeEntries(ctx, []journal.LogEntry{{Kind: journal.EntryNormal}})
	assert.NoError(t, err)
}

func TestQuorumMetByVotesJointConsensus(t *testing.T) {
	cfg := Configuration{Old: []string{"n1", "n2", "n3"}, New: []string{"n3", "n4", "n5"}}
	votes := map[string]bool{"n1": true, "n2": true, "n3": true}
	assert.False(t, quorumMetByVotes(cfg, votes), "majority in New is missing")

	votes["n4"] = true
	assert.True(t, quorumMetByVotes(cfg, votes))
}

func TestHandleInstallSnapshotCompactsAndAdvancesCommit(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2"})
	follower := c.nodes["n2"]

	res, err := follower.HandleInstallSnapshot(InstallSnapshotArgs{
		Term: 1, LeaderID: "n1", LastIncludedIndex: 5, LastIncludedTerm: 1, Done: true,
	}, noopSink{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Term)
	assert.Equal(t, int64(5), follower.CommitIndex())
}

type stubSnapshotProvider struct{ root []byte }

func (s stubSnapshotProvider) StateRoot() []byte { return s.root }

func TestReplicateToPeerSendsSnapshotWhenNextIndexPrecedesFirst(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2"})
	ctx := context.Background()
	c.startElectionFor(ctx, "n1")
	leader := c.nodes["n1"]
	time.Sleep(15 * time.Millisecond)

	leader.SetSnapshotProvider(stubSnapshotProvider{root: []byte("applied-state")})

	// Simulate compaction past index 3 on the leader without the peer
	// ever having caught up: its nextIndex stays at 1, which now
	// precedes the journal's retained first index.
	require.NoError(t, leader.store.Compact(journal.SnapshotMeta{LastIncludedIndex: 3, LastIncludedTerm: leader.Term()}))
	leader.mu.Lock()
	leader.peers["n2"].nextIndex = 1
	leader.peers["n2"].matchIndex = 0
	leader.mu.Unlock()

	leader.replicateToPeer(ctx, "n2", leader.Term())

	leader.mu.Lock()
	p := leader.peers["n2"]
	nextIndex, matchIndex := p.nextIndex, p.matchIndex
	leader.mu.Unlock()
	assert.Equal(t, int64(4), nextIndex)
	assert.Equal(t, int64(3), matchIndex)

	follower := c.nodes["n2"]
	meta, ok, err := follower.store.SnapshotMeta()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), meta.LastIncludedIndex)
}

func TestConvertRollMovesServerBetweenVotersAndObservers(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"})
	ctx := context.Background()
	c.startElectionFor(ctx, "n1")
	leader := c.nodes["n1"]
	time.Sleep(15 * time.Millisecond)

	idx, err := leader.ConvertRoll(ctx, "n3", false)
	require.NoError(t, err)

	// No state machine host runs here: once the entry commits, deliver the
	// Applied event it would publish, which clears the one-change barrier.
	require.Eventually(t, func() bool { return leader.CommitIndex() >= idx }, time.Second, 5*time.Millisecond)
	leader.onApplied(events.Event{Kind: events.Applied, Index: idx})

	require.Eventually(t, func() bool {
		cfg := leader.ConfigurationSnapshot()
		return !isVoterIn("n3", cfg.Old) && cfg.isObserver("n3")
	}, time.Second, 5*time.Millisecond)

	_, err = leader.ConvertRoll(ctx, "n3", true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cfg := leader.ConfigurationSnapshot()
		return isVoterIn("n3", cfg.Old) && !cfg.isObserver("n3")
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateVotersCollapsesJointConsensus(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"})
	ctx := context.Background()
	c.startElectionFor(ctx, "n1")
	leader := c.nodes["n1"]
	time.Sleep(15 * time.Millisecond)

	idx, err := leader.UpdateVoters(ctx, []string{"n1", "n2", "n3"}, []string{"n1", "n2"})
	require.NoError(t, err)

	// No state machine host runs here: once the joint entry commits,
	// deliver the Applied event it would publish, which collapses the
	// joint configuration.
	require.Eventually(t, func() bool { return leader.CommitIndex() >= idx }, time.Second, 5*time.Millisecond)
	leader.onApplied(events.Event{Kind: events.Applied, Index: idx})

	require.Eventually(t, func() bool {
		cfg := leader.ConfigurationSnapshot()
		return !cfg.Joint() && len(cfg.Old) == 2 && isVoterIn("n1", cfg.Old) && isVoterIn("n2", cfg.Old)
	}, time.Second, 5*time.Millisecond)
}
