package proposal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexiaofeng/journalkeeper/internal/events"
	"github.com/hexiaofeng/journalkeeper/internal/journal"
	"github.com/hexiaofeng/journalkeeper/internal/raft"
)

// fakeStore is the same minimal in-memory journal.Store double used by
// the raft package's own tests, duplicated here to keep package test
// dependencies one-directional (proposal depends on raft, not the other
// way around, so it cannot import raft's _test.go helpers).
type fakeStore struct {
	mu      sync.Mutex
	entries []journal.LogEntry
	first   int64
	vr      journal.VoterRecord
}

func newFakeStore() *fakeStore { return &fakeStore{first: 1} }

func (s *fakeStore) Append(e journal.LogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return e.Index, nil
}
func (s *fakeStore) idx(index int64) int { return int(index - s.first) }
func (s *fakeStore) ReadAt(index int64) (journal.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.idx(index)
	if i < 0 || i >= len(s.entries) {
		return journal.LogEntry{}, journal.ErrNotFound
	}
	return s.entries[i], nil
}
func (s *fakeStore) ReadRange(from, to int64) ([]journal.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []journal.LogEntry
	for i := from; i <= to; i++ {
		idx := s.idx(i)
		if idx >= 0 && idx < len(s.entries) {
			out = append(out, s.entries[idx])
		}
	}
	return out, nil
}
func (s *fakeStore) TruncateAfter(index int64) error { return nil }
func (s *fakeStore) FirstIndex() (int64, error)      { return s.first, nil }
func (s *fakeStore) LastIndex() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first + int64(len(s.entries)) - 1, nil
}
func (s *fakeStore) Compact(journal.SnapshotMeta) error { return nil }
func (s *fakeStore) SnapshotMeta() (journal.SnapshotMeta, bool, error) {
	return journal.SnapshotMeta{}, false, nil
}
func (s *fakeStore) VoterRecord() (journal.VoterRecord, error) { return s.vr, nil }
func (s *fakeStore) SaveVoterRecord(vr journal.VoterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vr = vr
	return nil
}
func (s *fakeStore) Close() error { return nil }

// soloTransport is a Transport for a single-node cluster: every peer RPC
// is unreachable, which is fine since a lone voter reaches quorum with
// itself.
type soloTransport struct{}

func (soloTransport) SendRequestVote(context.Context, string, raft.RequestVoteArgs) (raft.RequestVoteResult, error) {
	return raft.RequestVoteResult{}, journal.ErrNotFound
}
func (soloTransport) SendAppendEntries(context.Context, string, raft.AppendEntriesArgs) (raft.AppendEntriesResult, error) {
	return raft.AppendEntriesResult{}, journal.ErrNotFound
}
func (soloTransport) SendInstallSnapshot(context.Context, string, raft.InstallSnapshotArgs) (raft.InstallSnapshotResult, error) {
	return raft.InstallSnapshotResult{}, journal.ErrNotFound
}

// fakeHost is a minimal Host double: Apply marks an index's result
// available, simulating the state machine host catching up.
type fakeHost struct {
	mu          sync.Mutex
	lastApplied int64
	results     map[int64][]byte
}

func newFakeHost() *fakeHost { return &fakeHost{results: make(map[int64][]byte)} }

func (h *fakeHost) LastApplied() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastApplied
}
func (h *fakeHost) Result(index int64) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.results[index]
	return r, ok
}
func (h *fakeHost) apply(bus *events.Bus, index int64, result []byte) {
	h.mu.Lock()
	h.results[index] = result
	h.lastApplied = index
	h.mu.Unlock()
	bus.Publish(events.Event{Kind: events.Applied, Index: index})
}

func newSoloLeader(t *testing.T) (*raft.Node, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	cfg := raft.DefaultConfig("solo")
	cfg.ElectionTimeoutMin = 10 * time.Millisecond
	cfg.ElectionTimeoutMax = 20 * time.Millisecond
	cfg.DisableLeaderWriteGrace = 0
	n, err := raft.NewNode(cfg, raft.Configuration{Old: []string{"solo"}}, newFakeStore(), soloTransport{}, bus, nil)
	require.NoError(t, err)
	return n, bus
}

func startElection(n *raft.Node, bus *events.Bus) {
	// Exercise the public path: drive Run briefly so the election timer
	// fires and the lone voter elects itself.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	n.Run(ctx)
}

func TestProposeUpdateReceiveLevelResolvesImmediately(t *testing.T) {
	n, bus := newSoloLeader(t)
	startElection(n, bus)
	require.True(t, n.IsLeader())

	host := newFakeHost()
	p := New(n, host, bus)
	defer p.Stop()

	results, err := p.ProposeUpdate(context.Background(), [][]byte{[]byte("x")}, 0, Receive, "", time.Second)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestProposeUpdateNotLeaderWhenFollower(t *testing.T) {
	bus := events.NewBus()
	cfg := raft.DefaultConfig("solo")
	n, err := raft.NewNode(cfg, raft.Configuration{Old: []string{"solo", "other"}}, newFakeStore(), soloTransport{}, bus, nil)
	require.NoError(t, err)
	host := newFakeHost()
	p := New(n, host, bus)
	defer p.Stop()

	_, err = p.ProposeUpdate(context.Background(), [][]byte{[]byte("x")}, 0, Receive, "", time.Second)
	var nle *NotLeaderError
	assert.ErrorAs(t, err, &nle)
}

func TestProposeUpdateAllLevelWaitsForApplication(t *testing.T) {
	n, bus := newSoloLeader(t)
	startElection(n, bus)
	require.True(t, n.IsLeader())

	host := newFakeHost()
	p := New(n, host, bus)
	defer p.Stop()

	done := make(chan struct {
		res []Result
		err error
	}, 1)
	go func() {
		res, err := p.ProposeUpdate(context.Background(), [][]byte{[]byte("a"), []byte("b")}, 0, All, "", time.Second)
		done <- struct {
			res []Result
			err error
		}{res, err}
	}()

	require.Eventually(t, func() bool {
		return n.CommitIndex() >= 2
	}, time.Second, 5*time.Millisecond)

	host.apply(bus, 1, []byte("A"))
	host.apply(bus, 2, []byte("B"))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Len(t, r.res, 2)
		assert.Equal(t, []byte("A"), r.res[0].Applied)
		assert.Equal(t, []byte("B"), r.res[1].Applied)
	case <-time.After(2 * time.Second):
		t.Fatal("ProposeUpdate never resolved")
	}
}

func TestProposeUpdateTimeout(t *testing.T) {
	n, bus := newSoloLeader(t)
	startElection(n, bus)
	require.True(t, n.IsLeader())

	host := newFakeHost() // never applies anything
	p := New(n, host, bus)
	defer p.Stop()

	_, err := p.ProposeUpdate(context.Background(), [][]byte{[]byte("x")}, 0, All, "", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTransactionCommitProposesBufferedPayloads(t *testing.T) {
	n, bus := newSoloLeader(t)
	startElection(n, bus)
	require.True(t, n.IsLeader())

	host := newFakeHost()
	p := New(n, host, bus)
	defer p.Stop()

	txID, err := p.BeginTransaction(0)
	require.NoError(t, err)
	require.NoError(t, p.UpdateTransaction(txID, []byte("one")))
	require.NoError(t, p.UpdateTransaction(txID, []byte("two")))

	assert.Contains(t, p.GetOpeningTransactions(), txID)

	_, err = p.CommitTransaction(context.Background(), txID, Receive, time.Second)
	require.NoError(t, err)
	assert.NotContains(t, p.GetOpeningTransactions(), txID)

	_, err = p.CommitTransaction(context.Background(), txID, Receive, time.Second)
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestTransactionInvalidatedOnStepDown(t *testing.T) {
	n, bus := newSoloLeader(t)
	startElection(n, bus)
	require.True(t, n.IsLeader())

	host := newFakeHost()
	p := New(n, host, bus)
	defer p.Stop()

	txID, err := p.BeginTransaction(0)
	require.NoError(t, err)

	bus.Publish(events.Event{Kind: events.RoleChanged, Role: string(raft.RoleFollower)})
	time.Sleep(20 * time.Millisecond) // bus delivers asynchronously

	err = p.UpdateTransaction(txID, []byte("x"))
	assert.ErrorIs(t, err, ErrTransactionInvalidated)
}
