package statemachine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexiaofeng/journalkeeper/internal/events"
	"github.com/hexiaofeng/journalkeeper/internal/journal"
)

// appendOnlyStore is a minimal journal.Store double; only the subset the
// Host actually exercises (ReadAt, SnapshotMeta) does anything interesting.
type appendOnlyStore struct {
	entries map[int64]journal.LogEntry
}

func newAppendOnlyStore() *appendOnlyStore {
	return &appendOnlyStore{entries: make(map[int64]journal.LogEntry)}
}

func (s *appendOnlyStore) put(e journal.LogEntry) { s.entries[e.Index] = e }

func (s *appendOnlyStore) Append(e journal.LogEntry) (int64, error) { s.put(e); return e.Index, nil }
func (s *appendOnlyStore) ReadAt(index int64) (journal.LogEntry, error) {
	e, ok := s.entries[index]
	if !ok {
		return journal.LogEntry{}, journal.ErrNotFound
	}
	return e, nil
}
func (s *appendOnlyStore) ReadRange(from, to int64) ([]journal.LogEntry, error) { return nil, nil }
func (s *appendOnlyStore) TruncateAfter(index int64) error                     { return nil }
func (s *appendOnlyStore) FirstIndex() (int64, error)                          { return 1, nil }
func (s *appendOnlyStore) LastIndex() (int64, error)                          { return int64(len(s.entries)), nil }
func (s *appendOnlyStore) Compact(journal.SnapshotMeta) error                 { return nil }
func (s *appendOnlyStore) SnapshotMeta() (journal.SnapshotMeta, bool, error) {
	return journal.SnapshotMeta{}, false, nil
}
func (s *appendOnlyStore) VoterRecord() (journal.VoterRecord, error)     { return journal.VoterRecord{}, nil }
func (s *appendOnlyStore) SaveVoterRecord(journal.VoterRecord) error     { return nil }
func (s *appendOnlyStore) Close() error                                  { return nil }

func appendTransition(root []byte, entry journal.LogEntry) ([]byte, []byte, error) {
	out := append(append([]byte{}, root...), entry.Payload...)
	return out, entry.Payload, nil
}

func TestHostAppliesInIndexOrder(t *testing.T) {
	store := newAppendOnlyStore()
	store.put(journal.LogEntry{Index: 1, Term: 1, Kind: journal.EntryNormal, Payload: []byte("a")})
	store.put(journal.LogEntry{Index: 2, Term: 1, Kind: journal.EntryNormal, Payload: []byte("b")})
	store.put(journal.LogEntry{Index: 3, Term: 1, Kind: journal.EntryNormal, Payload: []byte("c")})

	bus := events.NewBus()
	h := NewHost(store, bus, appendTransition)
	h.Subscribe()
	defer h.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, func() int64 { return 3 })

	require.Eventually(t, func() bool { return h.LastApplied() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("abc"), h.StateRoot())

	r, ok := h.Result(2)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), r)
}

func TestHostSkipsNoOpEntries(t *testing.T) {
	store := newAppendOnlyStore()
	store.put(journal.LogEntry{Index: 1, Term: 1, Kind: journal.EntryNormal, Payload: []byte("a")})
	store.put(journal.LogEntry{Index: 2, Term: 2, Kind: journal.EntryNoOp})
	store.put(journal.LogEntry{Index: 3, Term: 2, Kind: journal.EntryNormal, Payload: []byte("c")})

	bus := events.NewBus()
	h := NewHost(store, bus, appendTransition)
	h.Subscribe()
	defer h.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, func() int64 { return 3 })

	require.Eventually(t, func() bool { return h.LastApplied() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("ac"), h.StateRoot())
}

func TestHostHaltsOnTransitionError(t *testing.T) {
	store := newAppendOnlyStore()
	store.put(journal.LogEntry{Index: 1, Term: 1, Kind: journal.EntryNormal, Payload: []byte("a")})
	store.put(journal.LogEntry{Index: 2, Term: 1, Kind: journal.EntryNormal, Payload: []byte("bad")})

	failing := func(root []byte, entry journal.LogEntry) ([]byte, []byte, error) {
		if string(entry.Payload) == "bad" {
			return nil, nil, fmt.Errorf("boom")
		}
		return appendTransition(root, entry)
	}

	bus := events.NewBus()
	h := NewHost(store, bus, failing)
	h.Subscribe()
	defer h.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, func() int64 { return 2 })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), h.LastApplied(), "halts rather than silently skip the failing entry")
}

func TestWaitAppliedUnblocksOnApply(t *testing.T) {
	store := newAppendOnlyStore()
	store.put(journal.LogEntry{Index: 1, Term: 1, Kind: journal.EntryNormal, Payload: []byte("a")})

	bus := events.NewBus()
	h := NewHost(store, bus, appendTransition)
	h.Subscribe()
	defer h.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, func() int64 { return 1 })

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	err := h.WaitApplied(waitCtx, 1)
	assert.NoError(t, err)
}
