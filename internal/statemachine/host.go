// Package statemachine implements the deterministic applier of §4.3: it
// reads committed entries strictly in index order on a single logical
// execution stream, advances lastApplied, and caches recent results keyed
// by index so the proposal pipeline's ALL response level can attach an
// applied result without re-running the transition. It is parameterized
// by a user-supplied transition function rather than a concrete payload
// type, per §9's "polymorphism over entry/result/query types" note.
package statemachine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hexiaofeng/journalkeeper/internal/events"
	"github.com/hexiaofeng/journalkeeper/internal/journal"
)

// Transition applies one committed entry against the current state root
// and returns the new state root plus an application-defined result. It
// must be deterministic: given the same root and entry, it must always
// produce the same (newRoot, result) pair, since every replica in the
// cluster invokes it independently over the same committed sequence.
type Transition func(root []byte, entry journal.LogEntry) (newRoot []byte, result []byte, err error)

// resultCacheSize bounds the recent-results cache used for ALL-level
// response fan-out; older entries are evicted FIFO.
const resultCacheSize = 4096

// Host is the single logical execution stream that applies committed
// journal entries in order, per §4.3 and the single-execution-context
// rule of §5.
type Host struct {
	mu sync.Mutex

	store      journal.Store
	bus        *events.Bus
	transition Transition

	stateRoot   []byte
	lastApplied int64

	results    map[int64][]byte
	resultsFIFO []int64

	subToken int
	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopped  bool
}

// NewHost constructs a Host over store with transition as the
// application-defined state transition. The caller must invoke Run to
// start the apply loop and should wire commitIndexFn (typically
// raft.Node.CommitIndex) so Run knows how far it may advance.
func NewHost(store journal.Store, bus *events.Bus, transition Transition) *Host {
	h := &Host{
		store:      store,
		bus:        bus,
		transition: transition,
		results:    make(map[int64][]byte),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	if meta, ok, err := store.SnapshotMeta(); err == nil && ok {
		h.lastApplied = meta.LastIncludedIndex
	}
	return h
}

// Subscribe wires the Host to wake on CommitAdvanced events published by
// the Raft core, resolving the cyclic Raft<->StateMachine reference of
// §9 through the shared event bus instead of a back-pointer.
func (h *Host) Subscribe() {
	h.subToken = h.bus.Subscribe(func(e events.Event) {
		if e.Kind == events.CommitAdvanced {
			h.wake()
		}
	})
}

func (h *Host) wake() {
	select {
	case h.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives the apply loop until ctx is cancelled or Stop is called. It
// is the single logical execution context of §5: entries are applied one
// at a time, in index order, never concurrently.
func (h *Host) Run(ctx context.Context, commitIndexFn func() int64) {
	for {
		h.applyUpTo(commitIndexFn())
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-h.wakeCh:
		}
	}
}

// Stop halts the apply loop; already-applied entries remain applied.
func (h *Host) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stopCh)
	if h.bus != nil {
		h.bus.Unsubscribe(h.subToken)
	}
}

// applyUpTo applies every committed-but-unapplied entry up to commitIndex,
// strictly in order. A failing transition halts the loop rather than
// skip the entry, per §7's "never silently discards a committed entry;
// it either applies it or halts".
func (h *Host) applyUpTo(commitIndex int64) {
	for {
		h.mu.Lock()
		next := h.lastApplied + 1
		if next > commitIndex || h.stopped {
			h.mu.Unlock()
			return
		}
		root := h.stateRoot
		h.mu.Unlock()

		entry, err := h.store.ReadAt(next)
		if err != nil {
			log.Error().Err(err).Int64("index", next).Msg("statemachine: halting, committed entry unreadable")
			return
		}

		var result []byte
		newRoot := root
		switch entry.Kind {
		case journal.EntryNoOp:
			// No-op entries exist only to make a prior term's entries
			// committable; they carry no application-level transition.
		default:
			newRoot, result, err = h.transition(root, entry)
			if err != nil {
				log.Error().Err(err).Int64("index", next).Msg("statemachine: halting, transition failed")
				return
			}
		}

		h.mu.Lock()
		h.stateRoot = newRoot
		h.lastApplied = next
		h.cacheResultLocked(next, result)
		h.mu.Unlock()

		if h.bus != nil {
			h.bus.Publish(events.Event{Kind: events.Applied, Index: next})
		}
	}
}

func (h *Host) cacheResultLocked(index int64, result []byte) {
	h.results[index] = result
	h.resultsFIFO = append(h.resultsFIFO, index)
	if len(h.resultsFIFO) > resultCacheSize {
		evict := h.resultsFIFO[0]
		h.resultsFIFO = h.resultsFIFO[1:]
		delete(h.results, evict)
	}
}

// LastApplied returns the highest index applied so far.
func (h *Host) LastApplied() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastApplied
}

// Result returns the cached application result for index, if it is still
// in the recent-results window.
func (h *Host) Result(index int64) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.results[index]
	return r, ok
}

// StateRoot returns the current application-defined state root, for
// serving queries or for producing a snapshot.
func (h *Host) StateRoot() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateRoot
}

// WaitApplied blocks until lastApplied >= index or ctx is cancelled,
// implementing the read-index style wait a Strong query needs before it
// may be dispatched against the current state root (§4.3: "queries are
// dispatched against the state at a point >= the highest index the
// client has observed").
func (h *Host) WaitApplied(ctx context.Context, index int64) error {
	if h.LastApplied() >= index {
		return nil
	}
	ch := make(chan struct{})
	var once sync.Once
	token := h.bus.Subscribe(func(e events.Event) {
		if e.Kind == events.Applied && e.Index >= index {
			once.Do(func() { close(ch) })
		}
	})
	defer h.bus.Unsubscribe(token)

	if h.LastApplied() >= index {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("statemachine: %w", ctx.Err())
	case <-ch:
		return nil
	}
}
