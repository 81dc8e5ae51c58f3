// Package proposal implements the Leader-only client update pipeline of
// §4.4: index assignment, local persistence, response-level fan-out
// (RECEIVE / PERSISTENCE / REPLICATION / ALL), and deadline-based
// timeouts. It sits between the Client Router and the Raft core, and
// subscribes to the Raft core's event bus rather than holding a
// back-pointer, per §9's cyclic-reference resolution.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hexiaofeng/journalkeeper/internal/events"
	"github.com/hexiaofeng/journalkeeper/internal/journal"
	"github.com/hexiaofeng/journalkeeper/internal/raft"
)

// ResponseLevel is the stage of progress at which a client's future
// resolves, per §3/§6/GLOSSARY.
type ResponseLevel int

const (
	// Receive resolves immediately after index assignment.
	Receive ResponseLevel = iota
	// Persistence resolves after local durability.
	Persistence
	// Replication resolves after quorum (commitIndex advances past the
	// entry). No default level is applied: callers always pass one, and
	// the zero value of ResponseLevel is Receive.
	Replication
	// All resolves after state-machine application; the result attaches
	// the applied value.
	All
)

var (
	// ErrNotLeader mirrors raft.ErrNotLeader but carries a leader hint for
	// the Client Router to retry against, per §7.
	ErrNotLeader = errors.New("proposal: not leader")
	// ErrTimeout indicates the response-level deadline was exceeded; the
	// entry may still commit and apply, per §5's cancellation semantics.
	ErrTimeout = errors.New("proposal: timeout")
	// ErrStopped indicates the pipeline is shutting down.
	ErrStopped = errors.New("proposal: stopped")
)

// NotLeaderError carries the redirect hint a Client Router needs.
type NotLeaderError struct {
	Hint string
}

func (e *NotLeaderError) Error() string { return fmt.Sprintf("proposal: not leader, hint=%s", e.Hint) }
func (e *NotLeaderError) Unwrap() error { return ErrNotLeader }

// Host is the subset of statemachine.Host the pipeline needs for
// ALL-level result fan-out, expressed as an interface so this package
// does not import statemachine directly (avoiding a needless coupling;
// the pipeline only ever needs these two operations).
type Host interface {
	LastApplied() int64
	Result(index int64) ([]byte, bool)
}

// Result is what an Update future resolves to at ResponseLevel All: one
// entry per proposed request, in submission order, per §8 scenario 2.
type Result struct {
	Applied []byte
}

// pendingBatch is the bookkeeping for one in-flight Update call awaiting
// its requested response level.
type pendingBatch struct {
	firstIndex, lastIndex int64
	level                 ResponseLevel
	done                  chan struct{}
	err                   error
	results               [][]byte
	resolved              bool
}

// Pipeline is the Leader-only proposal pipeline of §4.4. A Pipeline
// outlives leadership changes; ProposeUpdate simply fails with
// NotLeaderError whenever node is not (or is no longer) Leader.
type Pipeline struct {
	node *raft.Node
	host Host
	bus  *events.Bus

	mu      sync.Mutex
	pending map[int64]*pendingBatch // keyed by lastIndex
	token   int
	stopped bool

	transactions *transactionTable
}

// New constructs a Pipeline over node/host, subscribing to the event bus
// for commit/apply/role-change notifications.
func New(node *raft.Node, host Host, bus *events.Bus) *Pipeline {
	p := &Pipeline{
		node:         node,
		host:         host,
		bus:          bus,
		pending:      make(map[int64]*pendingBatch),
		transactions: newTransactionTable(),
	}
	p.token = bus.Subscribe(p.onEvent)
	return p
}

// Stop releases the Pipeline's bus subscription and fails every
// still-pending response with ErrStopped.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.bus.Unsubscribe(p.token)
	for idx, b := range p.pending {
		p.failLocked(b, ErrStopped)
		delete(p.pending, idx)
	}
}

func (p *Pipeline) onEvent(e events.Event) {
	switch e.Kind {
	case events.CommitAdvanced:
		p.resolveUpTo(e.Index, Replication)
	case events.Applied:
		p.resolveUpTo(e.Index, All)
	case events.RoleChanged:
		if e.Role != string(raft.RoleLeader) {
			p.failAllNotLeader()
			p.invalidateAllTransactions()
		}
	}
}

func (p *Pipeline) resolveUpTo(index int64, level ResponseLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for lastIndex, b := range p.pending {
		if b.resolved || b.level != level || lastIndex > index {
			continue
		}
		if level == All {
			results := make([][]byte, 0, b.lastIndex-b.firstIndex+1)
			ready := true
			for idx := b.firstIndex; idx <= b.lastIndex; idx++ {
				r, ok := p.host.Result(idx)
				if !ok {
					ready = false
					break
				}
				results = append(results, r)
			}
			if !ready {
				continue
			}
			b.results = results
		}
		p.resolveLocked(b)
		delete(p.pending, lastIndex)
	}
}

func (p *Pipeline) resolveLocked(b *pendingBatch) {
	if b.resolved {
		return
	}
	b.resolved = true
	close(b.done)
}

func (p *Pipeline) failLocked(b *pendingBatch, err error) {
	if b.resolved {
		return
	}
	b.err = err
	b.resolved = true
	close(b.done)
}

func (p *Pipeline) failAllNotLeader() {
	p.mu.Lock()
	defer p.mu.Unlock()
	hint := p.node.LeaderHint()
	for idx, b := range p.pending {
		p.failLocked(b, &NotLeaderError{Hint: hint})
		delete(p.pending, idx)
	}
}

// ProposeUpdate implements the six steps of §4.4: reject if not Leader or
// write-disabled, assign a contiguous index range, persist, register a
// pending response at the requested level, dispatch replication, and
// resolve once the level is reached. deadline bounds how long the caller
// waits before getting ErrTimeout; the entry is not rolled back on
// timeout (§5).
func (p *Pipeline) ProposeUpdate(ctx context.Context, payloads [][]byte, partition uint16, level ResponseLevel, transactionID string, deadline time.Duration) ([]Result, error) {
	if !p.node.IsLeader() {
		return nil, &NotLeaderError{Hint: p.node.LeaderHint()}
	}

	entries := make([]journal.LogEntry, len(payloads))
	for i, payload := range payloads {
		entries[i] = journal.LogEntry{
			Kind:      journal.EntryNormal,
			Partition: partition,
			BatchSize: uint32(len(payloads)),
			Payload:   payload,
		}
		if transactionID != "" {
			entries[i].Header = []byte(transactionID)
		}
	}

	first, last, err := p.node.ProposeEntries(ctx, entries)
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, &NotLeaderError{Hint: p.node.LeaderHint()}
		}
		return nil, err
	}

	if level == Receive || level == Persistence {
		// Both resolve as soon as ProposeEntries has returned: RECEIVE at
		// index assignment, PERSISTENCE at local durability, both of
		// which ProposeEntries has already guaranteed by the time it
		// returns successfully.
		return nil, nil
	}

	batch := &pendingBatch{firstIndex: first, lastIndex: last, level: level, done: make(chan struct{})}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	p.pending[last] = batch
	// The commit/apply the entries need may already have happened between
	// ProposeEntries returning and the subscription catching it; re-check
	// now under lock rather than relying solely on the next event.
	alreadyDone := false
	if level == Replication && p.node.CommitIndex() >= last {
		alreadyDone = true
	} else if level == All && p.host.LastApplied() >= last {
		results := make([][]byte, 0, last-first+1)
		ready := true
		for idx := first; idx <= last; idx++ {
			r, ok := p.host.Result(idx)
			if !ok {
				ready = false
				break
			}
			results = append(results, r)
		}
		if ready {
			batch.results = results
			alreadyDone = true
		}
	}
	if alreadyDone {
		p.resolveLocked(batch)
		delete(p.pending, last)
	}
	p.mu.Unlock()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-batch.done:
	case <-timer.C:
		p.mu.Lock()
		if !batch.resolved {
			p.failLocked(batch, ErrTimeout)
			delete(p.pending, last)
		}
		p.mu.Unlock()
	case <-ctx.Done():
		p.mu.Lock()
		if !batch.resolved {
			p.failLocked(batch, ctx.Err())
			delete(p.pending, last)
		}
		p.mu.Unlock()
	}

	if batch.err != nil {
		return nil, batch.err
	}
	if level != All {
		return nil, nil
	}
	out := make([]Result, len(batch.results))
	for i, r := range batch.results {
		out[i] = Result{Applied: r}
	}
	return out, nil
}
