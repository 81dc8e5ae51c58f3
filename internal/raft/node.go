// Package raft implements the leader-election and log-replication state
// machine of §4.1: role transitions, election, replication with
// nextIndex/matchIndex bookkeeping, the commit rule, snapshot
// installation, and joint-consensus membership change. It generalizes the
// teacher's internal/node/node.go (term/vote/log persistence behind a
// mutex, Handle*/Do*/Send* RPC methods) from a fixed three-node grpc/
// protobuf key-value store to the spec's partitioned, batched,
// response-level-aware, observer-capable cluster.
package raft

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hexiaofeng/journalkeeper/internal/events"
	"github.com/hexiaofeng/journalkeeper/internal/journal"
	"github.com/hexiaofeng/journalkeeper/internal/metrics"
)

// Role is one of the four states a server can occupy, per §3.
type Role string

const (
	RoleFollower  Role = "Follower"
	RoleCandidate Role = "Candidate"
	RoleLeader    Role = "Leader"
	RoleObserver  Role = "Observer"
)

var (
	// ErrNotLeader indicates a write or strong query was issued at a
	// server that is not (or is no longer) the Leader.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrLeaderWriteDisabled indicates a DisableLeaderWrite window is
	// active at the current Leader.
	ErrLeaderWriteDisabled = errors.New("raft: leader write disabled")

	// ErrConfigurationConflict indicates a membership change was
	// proposed while another is already in flight.
	ErrConfigurationConflict = errors.New("raft: configuration change already in flight")

	// ErrStopped indicates the server is shutting down.
	ErrStopped = errors.New("raft: server stopped")
)

// Config holds the fixed, load-time parameters of a Node. Bootstrapping
// and config-file parsing live in internal/config; this is the subset the
// Raft core itself needs.
type Config struct {
	ID                 string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	// DisableLeaderWriteGrace is how long a fresh Leader refuses writes
	// after election, mirroring the teacher's AllowVote grace window,
	// generalized to a write-side grace period.
	DisableLeaderWriteGrace time.Duration
}

// DefaultConfig returns timing constants in the same proportions as the
// original Raft paper (150-300ms elections, 50ms heartbeats) plus a 300ms
// post-election write grace; callers override individual fields as needed.
func DefaultConfig(id string) Config {
	return Config{
		ID:                      id,
		ElectionTimeoutMin:      150 * time.Millisecond,
		ElectionTimeoutMax:      300 * time.Millisecond,
		HeartbeatInterval:       50 * time.Millisecond,
		DisableLeaderWriteGrace: 300 * time.Millisecond,
	}
}

// peerState is the Leader's per-Follower replication bookkeeping of
// §4.1: nextIndex is optimistic, matchIndex is pessimistic.
type peerState struct {
	id         string
	observer   bool
	nextIndex  int64
	matchIndex int64
	available  bool
}

// Node is one member of a Raft cluster. Role, term, and log-pointer
// mutations all occur behind Node's mutex, so the state-transition layer
// is effectively single-threaded per §5, even though replication to each
// peer and journal flushes run independently.
type Node struct {
	mu sync.Mutex

	id     string
	cfg    Config
	role   Role
	term   int64
	votedFor        string
	lastKnownLeader string

	commitIndex int64
	// lastApplied is owned by the state machine host, not the Raft core;
	// Node stores the accessor wired by SetLastAppliedFn but no Node
	// method reads it.
	lastAppliedFn func() int64

	store     journal.Store
	transport Transport
	bus       *events.Bus
	metrics   *metrics.RaftGauges

	// snapshotProvider supplies the current application state bytes when
	// a Follower's nextIndex has fallen behind the journal's retained
	// first index and must be caught up via InstallSnapshot instead of
	// AppendEntries (§4.1). Nil until SetSnapshotProvider is called.
	snapshotProvider SnapshotProvider

	configuration Configuration
	peers         map[string]*peerState

	// disableWriteUntil is the deadline before which ProposeEntries fails
	// fast with ErrLeaderWriteDisabled. It covers both the post-election
	// grace window (§4.1) and an explicit DisableLeaderWrite maintenance
	// window; the zero Time means writes are currently allowed.
	disableWriteUntil  time.Time
	configChangePending bool

	resetElection chan struct{}
	stopCh        chan struct{}
	stopped       bool
}

// Transport is the Raft core's view of the network: it borrows the
// journal read-only and never holds a back-pointer to Node, only message-
// passing request/reply calls, per the cyclic-reference resolution of §9.
type Transport interface {
	SendRequestVote(ctx context.Context, peerID string, req RequestVoteArgs) (RequestVoteResult, error)
	SendAppendEntries(ctx context.Context, peerID string, req AppendEntriesArgs) (AppendEntriesResult, error)
	SendInstallSnapshot(ctx context.Context, peerID string, req InstallSnapshotArgs) (InstallSnapshotResult, error)
}

// NewNode constructs a Node in the Follower role with state recovered
// from store's persisted VoterRecord, mirroring the teacher's NewNode
// loading TermRecord/LogStore at startup.
func NewNode(cfg Config, cluster Configuration, store journal.Store, transport Transport, bus *events.Bus, gauges *metrics.RaftGauges) (*Node, error) {
	vr, err := store.VoterRecord()
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:                cfg.ID,
		cfg:               cfg,
		role:              RoleFollower,
		term:              vr.CurrentTerm,
		votedFor:          vr.VotedFor,
		lastKnownLeader:   vr.LastKnownLeader,
		commitIndex:       0,
		lastAppliedFn:     func() int64 { return 0 },
		store:             store,
		transport:         transport,
		bus:               bus,
		metrics:           gauges,
		configuration:     cluster,
		peers:             make(map[string]*peerState),
		resetElection:     make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
	}
	n.rebuildPeers()
	if cluster.isObserver(cfg.ID) {
		n.role = RoleObserver
	}
	if bus != nil {
		bus.Subscribe(n.onApplied)
	}
	return n, nil
}

// onApplied is the Applied-event listener that clears the
// configuration-change-in-flight barrier once a configuration entry is
// actually applied by the state machine host, per §9's cyclic-reference
// resolution (Node never calls into the host directly).
func (n *Node) onApplied(e events.Event) {
	if e.Kind != events.Applied {
		return
	}
	entry, err := n.store.ReadAt(e.Index)
	if err != nil || entry.Kind != journal.EntryConfiguration {
		return
	}
	n.onConfigurationEntryApplied(entry)
}

// SetLastAppliedFn wires the state machine host's lastApplied accessor in
// after construction, avoiding an import cycle between raft and
// statemachine (statemachine depends on raft's commit index, not vice
// versa).
func (n *Node) SetLastAppliedFn(f func() int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastAppliedFn = f
}

// SetSnapshotProvider wires the state machine host's StateRoot accessor
// in after construction, the same deferred-wiring pattern SetLastAppliedFn
// uses to avoid an import cycle (internal/statemachine depends on
// internal/raft's commit index, not vice versa).
func (n *Node) SetSnapshotProvider(p SnapshotProvider) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshotProvider = p
}

func (n *Node) rebuildPeers() {
	known := make(map[string]bool)
	add := func(id string, observer bool) {
		if id == n.id {
			return
		}
		known[id] = true
		if _, ok := n.peers[id]; !ok {
			n.peers[id] = &peerState{id: id, observer: observer, available: true}
		} else {
			n.peers[id].observer = observer
		}
	}
	for _, id := range n.configuration.allVoters() {
		add(id, false)
	}
	for _, id := range n.configuration.Observers {
		add(id, true)
	}
	for id := range n.peers {
		if !known[id] {
			delete(n.peers, id)
		}
	}
}

// ID returns the node's own identifier.
func (n *Node) ID() string { return n.id }

// Role returns the current role under lock.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Term returns the current term under lock.
func (n *Node) Term() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// IsLeader reports whether this node currently believes itself Leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

// LeaderHint returns the last known leader id, for NotLeader redirects.
func (n *Node) LeaderHint() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastKnownLeader
}

// CommitIndex returns the current commit index under lock.
func (n *Node) CommitIndex() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// Stop halts the Node's election timer and background loops. In-flight
// RPCs already dispatched are not cancelled; callers relying on a clean
// shutdown should stop issuing new proposals first.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	close(n.stopCh)
}

// randomizedElectionTimeout returns a duration in [ElectionTimeoutMin,
// ElectionTimeoutMax), or exactly ElectionTimeoutMin when the max is not
// above the min.
func (n *Node) randomizedElectionTimeout() time.Duration {
	lo := n.cfg.ElectionTimeoutMin
	hi := n.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// setTermLocked persists and applies a new (term, votedFor) pair. Callers
// must hold n.mu. This is the "write before reply" discipline of §5: no
// RPC reply that depends on term/votedFor may be sent until this returns
// successfully.
func (n *Node) setTermLocked(term int64, votedFor string) error {
	n.term = term
	n.votedFor = votedFor
	return n.store.SaveVoterRecord(journal.VoterRecord{
		CurrentTerm:     term,
		VotedFor:        votedFor,
		LastKnownLeader: n.lastKnownLeader,
	})
}

// stepDownLocked transitions to Follower on discovering a higher term,
// per §4.1's "Any -> Follower on observing higher term" rule. Callers
// must hold n.mu.
func (n *Node) stepDownLocked(newTerm int64) error {
	wasLeader := n.role == RoleLeader
	n.role = RoleFollower
	if err := n.setTermLocked(newTerm, ""); err != nil {
		return err
	}
	if wasLeader {
		n.publish(events.Event{Kind: events.RoleChanged, NodeID: n.id, Term: newTerm, Role: string(RoleFollower)})
	}
	n.updateMetricsLocked()
	return nil
}

func (n *Node) publish(e events.Event) {
	if n.bus != nil {
		n.bus.Publish(e)
	}
}

// setLastKnownLeaderLocked records id as the last known leader and, the
// first time this server ever learns of a leader for the cluster it has
// joined, publishes ClusterReady so a waitForClusterReady(timeout) caller
// (§6) knows the cluster has completed its first election. Callers must
// hold n.mu.
func (n *Node) setLastKnownLeaderLocked(id string) {
	firstLeader := n.lastKnownLeader == "" && id != ""
	n.lastKnownLeader = id
	if firstLeader {
		n.publish(events.Event{Kind: events.ClusterReady, NodeID: n.id, Term: n.term, Leader: id})
	}
}

func (n *Node) updateMetricsLocked() {
	if n.metrics == nil {
		return
	}
	n.metrics.SetLeader(n.role == RoleLeader)
	n.metrics.SetTerm(n.term)
	n.metrics.SetCommitIndex(n.commitIndex)
	n.metrics.SetPeerCount(len(n.peers))
}

func logWith(n *Node) *log.Logger {
	l := log.With().Str("node_id", n.id).Logger()
	return &l
}
