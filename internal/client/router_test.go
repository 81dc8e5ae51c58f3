package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hexiaofeng/journalkeeper/internal/client"
	"github.com/hexiaofeng/journalkeeper/internal/events"
	"github.com/hexiaofeng/journalkeeper/internal/journal"
	"github.com/hexiaofeng/journalkeeper/internal/proposal"
	"github.com/hexiaofeng/journalkeeper/internal/raft"
	"github.com/hexiaofeng/journalkeeper/internal/statemachine"
	"github.com/hexiaofeng/journalkeeper/internal/transport"
)

// singleNodeHarness stands up one fully wired node (journal, raft, state
// machine host, proposal pipeline, and a real transport.Server on a
// loopback listener) so Router can be exercised over an actual wire round
// trip rather than against a mocked reply.
type singleNodeHarness struct {
	node   *raft.Node
	host   *statemachine.Host
	srv    *transport.Server
	addr   string
	cancel context.CancelFunc
	evbus  *events.Bus
}

func echoTransition(root []byte, entry journal.LogEntry) ([]byte, []byte, error) {
	return entry.Payload, entry.Payload, nil
}

// startSingleNode wires up one self-electing node. An optional preRun hook
// runs after the event bus exists but before the node's election timer
// starts, for tests (like WaitForClusterReady) that must subscribe before
// the only ClusterReady event fires.
func startSingleNode(t *testing.T, preRun ...func(*events.Bus)) *singleNodeHarness {
	t.Helper()
	dir := t.TempDir()
	store, err := journal.NewFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	for _, hook := range preRun {
		hook(bus)
	}
	nc := raft.DefaultConfig("n1")
	nc.ElectionTimeoutMin = 15 * time.Millisecond
	nc.ElectionTimeoutMax = 30 * time.Millisecond
	nc.HeartbeatInterval = 5 * time.Millisecond
	nc.DisableLeaderWriteGrace = 0

	node, err := raft.NewNode(nc, raft.Configuration{Old: []string{"n1"}}, store, noopTransport{}, bus, nil)
	require.NoError(t, err)

	host := statemachine.NewHost(store, bus, echoTransition)
	host.Subscribe()
	node.SetLastAppliedFn(host.LastApplied)
	sink := statemachine.NewSnapshotSink(host)

	pipeline := proposal.New(node, host, bus)

	queryHandler := func(ctx context.Context, q []byte, sequential bool) ([]byte, error) {
		if !sequential {
			if err := host.WaitApplied(ctx, node.CommitIndex()); err != nil {
				return nil, err
			}
		}
		return host.StateRoot(), nil
	}

	srv := transport.NewServer("n1", node, pipeline, queryHandler, sink)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go node.Run(ctx)
	go host.Run(ctx, node.CommitIndex)
	go srv.Serve(lis)

	h := &singleNodeHarness{node: node, host: host, srv: srv, addr: lis.Addr().String(), cancel: cancel, evbus: bus}
	t.Cleanup(func() {
		cancel()
		pipeline.Stop()
		host.Stop()
		node.Stop()
		srv.Stop()
	})

	require.Eventually(t, func() bool {
		return node.Role() == raft.RoleLeader
	}, time.Second, 5*time.Millisecond, "single voter must self-elect")

	return h
}

// noopTransport satisfies raft.Transport for a cluster with no real
// peers; every call is unreachable for a one-node Configuration.
type noopTransport struct{}

func (noopTransport) SendRequestVote(ctx context.Context, peerID string, req raft.RequestVoteArgs) (raft.RequestVoteResult, error) {
	return raft.RequestVoteResult{}, journal.ErrNotFound
}
func (noopTransport) SendAppendEntries(ctx context.Context, peerID string, req raft.AppendEntriesArgs) (raft.AppendEntriesResult, error) {
	return raft.AppendEntriesResult{}, journal.ErrNotFound
}
func (noopTransport) SendInstallSnapshot(ctx context.Context, peerID string, req raft.InstallSnapshotArgs) (raft.InstallSnapshotResult, error) {
	return raft.InstallSnapshotResult{}, journal.ErrNotFound
}

func newTestRouter(h *singleNodeHarness) *client.Router {
	cfg := client.DefaultConfig([]string{h.addr})
	cfg.DialTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	return client.New(cfg, "test-client")
}

func TestRouterUpdateAndQuery(t *testing.T) {
	h := startSingleNode(t)
	r := newTestRouter(h)
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := r.Update(ctx, []client.UpdateRequest{{Payload: []byte("hello")}}, uint8(proposal.All), "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "hello", string(results[0]))

	result, err := r.Query(ctx, []byte("anything"), client.Strong)
	require.NoError(t, err)
	require.Equal(t, "hello", string(result))
}

func TestRouterUpdateOneConvenience(t *testing.T) {
	h := startSingleNode(t)
	r := newTestRouter(h)
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Below ResponseLevel All no applied result is carried back, so the
	// convenience wrapper yields nil rather than the payload.
	out, err := r.UpdateOne(ctx, client.UpdateRequest{Payload: []byte("solo")}, uint8(proposal.Persistence))
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestRouterTransactionLifecycle(t *testing.T) {
	h := startSingleNode(t)
	r := newTestRouter(h)
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	txID, err := r.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, txID)

	opening, err := r.GetOpeningTransactions(ctx)
	require.NoError(t, err)
	require.Contains(t, opening, txID)

	require.NoError(t, r.UpdateTransaction(ctx, txID, []byte("step-1")))
	require.NoError(t, r.UpdateTransaction(ctx, txID, []byte("step-2")))

	results, err := r.CommitTransaction(ctx, txID, uint8(proposal.All))
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "step-1", string(results[0]))
	require.Equal(t, "step-2", string(results[1]))
}

func TestRouterTransactionRollback(t *testing.T) {
	h := startSingleNode(t)
	r := newTestRouter(h)
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	txID, err := r.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, r.UpdateTransaction(ctx, txID, []byte("abandoned")))
	require.NoError(t, r.RollbackTransaction(ctx, txID))

	opening, err := r.GetOpeningTransactions(ctx)
	require.NoError(t, err)
	require.NotContains(t, opening, txID)
}

func TestRouterGetServers(t *testing.T) {
	h := startSingleNode(t)
	r := newTestRouter(h)
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	servers, err := r.GetServers(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, servers.Voters)
	require.Nil(t, servers.JointVoters)
}

func TestRouterWaitForClusterReady(t *testing.T) {
	cfg := client.DefaultConfig([]string{"127.0.0.1:0"})
	r := client.New(cfg, "test-client")
	defer r.Stop()

	startSingleNode(t, func(bus *events.Bus) { bus.Subscribe(r.Ingest) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.WaitForClusterReady(ctx, 2*time.Second))
}

func TestRouterDisableLeaderWrite(t *testing.T) {
	h := startSingleNode(t)
	r := newTestRouter(h)
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, r.DisableLeaderWrite(ctx, 50, int32(h.node.Term())))

	_, err := r.Update(ctx, []client.UpdateRequest{{Payload: []byte("blocked")}}, uint8(proposal.Receive), "")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		_, err := r.Update(ctx, []client.UpdateRequest{{Payload: []byte("allowed")}}, uint8(proposal.Receive), "")
		return err == nil
	}, time.Second, 10*time.Millisecond)
}
