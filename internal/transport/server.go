// Package transport implements the peer and client RPC transport of §1's
// "external collaborator" boundary: plain net.Conn (TCP) carrying
// internal/codec frames. It is the concrete implementation the codec and
// the Raft core's Transport interface run over in this repository,
// generalizing the teacher's grpc.Server/grpc.ClientConn dispatch
// (server{Node: n} with one method per RPC) from protobuf services to
// hand-rolled framed messages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hexiaofeng/journalkeeper/internal/codec"
	"github.com/hexiaofeng/journalkeeper/internal/proposal"
	"github.com/hexiaofeng/journalkeeper/internal/raft"
)

// QueryHandler answers a QueryClusterState RPC against the current
// application state. Strong queries must have already waited for the
// read-index/lease-read condition before this is called; Server does not
// itself enforce linearizability, the statemachine.Host does.
type QueryHandler func(ctx context.Context, query []byte, sequential bool) ([]byte, error)

// Server accepts peer and client connections and dispatches each framed
// RPC to the Raft core, the proposal pipeline, or a query handler,
// mirroring the teacher's server{Node: n} dispatch struct but over the
// hand-rolled codec instead of generated grpc stubs.
type Server struct {
	nodeID       string
	node         *raft.Node
	pipeline     *proposal.Pipeline
	query        QueryHandler
	snapshotSink raft.SnapshotSink

	listener net.Listener
	stopCh   chan struct{}
}

// NewServer constructs a Server; Serve must be called to actually accept
// connections. snapshotSink may be nil, in which case received snapshot
// chunks are discarded (useful for peer/vote-only test doubles); a real
// deployment wires the statemachine.Host's sink here.
func NewServer(nodeID string, node *raft.Node, pipeline *proposal.Pipeline, query QueryHandler, snapshotSink raft.SnapshotSink) *Server {
	if snapshotSink == nil {
		snapshotSink = discardSink{}
	}
	return &Server{nodeID: nodeID, node: node, pipeline: pipeline, query: query, snapshotSink: snapshotSink, stopCh: make(chan struct{})}
}

// Serve accepts connections on lis until Stop is called, handling each on
// its own goroutine. It does not return until the listener is closed.
func (s *Server) Serve(lis net.Listener) error {
	s.listener = lis
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return fmt.Errorf("transport: accept: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener, ending Serve's accept loop. In-flight
// connections are not forcibly closed; they drain naturally as peers
// close their end.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		h, msg, err := codec.ReadFrame(conn)
		if err != nil {
			return
		}
		reply, replyMsg := s.dispatch(h, msg)
		reply.SenderID = s.nodeID
		reply.ReceiverID = h.SenderID
		if err := codec.WriteFrame(conn, reply, replyMsg); err != nil {
			log.Warn().Err(err).Str("node_id", s.nodeID).Msg("transport: failed to write reply frame")
			return
		}
	}
}

func (s *Server) dispatch(h codec.Header, msg codec.Message) (codec.Header, codec.Message) {
	reply := codec.Header{Version: codec.ProtocolVersion, CorrelationID: h.CorrelationID}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch m := msg.(type) {
	case *codec.RequestVoteRequest:
		res, err := s.node.HandleRequestVote(raft.RequestVoteArgs{
			Term: m.Term, CandidateID: m.CandidateID, LastLogIndex: m.LastLogIndex, LastLogTerm: m.LastLogTerm,
		})
		if err != nil {
			log.Error().Err(err).Msg("transport: RequestVote handler failed")
		}
		return reply, &codec.RequestVoteReply{Term: res.Term, VoteGranted: res.VoteGranted, VoterID: res.VoterID}

	case *codec.AppendEntriesRequest:
		res, err := s.node.HandleAppendEntries(raft.AppendEntriesArgs{
			Term: m.Term, LeaderID: m.LeaderID, PrevLogIndex: m.PrevLogIndex, PrevLogTerm: m.PrevLogTerm,
			Entries: m.Entries, LeaderCommit: m.LeaderCommit,
		})
		if err != nil {
			log.Error().Err(err).Msg("transport: AppendEntries handler failed")
		}
		return reply, &codec.AppendEntriesReply{Term: res.Term, Success: res.Success, ConflictTerm: res.ConflictTerm, ConflictIndex: res.ConflictIndex}

	case *codec.InstallSnapshotRequest:
		res, err := s.node.HandleInstallSnapshot(raft.InstallSnapshotArgs{
			Term: m.Term, LeaderID: m.LeaderID, LastIncludedIndex: m.LastIncludedIndex, LastIncludedTerm: m.LastIncludedTerm,
			Configuration: m.Configuration, ChunkOffset: m.ChunkOffset, Chunk: m.Chunk, Done: m.Done,
		}, s.snapshotSink)
		if err != nil {
			log.Error().Err(err).Msg("transport: InstallSnapshot handler failed")
		}
		return reply, &codec.InstallSnapshotReply{Term: res.Term}

	case *codec.DisableLeaderWriteRequest:
		res := s.node.HandleDisableLeaderWrite(raft.DisableLeaderWriteArgs{TimeoutMs: m.TimeoutMs, Term: int64(m.Term)})
		return reply, &codec.DisableLeaderWriteReply{Acknowledged: res.Acknowledged}

	case *codec.UpdateClusterStateRequest:
		return reply, s.handleUpdate(ctx, m)

	case *codec.QueryClusterStateRequest:
		return reply, s.handleQuery(ctx, m)

	case *codec.TransactionRequest:
		return reply, s.handleTransaction(ctx, m)

	case *codec.GetServersRequest:
		return reply, s.handleGetServers()

	case *codec.UpdateClusterConfigRequest:
		return reply, s.handleUpdateClusterConfig(ctx, m)

	case *codec.ConvertRollRequest:
		return reply, s.handleConvertRoll(ctx, m)

	default:
		return reply, &codec.DisableLeaderWriteReply{Acknowledged: false}
	}
}

func (s *Server) handleUpdate(ctx context.Context, m *codec.UpdateClusterStateRequest) *codec.UpdateClusterStateReply {
	if s.pipeline == nil {
		return &codec.UpdateClusterStateReply{ErrKind: codec.ErrKindStorageFault}
	}
	payloads := make([][]byte, len(m.Entries))
	var partition uint16
	for i, e := range m.Entries {
		payloads[i] = e.Payload
		partition = e.Partition
	}
	level := proposal.ResponseLevel(m.ResponseLevel)
	results, err := s.pipeline.ProposeUpdate(ctx, payloads, partition, level, m.TransactionID, 10*time.Second)
	if err != nil {
		return &codec.UpdateClusterStateReply{ErrKind: errKindFor(err), NotLeaderHint: notLeaderHint(err)}
	}
	out := make([][]byte, len(results))
	for i, r := range results {
		out[i] = r.Applied
	}
	return &codec.UpdateClusterStateReply{Results: out}
}

func (s *Server) handleQuery(ctx context.Context, m *codec.QueryClusterStateRequest) *codec.QueryClusterStateReply {
	if !m.Sequential && !s.node.IsLeader() {
		return &codec.QueryClusterStateReply{ErrKind: codec.ErrKindNotLeader, NotLeaderHint: s.node.LeaderHint()}
	}
	if s.query == nil {
		return &codec.QueryClusterStateReply{ErrKind: codec.ErrKindStorageFault}
	}
	result, err := s.query(ctx, m.Query, m.Sequential)
	if err != nil {
		return &codec.QueryClusterStateReply{ErrKind: codec.ErrKindStorageFault}
	}
	return &codec.QueryClusterStateReply{Result: result}
}

// handleTransaction dispatches the five transaction-session operations of
// §6 (begin, update, commit, rollback, list) to the proposal pipeline's
// transaction table. Begin errors are translated by errKindFor, as in
// handleUpdate; update, commit and rollback errors go through
// txnErrKindFor, which adds the transaction-specific codes.
func (s *Server) handleTransaction(ctx context.Context, m *codec.TransactionRequest) *codec.TransactionReply {
	if s.pipeline == nil {
		return &codec.TransactionReply{ErrKind: codec.ErrKindStorageFault}
	}
	switch m.Op {
	case codec.TxnBegin:
		id, err := s.pipeline.BeginTransaction(m.Partition)
		if err != nil {
			return &codec.TransactionReply{ErrKind: errKindFor(err), NotLeaderHint: notLeaderHint(err)}
		}
		return &codec.TransactionReply{TransactionID: id}

	case codec.TxnUpdate:
		if err := s.pipeline.UpdateTransaction(m.TransactionID, m.Payload); err != nil {
			return &codec.TransactionReply{ErrKind: txnErrKindFor(err), TransactionID: m.TransactionID}
		}
		return &codec.TransactionReply{TransactionID: m.TransactionID}

	case codec.TxnCommit:
		results, err := s.pipeline.CommitTransaction(ctx, m.TransactionID, proposal.ResponseLevel(m.ResponseLevel), 10*time.Second)
		if err != nil {
			return &codec.TransactionReply{ErrKind: txnErrKindFor(err), TransactionID: m.TransactionID, NotLeaderHint: notLeaderHint(err)}
		}
		out := make([][]byte, len(results))
		for i, r := range results {
			out[i] = r.Applied
		}
		return &codec.TransactionReply{TransactionID: m.TransactionID, Results: out}

	case codec.TxnRollback:
		if err := s.pipeline.RollbackTransaction(m.TransactionID); err != nil {
			return &codec.TransactionReply{ErrKind: txnErrKindFor(err), TransactionID: m.TransactionID}
		}
		return &codec.TransactionReply{TransactionID: m.TransactionID}

	case codec.TxnList:
		return &codec.TransactionReply{OpeningIDs: s.pipeline.GetOpeningTransactions()}

	default:
		return &codec.TransactionReply{ErrKind: codec.ErrKindStorageFault}
	}
}

// handleGetServers answers §6's getServers() from the Raft core's own
// configuration, without requiring leadership: any server can report what
// it currently believes the membership to be.
func (s *Server) handleGetServers() *codec.GetServersReply {
	cfg := s.node.ConfigurationSnapshot()
	return &codec.GetServersReply{Voters: cfg.Old, JointVoters: cfg.New, Observers: cfg.Observers}
}

// handleUpdateClusterConfig dispatches §6's updateVoters(old, new) to the
// Raft core's joint-consensus membership change.
func (s *Server) handleUpdateClusterConfig(ctx context.Context, m *codec.UpdateClusterConfigRequest) *codec.UpdateClusterConfigReply {
	idx, err := s.node.UpdateVoters(ctx, m.OldVoters, m.NewVoters)
	if err != nil {
		return &codec.UpdateClusterConfigReply{ErrKind: raftErrKindFor(err), NotLeaderHint: s.node.LeaderHint()}
	}
	return &codec.UpdateClusterConfigReply{Index: idx}
}

// handleConvertRoll dispatches §6's convertRoll(uri, roll) to the Raft
// core's single-step membership relabel.
func (s *Server) handleConvertRoll(ctx context.Context, m *codec.ConvertRollRequest) *codec.ConvertRollReply {
	idx, err := s.node.ConvertRoll(ctx, m.URI, m.ToVoter)
	if err != nil {
		return &codec.ConvertRollReply{ErrKind: raftErrKindFor(err), NotLeaderHint: s.node.LeaderHint()}
	}
	return &codec.ConvertRollReply{Index: idx}
}

func raftErrKindFor(err error) uint8 {
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		return codec.ErrKindNotLeader
	case errors.Is(err, raft.ErrConfigurationConflict):
		return codec.ErrKindConfigurationConflict
	default:
		return codec.ErrKindStorageFault
	}
}

func txnErrKindFor(err error) uint8 {
	switch {
	case errors.Is(err, proposal.ErrTransactionInvalidated):
		return codec.ErrKindTransactionInvalidated
	case errors.Is(err, proposal.ErrUnknownTransaction):
		return codec.ErrKindStorageFault
	default:
		return errKindFor(err)
	}
}

func errKindFor(err error) uint8 {
	var nle *proposal.NotLeaderError
	switch {
	case asNotLeader(err, &nle):
		return codec.ErrKindNotLeader
	case err == proposal.ErrTimeout:
		return codec.ErrKindTimeout
	case err == proposal.ErrStopped:
		return codec.ErrKindStopped
	case errors.Is(err, raft.ErrLeaderWriteDisabled):
		return codec.ErrKindLeaderWriteDisabled
	default:
		return codec.ErrKindStorageFault
	}
}

func notLeaderHint(err error) string {
	var nle *proposal.NotLeaderError
	if asNotLeader(err, &nle) {
		return nle.Hint
	}
	return ""
}

func asNotLeader(err error, target **proposal.NotLeaderError) bool {
	return errors.As(err, target)
}

type discardSink struct{}

func (discardSink) WriteChunk(offset int64, chunk []byte) error             { return nil }
func (discardSink) Install(lastIncludedIndex, lastIncludedTerm int64) error { return nil }
