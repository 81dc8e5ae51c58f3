// Package client implements the Client Router of §4.5 and the client API
// surface of §6: leader discovery, redirect handling, bounded retry with
// exponential backoff, transaction session pinning, and query routing.
// It dials peers with plain net.Conn and speaks internal/codec frames
// directly, generalizing the request/response pattern of
// cuemby-warren/pkg/client/client.go (one exported method per RPC, a
// per-call context.Context timeout) from a generated gRPC stub to the
// hand-rolled wire codec.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hexiaofeng/journalkeeper/internal/codec"
	"github.com/hexiaofeng/journalkeeper/internal/events"
	"github.com/hexiaofeng/journalkeeper/internal/journal"
)

// Error kinds surfaced to callers, per §7.
var (
	ErrNotLeader             = errors.New("client: not leader")
	ErrLeaderWriteDisabled   = errors.New("client: leader write disabled")
	ErrTimeout               = errors.New("client: timeout")
	ErrTransactionInvalidated = errors.New("client: transaction invalidated")
	ErrStopped               = errors.New("client: stopped")
	ErrStorageFault          = errors.New("client: storage fault")
	ErrConfigurationConflict = errors.New("client: configuration conflict")
	ErrNoServersAvailable    = errors.New("client: no servers available")
)

// Consistency selects how a Query is routed, per §4.5.
type Consistency int

const (
	// Strong routes to the Leader (the default).
	Strong Consistency = iota
	// Sequential permits any server with a freshness token to answer.
	Sequential
)

// UpdateRequest mirrors §3's UpdateRequest: payload plus the partition/
// batch/header framing the Journal needs.
type UpdateRequest struct {
	Payload       []byte
	Partition     uint16
	IncludeHeader bool
}

// Config holds Router construction parameters.
type Config struct {
	// Endpoints is the full set of server network addresses, in the
	// same order as the cluster's configured ids; Router rotates through
	// them on connection failure per §4.5.
	Endpoints []string
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// RequestTimeout bounds one RPC round trip once connected.
	RequestTimeout time.Duration
	// RetryBaseDelay is the starting backoff; it doubles on each retry up
	// to RetryMaxDelay, per §4.5's "small base, capped at a ceiling".
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// MaxAttempts bounds how many NotLeader redirects/connection
	// failures Router will absorb before giving up.
	MaxAttempts int
}

// DefaultConfig returns retry/timeout parameters in the same proportions
// as the Raft core's default election timing (internal/raft.DefaultConfig).
func DefaultConfig(endpoints []string) Config {
	return Config{
		Endpoints:      endpoints,
		DialTimeout:    2 * time.Second,
		RequestTimeout: 5 * time.Second,
		RetryBaseDelay: 25 * time.Millisecond,
		RetryMaxDelay:  1 * time.Second,
		MaxAttempts:    10,
	}
}

// Router is the client-facing entry point of §6: update, query,
// transaction session management, and event watching, all routed through
// a tracked leader guess.
type Router struct {
	cfg Config
	id  string // this client's logical id, used as Header.SenderID

	mu          sync.Mutex
	leaderGuess string // network address, empty if unknown
	rotateIdx   int

	txMu          sync.Mutex
	txLeaderAddr  map[string]string // txID -> leader address it was opened against

	bus       *events.Bus
	stopped   atomic.Bool
	nextCorr  uint64
}

// New constructs a Router over cfg. The event bus returned is local to
// this Router; watch/unwatch (§6) is a supplemented feature (no
// wire-level subscription RPC is specified) so cluster events observed
// here are whatever the caller's own embedded node publishes, or nothing
// for a pure remote client.
func New(cfg Config, id string) *Router {
	if len(cfg.Endpoints) == 0 {
		panic("client: Router requires at least one endpoint")
	}
	return &Router{cfg: cfg, id: id, leaderGuess: cfg.Endpoints[0], bus: events.NewBus(), txLeaderAddr: make(map[string]string)}
}

// Watch registers l for cluster events published to this Router's local
// bus, per §6.
func (r *Router) Watch(l events.Listener) int { return r.bus.Subscribe(l) }

// Unwatch removes a listener previously registered with Watch.
func (r *Router) Unwatch(token int) { r.bus.Unsubscribe(token) }

// Ingest forwards e to every Watch listener and to WaitForClusterReady, for
// a caller that co-locates this Router with a raft.Node and wants the
// Node's own events.Bus fanned out through the Router's client-facing API.
func (r *Router) Ingest(e events.Event) { r.bus.Publish(e) }

// Stop marks the Router stopped: calls that begin afterwards fail with
// ErrStopped. A call already under way is not interrupted; its retry loop
// runs to completion.
func (r *Router) Stop() {
	r.stopped.Store(true)
}

func (r *Router) correlationID() uint64 {
	return atomic.AddUint64(&r.nextCorr, 1)
}

// currentGuess returns the address Router will try first.
func (r *Router) currentGuess() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderGuess
}

func (r *Router) setGuess(addr string) {
	if addr == "" {
		return
	}
	r.mu.Lock()
	r.leaderGuess = addr
	r.mu.Unlock()
}

// rotate advances past a failed connection target to the next configured
// endpoint, per §4.5's "on connection failure, rotate through configured
// endpoints".
func (r *Router) rotate() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateIdx = (r.rotateIdx + 1) % len(r.cfg.Endpoints)
	r.leaderGuess = r.cfg.Endpoints[r.rotateIdx]
	return r.leaderGuess
}

// roundTrip dials addr, writes req, and reads back one reply frame.
func (r *Router) roundTrip(ctx context.Context, addr string, req codec.Message) (codec.Header, codec.Message, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return codec.Header{}, nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(r.cfg.RequestTimeout))
	}

	h := codec.Header{Version: codec.ProtocolVersion, CorrelationID: r.correlationID(), SenderID: r.id}
	if err := codec.WriteFrame(conn, h, req); err != nil {
		return codec.Header{}, nil, fmt.Errorf("client: write request: %w", err)
	}
	replyHeader, reply, err := codec.ReadFrame(conn)
	if err != nil {
		return codec.Header{}, nil, fmt.Errorf("client: read reply: %w", err)
	}
	return replyHeader, reply, nil
}

// backoff returns the delay before retry attempt n (0-based), doubling
// from RetryBaseDelay up to RetryMaxDelay.
func (r *Router) backoff(n int) time.Duration {
	d := r.cfg.RetryBaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= r.cfg.RetryMaxDelay {
			return r.cfg.RetryMaxDelay
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errKindToErr maps a reply's codec.ErrKind* code to an exported error
// kind of §7, preserving the NotLeader hint when present.
func errKindToErr(kind uint8, hint string) error {
	switch kind {
	case codec.ErrKindNone:
		return nil
	case codec.ErrKindNotLeader:
		if hint != "" {
			return fmt.Errorf("%w: hint=%s", ErrNotLeader, hint)
		}
		return ErrNotLeader
	case codec.ErrKindLeaderWriteDisabled:
		return ErrLeaderWriteDisabled
	case codec.ErrKindTimeout:
		return ErrTimeout
	case codec.ErrKindTransactionInvalidated:
		return ErrTransactionInvalidated
	case codec.ErrKindStopped:
		return ErrStopped
	case codec.ErrKindConfigurationConflict:
		return ErrConfigurationConflict
	default:
		return ErrStorageFault
	}
}

// Update implements the batch form of §6's update(): it resolves once the
// requested ResponseLevel is met, retrying against the leader hint on
// NotLeader and rotating endpoints on connection failure, bounded by
// Config.MaxAttempts.
func (r *Router) Update(ctx context.Context, reqs []UpdateRequest, level uint8, transactionID string) ([][]byte, error) {
	if r.stopped.Load() {
		return nil, ErrStopped
	}
	entries := make([]journal.LogEntry, len(reqs))
	for i, req := range reqs {
		entries[i] = journal.LogEntry{Partition: req.Partition, BatchSize: uint32(len(reqs)), Payload: req.Payload}
		// IncludeHeader only matters to the Journal Store's own framing
		// (journal.LogEntry already separates Header from Payload, so
		// there is nothing to strip here); a caller setting it is
		// promising req.Payload was pre-framed and the Journal must not
		// re-prepend its own header when persisting this entry.
	}
	msg := &codec.UpdateClusterStateRequest{Entries: entries, ResponseLevel: level, TransactionID: transactionID}

	var lastErr error
	addr := r.currentGuess()
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, r.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		_, reply, err := r.roundTrip(ctx, addr, msg)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("client: update round trip failed, rotating")
			addr = r.rotate()
			lastErr = err
			continue
		}
		rep, ok := reply.(*codec.UpdateClusterStateReply)
		if !ok {
			lastErr = fmt.Errorf("client: unexpected reply type %T", reply)
			continue
		}
		if rep.ErrKind == codec.ErrKindNotLeader {
			if rep.NotLeaderHint != "" {
				addr = rep.NotLeaderHint
				r.setGuess(addr)
			} else {
				addr = r.rotate()
			}
			lastErr = errKindToErr(rep.ErrKind, rep.NotLeaderHint)
			continue
		}
		if rep.ErrKind != codec.ErrKindNone {
			return nil, errKindToErr(rep.ErrKind, rep.NotLeaderHint)
		}
		r.setGuess(addr)
		return rep.Results, nil
	}
	if lastErr == nil {
		lastErr = ErrNoServersAvailable
	}
	return nil, lastErr
}

// UpdateOne implements the single-entry overload of §6: it returns the
// first element of the batch result, or nil if the response level does
// not carry a result.
func (r *Router) UpdateOne(ctx context.Context, req UpdateRequest, level uint8) ([]byte, error) {
	results, err := r.Update(ctx, []UpdateRequest{req}, level, "")
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// Query implements §6's query(): strongly consistent by default,
// routed identically to Update unless the caller opts into Sequential
// consistency, in which case any server may answer per §4.5.
func (r *Router) Query(ctx context.Context, q []byte, consistency Consistency) ([]byte, error) {
	if r.stopped.Load() {
		return nil, ErrStopped
	}
	msg := &codec.QueryClusterStateRequest{Query: q, Sequential: consistency == Sequential}

	var lastErr error
	addr := r.currentGuess()
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, r.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		_, reply, err := r.roundTrip(ctx, addr, msg)
		if err != nil {
			addr = r.rotate()
			lastErr = err
			continue
		}
		rep, ok := reply.(*codec.QueryClusterStateReply)
		if !ok {
			lastErr = fmt.Errorf("client: unexpected reply type %T", reply)
			continue
		}
		if rep.ErrKind == codec.ErrKindNotLeader {
			if rep.NotLeaderHint != "" {
				addr = rep.NotLeaderHint
				r.setGuess(addr)
			} else {
				addr = r.rotate()
			}
			lastErr = errKindToErr(rep.ErrKind, rep.NotLeaderHint)
			continue
		}
		if rep.ErrKind != codec.ErrKindNone {
			return nil, errKindToErr(rep.ErrKind, rep.NotLeaderHint)
		}
		r.setGuess(addr)
		return rep.Result, nil
	}
	if lastErr == nil {
		lastErr = ErrNoServersAvailable
	}
	return nil, lastErr
}

// transactionRoundTrip sends a TransactionRequest, pinning retries to the
// session's recorded leader address rather than this Router's general
// leader guess (a transaction must not migrate to a different leader
// mid-session, per §4.5).
func (r *Router) transactionRoundTrip(ctx context.Context, addr string, req *codec.TransactionRequest) (*codec.TransactionReply, error) {
	_, reply, err := r.roundTrip(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	rep, ok := reply.(*codec.TransactionReply)
	if !ok {
		return nil, fmt.Errorf("client: unexpected reply type %T", reply)
	}
	return rep, nil
}

func (r *Router) txnAddr(txID string) string {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	if addr, ok := r.txLeaderAddr[txID]; ok {
		return addr
	}
	return r.currentGuess()
}

// BeginTransaction implements §6's beginTransaction(): it opens a session
// on the current leader guess and pins every later call for this id to
// that same address.
func (r *Router) BeginTransaction(ctx context.Context, partition uint16) (string, error) {
	addr := r.currentGuess()
	rep, err := r.transactionRoundTrip(ctx, addr, &codec.TransactionRequest{Op: codec.TxnBegin, Partition: partition})
	if err != nil {
		return "", err
	}
	if rep.ErrKind != codec.ErrKindNone {
		return "", errKindToErr(rep.ErrKind, rep.NotLeaderHint)
	}
	r.txMu.Lock()
	r.txLeaderAddr[rep.TransactionID] = addr
	r.txMu.Unlock()
	return rep.TransactionID, nil
}

// UpdateTransaction implements §6's update(txId, request): it buffers
// payload into the named session on the leader that opened it.
func (r *Router) UpdateTransaction(ctx context.Context, txID string, payload []byte) error {
	rep, err := r.transactionRoundTrip(ctx, r.txnAddr(txID), &codec.TransactionRequest{Op: codec.TxnUpdate, TransactionID: txID, Payload: payload})
	if err != nil {
		return err
	}
	if rep.ErrKind != codec.ErrKindNone {
		return errKindToErr(rep.ErrKind, rep.NotLeaderHint)
	}
	return nil
}

// CommitTransaction implements §6's commitTransaction(): it atomically
// appends every buffered entry at the requested response level.
func (r *Router) CommitTransaction(ctx context.Context, txID string, level uint8) ([][]byte, error) {
	defer r.forgetTransaction(txID)
	rep, err := r.transactionRoundTrip(ctx, r.txnAddr(txID), &codec.TransactionRequest{Op: codec.TxnCommit, TransactionID: txID, ResponseLevel: level})
	if err != nil {
		return nil, err
	}
	if rep.ErrKind != codec.ErrKindNone {
		return nil, errKindToErr(rep.ErrKind, rep.NotLeaderHint)
	}
	return rep.Results, nil
}

// RollbackTransaction implements §6's rollbackTransaction(): it discards
// the session without proposing anything.
func (r *Router) RollbackTransaction(ctx context.Context, txID string) error {
	defer r.forgetTransaction(txID)
	rep, err := r.transactionRoundTrip(ctx, r.txnAddr(txID), &codec.TransactionRequest{Op: codec.TxnRollback, TransactionID: txID})
	if err != nil {
		return err
	}
	if rep.ErrKind != codec.ErrKindNone {
		return errKindToErr(rep.ErrKind, rep.NotLeaderHint)
	}
	return nil
}

// GetOpeningTransactions implements §6's getOpeningTransactions() against
// the current leader guess.
func (r *Router) GetOpeningTransactions(ctx context.Context) ([]string, error) {
	rep, err := r.transactionRoundTrip(ctx, r.currentGuess(), &codec.TransactionRequest{Op: codec.TxnList})
	if err != nil {
		return nil, err
	}
	return rep.OpeningIDs, nil
}

func (r *Router) forgetTransaction(txID string) {
	r.txMu.Lock()
	delete(r.txLeaderAddr, txID)
	r.txMu.Unlock()
}

// ServerList is the result of §6's getServers(): the active voter set, any
// in-flight joint-consensus New set, and the observer list.
type ServerList struct {
	Voters      []string
	JointVoters []string // nil outside joint consensus
	Observers   []string
}

// GetServers implements §6's getServers(). Any server can answer, not just
// the Leader, so it rotates through endpoints on connection failure but
// never treats a reply as a NotLeader redirect.
func (r *Router) GetServers(ctx context.Context) (ServerList, error) {
	if r.stopped.Load() {
		return ServerList{}, ErrStopped
	}
	var lastErr error
	addr := r.currentGuess()
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, r.backoff(attempt-1)); err != nil {
				return ServerList{}, err
			}
		}
		_, reply, err := r.roundTrip(ctx, addr, &codec.GetServersRequest{})
		if err != nil {
			addr = r.rotate()
			lastErr = err
			continue
		}
		rep, ok := reply.(*codec.GetServersReply)
		if !ok {
			lastErr = fmt.Errorf("client: unexpected reply type %T", reply)
			continue
		}
		if rep.ErrKind != codec.ErrKindNone {
			return ServerList{}, errKindToErr(rep.ErrKind, rep.NotLeaderHint)
		}
		return ServerList{Voters: rep.Voters, JointVoters: rep.JointVoters, Observers: rep.Observers}, nil
	}
	if lastErr == nil {
		lastErr = ErrNoServersAvailable
	}
	return ServerList{}, lastErr
}

// UpdateVoters implements §6's updateVoters(old, new): a joint-consensus
// membership change, routed and retried exactly as Update is since only
// the Leader may propose it.
func (r *Router) UpdateVoters(ctx context.Context, oldVoters, newVoters []string) (int64, error) {
	if r.stopped.Load() {
		return 0, ErrStopped
	}
	msg := &codec.UpdateClusterConfigRequest{OldVoters: oldVoters, NewVoters: newVoters}

	var lastErr error
	addr := r.currentGuess()
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, r.backoff(attempt-1)); err != nil {
				return 0, err
			}
		}
		_, reply, err := r.roundTrip(ctx, addr, msg)
		if err != nil {
			addr = r.rotate()
			lastErr = err
			continue
		}
		rep, ok := reply.(*codec.UpdateClusterConfigReply)
		if !ok {
			lastErr = fmt.Errorf("client: unexpected reply type %T", reply)
			continue
		}
		if rep.ErrKind == codec.ErrKindNotLeader {
			if rep.NotLeaderHint != "" {
				addr = rep.NotLeaderHint
				r.setGuess(addr)
			} else {
				addr = r.rotate()
			}
			lastErr = errKindToErr(rep.ErrKind, rep.NotLeaderHint)
			continue
		}
		if rep.ErrKind != codec.ErrKindNone {
			return 0, errKindToErr(rep.ErrKind, rep.NotLeaderHint)
		}
		r.setGuess(addr)
		return rep.Index, nil
	}
	if lastErr == nil {
		lastErr = ErrNoServersAvailable
	}
	return 0, lastErr
}

// ConvertRoll implements §6's convertRoll(uri, roll): relabels a single
// server between voter and observer, routed identically to UpdateVoters.
func (r *Router) ConvertRoll(ctx context.Context, uri string, toVoter bool) (int64, error) {
	if r.stopped.Load() {
		return 0, ErrStopped
	}
	msg := &codec.ConvertRollRequest{URI: uri, ToVoter: toVoter}

	var lastErr error
	addr := r.currentGuess()
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, r.backoff(attempt-1)); err != nil {
				return 0, err
			}
		}
		_, reply, err := r.roundTrip(ctx, addr, msg)
		if err != nil {
			addr = r.rotate()
			lastErr = err
			continue
		}
		rep, ok := reply.(*codec.ConvertRollReply)
		if !ok {
			lastErr = fmt.Errorf("client: unexpected reply type %T", reply)
			continue
		}
		if rep.ErrKind == codec.ErrKindNotLeader {
			if rep.NotLeaderHint != "" {
				addr = rep.NotLeaderHint
				r.setGuess(addr)
			} else {
				addr = r.rotate()
			}
			lastErr = errKindToErr(rep.ErrKind, rep.NotLeaderHint)
			continue
		}
		if rep.ErrKind != codec.ErrKindNone {
			return 0, errKindToErr(rep.ErrKind, rep.NotLeaderHint)
		}
		r.setGuess(addr)
		return rep.Index, nil
	}
	if lastErr == nil {
		lastErr = ErrNoServersAvailable
	}
	return 0, lastErr
}

// WaitForClusterReady implements §6's waitForClusterReady(timeout): it
// blocks until this Router's local bus observes a ClusterReady event or
// timeout elapses. Per New's doc comment, this only reflects whatever
// cluster events the caller's own embedded node publishes; a Router used
// purely as a remote client with no co-located Node never sees one and
// will always time out.
func (r *Router) WaitForClusterReady(ctx context.Context, timeout time.Duration) error {
	if r.stopped.Load() {
		return ErrStopped
	}
	ready := make(chan struct{}, 1)
	token := r.bus.Subscribe(func(e events.Event) {
		if e.Kind == events.ClusterReady {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer r.bus.Unsubscribe(token)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DisableLeaderWrite sends the maintenance RPC of §4.1/§8-scenario-4 to
// the current leader guess.
func (r *Router) DisableLeaderWrite(ctx context.Context, timeoutMs int64, term int32) error {
	addr := r.currentGuess()
	_, reply, err := r.roundTrip(ctx, addr, &codec.DisableLeaderWriteRequest{TimeoutMs: timeoutMs, Term: term})
	if err != nil {
		return err
	}
	rep, ok := reply.(*codec.DisableLeaderWriteReply)
	if !ok || !rep.Acknowledged {
		return fmt.Errorf("client: DisableLeaderWrite not acknowledged")
	}
	return nil
}
