package proposal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTransactionInvalidated indicates a leader change dropped the
// session, per §6/§7. A client pinned to the old leader must abandon the
// transaction rather than retry it elsewhere.
var ErrTransactionInvalidated = errors.New("proposal: transaction invalidated")

// ErrUnknownTransaction indicates the caller referenced a transaction id
// this Pipeline has no record of (never opened here, already committed,
// or already rolled back). A session invalidated by a leader change is
// still on record and yields ErrTransactionInvalidated instead.
var ErrUnknownTransaction = errors.New("proposal: unknown transaction")

// transactionSession buffers update requests for one open transaction
// until commitTransaction proposes them as a single batch, per §6's
// beginTransaction/update/commitTransaction/rollbackTransaction surface.
type transactionSession struct {
	id        string
	leaderID  string
	partition uint16
	createdAt time.Time

	mu       sync.Mutex
	payloads [][]byte
	invalid  bool
}

type transactionTable struct {
	mu       sync.Mutex
	sessions map[string]*transactionSession
}

func newTransactionTable() *transactionTable {
	return &transactionTable{sessions: make(map[string]*transactionSession)}
}

// BeginTransaction opens a new transaction pinned to this Pipeline's
// current leader, per §4.5's "pin to the leader that created the
// transaction" rule.
func (p *Pipeline) BeginTransaction(partition uint16) (string, error) {
	if !p.node.IsLeader() {
		return "", &NotLeaderError{Hint: p.node.LeaderHint()}
	}
	id := uuid.NewString()
	s := &transactionSession{id: id, leaderID: p.node.ID(), partition: partition, createdAt: time.Now()}
	p.transactions.mu.Lock()
	p.transactions.sessions[id] = s
	p.transactions.mu.Unlock()
	return id, nil
}

// UpdateTransaction buffers payload under txID, to be proposed as part of
// the batch committed by CommitTransaction.
func (p *Pipeline) UpdateTransaction(txID string, payload []byte) error {
	s, err := p.transactions.get(txID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid {
		return ErrTransactionInvalidated
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

// CommitTransaction proposes every buffered request as one batch at the
// requested response level and removes the session regardless of
// outcome: a transaction commits at most once.
func (p *Pipeline) CommitTransaction(ctx context.Context, txID string, level ResponseLevel, deadline time.Duration) ([]Result, error) {
	s, err := p.transactions.get(txID)
	if err != nil {
		return nil, err
	}
	p.transactions.remove(txID)

	s.mu.Lock()
	if s.invalid {
		s.mu.Unlock()
		return nil, ErrTransactionInvalidated
	}
	if s.leaderID != p.node.ID() {
		s.mu.Unlock()
		return nil, ErrTransactionInvalidated
	}
	payloads := s.payloads
	s.mu.Unlock()

	if len(payloads) == 0 {
		return nil, nil
	}
	return p.ProposeUpdate(ctx, payloads, s.partition, level, txID, deadline)
}

// RollbackTransaction discards a buffered transaction without proposing
// anything.
func (p *Pipeline) RollbackTransaction(txID string) error {
	if _, err := p.transactions.get(txID); err != nil {
		return err
	}
	p.transactions.remove(txID)
	return nil
}

// GetOpeningTransactions returns the ids of every transaction currently
// open on this Pipeline.
func (p *Pipeline) GetOpeningTransactions() []string {
	p.transactions.mu.Lock()
	defer p.transactions.mu.Unlock()
	ids := make([]string, 0, len(p.transactions.sessions))
	for id := range p.transactions.sessions {
		ids = append(ids, id)
	}
	return ids
}

// invalidateAllTransactions marks every open transaction invalid; called
// when this Pipeline's node steps down from Leader, per §6's
// TransactionInvalidated contract.
func (p *Pipeline) invalidateAllTransactions() {
	p.transactions.mu.Lock()
	defer p.transactions.mu.Unlock()
	for _, s := range p.transactions.sessions {
		s.mu.Lock()
		s.invalid = true
		s.mu.Unlock()
	}
}

func (t *transactionTable) get(id string) (*transactionSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	return s, nil
}

func (t *transactionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}
