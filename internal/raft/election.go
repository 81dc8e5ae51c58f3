package raft

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hexiaofeng/journalkeeper/internal/events"
)

// RequestVoteArgs is the Raft-core's domain view of a vote solicitation;
// Transport implementations translate this to/from codec.RequestVoteRequest
// on the wire.
type RequestVoteArgs struct {
	Term         int64
	CandidateID  string
	LastLogIndex int64
	LastLogTerm  int64
}

// RequestVoteResult is the domain view of a vote reply.
type RequestVoteResult struct {
	Term        int64
	VoteGranted bool
	VoterID     string
}

// lastLogIndexTermLocked returns the index/term of the last entry in the
// local log. Callers must hold n.mu.
func (n *Node) lastLogIndexTermLocked() (int64, int64) {
	last, err := n.store.LastIndex()
	if err != nil || last == 0 {
		return 0, 0
	}
	e, err := n.store.ReadAt(last)
	if err != nil {
		return last, 0
	}
	return e.Index, e.Term
}

// candidateLogUpToDateLocked implements §4.1's comparison: a candidate's
// log is at least as up-to-date if its last term is greater, or equal
// with an index at least as large (last-term then last-index
// lexicographic comparison). Callers must hold n.mu.
func (n *Node) candidateLogUpToDateLocked(lastLogIndex, lastLogTerm int64) bool {
	myIndex, myTerm := n.lastLogIndexTermLocked()
	if lastLogTerm != myTerm {
		return lastLogTerm > myTerm
	}
	return lastLogIndex >= myIndex
}

// HandleRequestVote responds to a vote solicitation, per §4.1's election
// rules: a voter grants at most one vote per term, and only if the
// candidate is a recognized member and its log is at least as
// up-to-date.
func (n *Node) HandleRequestVote(args RequestVoteArgs) (RequestVoteResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.term {
		return RequestVoteResult{Term: n.term, VoteGranted: false, VoterID: n.id}, nil
	}
	if args.Term > n.term {
		if err := n.stepDownLocked(args.Term); err != nil {
			return RequestVoteResult{}, err
		}
	}

	if n.role == RoleObserver {
		return RequestVoteResult{Term: n.term, VoteGranted: false, VoterID: n.id}, nil
	}
	if !isVoterIn(args.CandidateID, n.configuration.allVoters()) {
		return RequestVoteResult{Term: n.term, VoteGranted: false, VoterID: n.id}, nil
	}

	alreadyVoted := n.votedFor != "" && n.votedFor != args.CandidateID
	if alreadyVoted {
		return RequestVoteResult{Term: n.term, VoteGranted: false, VoterID: n.id}, nil
	}
	if !n.candidateLogUpToDateLocked(args.LastLogIndex, args.LastLogTerm) {
		return RequestVoteResult{Term: n.term, VoteGranted: false, VoterID: n.id}, nil
	}

	if err := n.setTermLocked(n.term, args.CandidateID); err != nil {
		return RequestVoteResult{}, err
	}
	n.resetElectionTimerLocked()
	log.Info().Str("node_id", n.id).Str("candidate", args.CandidateID).Int64("term", n.term).Msg("granted vote")
	return RequestVoteResult{Term: n.term, VoteGranted: true, VoterID: n.id}, nil
}

func (n *Node) resetElectionTimerLocked() {
	select {
	case n.resetElection <- struct{}{}:
	default:
	}
}

// startElection implements §4.1's election: increment term, vote for
// self, persist (term, self), then solicit votes from every voter
// concurrently. Becomes Leader on a majority in both configurations
// during joint consensus.
func (n *Node) startElection(ctx context.Context) {
	n.mu.Lock()
	if n.role == RoleObserver || n.stopped {
		n.mu.Unlock()
		return
	}
	newTerm := n.term + 1
	if err := n.setTermLocked(newTerm, n.id); err != nil {
		log.Error().Err(err).Msg("raft: failed to persist term for election")
		n.mu.Unlock()
		return
	}
	n.role = RoleCandidate
	cfg := n.configuration
	lastIndex, lastTerm := n.lastLogIndexTermLocked()
	voters := cfg.allVoters()
	n.mu.Unlock()

	log.Info().Str("node_id", n.id).Int64("term", newTerm).Int("voters", len(voters)+1).Msg("starting election")

	votes := map[string]bool{n.id: true}
	var votesMu sync.Mutex
	var wg sync.WaitGroup
	var maxTermSeen int64

	for _, peerID := range voters {
		peerID := peerID
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, n.cfg.ElectionTimeoutMin/2)
			defer cancel()
			res, err := n.transport.SendRequestVote(rctx, peerID, RequestVoteArgs{
				Term: newTerm, CandidateID: n.id, LastLogIndex: lastIndex, LastLogTerm: lastTerm,
			})
			if err != nil {
				n.markPeerUnavailable(peerID)
				return
			}
			n.markPeerAvailable(peerID)
			votesMu.Lock()
			defer votesMu.Unlock()
			if res.VoteGranted {
				votes[peerID] = true
			} else if res.Term > maxTermSeen {
				maxTermSeen = res.Term
			}
		}()
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleCandidate || n.term != newTerm {
		// Stepped down, or a newer election started, while votes were
		// outstanding.
		return
	}
	if maxTermSeen > n.term {
		n.stepDownLocked(maxTermSeen)
		return
	}
	if !quorumMetByVotes(cfg, votes) {
		log.Info().Str("node_id", n.id).Int64("term", newTerm).Msg("election failed, no majority")
		return
	}

	log.Info().Str("node_id", n.id).Int64("term", newTerm).Msg("election succeeded, becoming leader")
	n.role = RoleLeader
	n.setLastKnownLeaderLocked(n.id)
	n.disableWriteUntil = time.Now().Add(n.cfg.DisableLeaderWriteGrace)
	lastIdx, _ := n.store.LastIndex()
	for _, p := range n.peers {
		p.nextIndex = lastIdx + 1
		p.matchIndex = 0
	}
	n.updateMetricsLocked()
	n.publish(events.Event{Kind: events.RoleChanged, NodeID: n.id, Term: n.term, Role: string(RoleLeader)})
	n.publish(events.Event{Kind: events.LeaderChanged, NodeID: n.id, Term: n.term, Leader: n.id})

	go n.leaderLoop(ctx, n.term)
}

// quorumMetByVotes reports whether votes forms a majority in cfg.Old and,
// during joint consensus, also a majority in cfg.New. votes must already
// include the candidate's own (always-granted) vote for any list it is a
// member of.
func quorumMetByVotes(cfg Configuration, votes map[string]bool) bool {
	majorityOfList := func(list []string) bool {
		if len(list) == 0 {
			return true
		}
		have := 0
		for _, id := range list {
			if votes[id] {
				have++
			}
		}
		return have >= majorityOf(len(list))
	}
	if !majorityOfList(cfg.Old) {
		return false
	}
	if cfg.Joint() && !majorityOfList(cfg.New) {
		return false
	}
	return true
}

func (n *Node) markPeerAvailable(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		p.available = true
	}
}

func (n *Node) markPeerUnavailable(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		p.available = false
	}
}

