package raft

import (
	"context"
	"time"
)

// Run drives the election timer: a Follower or Candidate that does not
// see a heartbeat/vote-granting reset within a randomized
// [ElectionTimeoutMin, ElectionTimeoutMax) interval starts a new
// election, per §4.1. This is the suspension point of §5 item (c);
// Run must be started exactly once per Node, typically from the process
// that also starts the transport listener.
func (n *Node) Run(ctx context.Context) {
	timer := time.NewTimer(n.randomizedElectionTimeout())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-n.resetElection:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomizedElectionTimeout())
		case <-timer.C:
			n.mu.Lock()
			role := n.role
			n.mu.Unlock()
			if role != RoleLeader {
				n.startElection(ctx)
			}
			timer.Reset(n.randomizedElectionTimeout())
		}
	}
}
