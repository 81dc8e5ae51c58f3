package raft

import "time"

// DisableLeaderWriteArgs is the domain view of the maintenance RPC of
// §4.1/§8-scenario-4, carrying (timeoutMs, term).
type DisableLeaderWriteArgs struct {
	TimeoutMs int64
	Term      int64
}

// DisableLeaderWriteResult acknowledges the request.
type DisableLeaderWriteResult struct {
	Acknowledged bool
}

// HandleDisableLeaderWrite halts new proposal acceptance at this Leader
// for the given duration; subsequent client updates fail fast with
// LeaderWriteDisabled so clients re-route, per §4.1. A stale-term request
// is ignored (not acknowledged) so a maintenance tool talking to the
// wrong leader does not silently no-op a request meant for the new one.
func (n *Node) HandleDisableLeaderWrite(args DisableLeaderWriteArgs) DisableLeaderWriteResult {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term != n.term || n.role != RoleLeader {
		return DisableLeaderWriteResult{Acknowledged: false}
	}
	n.disableWriteUntil = time.Now().Add(time.Duration(args.TimeoutMs) * time.Millisecond)
	return DisableLeaderWriteResult{Acknowledged: true}
}
