package raft

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hexiaofeng/journalkeeper/internal/events"
	"github.com/hexiaofeng/journalkeeper/internal/journal"
)

func encodeConfiguration(cfg Configuration) ([]byte, error) { return json.Marshal(cfg) }

func decodeConfiguration(b []byte) (Configuration, error) {
	var cfg Configuration
	err := json.Unmarshal(b, &cfg)
	return cfg, err
}

// Configuration is the ordered list of voter endpoints plus an observer
// list of §3. Old/New are both populated only during joint consensus
// (§4.1): a proposal commits only when a majority in both Old and New
// persist it. Outside a membership change, New is nil and Old holds the
// single active configuration.
type Configuration struct {
	Old       []string
	New       []string // nil outside joint consensus
	Observers []string
}

// Joint reports whether two configurations currently coexist.
func (c Configuration) Joint() bool { return c.New != nil }

func (c Configuration) allVoters() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range c.Old {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range c.New {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (c Configuration) isObserver(id string) bool {
	for _, o := range c.Observers {
		if o == id {
			return true
		}
	}
	return false
}

func isVoterIn(id string, list []string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// quorumMet reports whether matchIndex (indexed by server id, with self
// implicitly at selfMatch) forms a majority in cfg, requiring a majority
// in BOTH Old and New when Joint.
func quorumMet(cfg Configuration, selfID string, matchIndex map[string]int64, selfMatch int64, index int64) bool {
	check := func(voters []string) bool {
		if len(voters) == 0 {
			return true
		}
		have := 0
		for _, id := range voters {
			m := selfMatch
			if id != selfID {
				m = matchIndex[id]
			}
			if m >= index {
				have++
			}
		}
		return have >= len(voters)/2+1
	}
	if !check(cfg.Old) {
		return false
	}
	if cfg.Joint() && !check(cfg.New) {
		return false
	}
	return true
}

// majorityOf returns the smallest number of voters that forms a majority
// of n voters.
func majorityOf(n int) int { return n/2 + 1 }

// ConfigurationSnapshot returns a copy of the currently active
// configuration, for the getServers() client operation of §6.
func (n *Node) ConfigurationSnapshot() Configuration {
	n.mu.Lock()
	defer n.mu.Unlock()
	cfg := n.configuration
	out := Configuration{
		Old:       append([]string(nil), cfg.Old...),
		Observers: append([]string(nil), cfg.Observers...),
	}
	if cfg.New != nil {
		out.New = append([]string(nil), cfg.New...)
	}
	return out
}

// UpdateVoters proposes a joint-consensus membership change from oldVoters
// to newVoters, per §6's updateVoters(old, new). The committed entry's
// joint configuration collapses to newVoters alone once
// onConfigurationEntryApplied observes it applied.
func (n *Node) UpdateVoters(ctx context.Context, oldVoters, newVoters []string) (int64, error) {
	n.mu.Lock()
	observers := append([]string(nil), n.configuration.Observers...)
	n.mu.Unlock()
	return n.ProposeConfigChange(ctx, Configuration{Old: oldVoters, New: newVoters, Observers: observers})
}

// ConvertRoll moves a single server between the voter set and the observer
// list, per §6's convertRoll(uri, roll). It is a single-step (non-joint)
// configuration change: the server in question is simply relabeled.
func (n *Node) ConvertRoll(ctx context.Context, uri string, toVoter bool) (int64, error) {
	n.mu.Lock()
	cfg := n.configuration
	n.mu.Unlock()

	next := Configuration{
		Old:       make([]string, 0, len(cfg.Old)+1),
		Observers: make([]string, 0, len(cfg.Observers)+1),
	}
	if toVoter {
		for _, id := range cfg.Old {
			next.Old = append(next.Old, id)
		}
		if !isVoterIn(uri, next.Old) {
			next.Old = append(next.Old, uri)
		}
		for _, id := range cfg.Observers {
			if id != uri {
				next.Observers = append(next.Observers, id)
			}
		}
	} else {
		for _, id := range cfg.Old {
			if id != uri {
				next.Old = append(next.Old, id)
			}
		}
		for _, id := range cfg.Observers {
			next.Observers = append(next.Observers, id)
		}
		if !cfg.isObserver(uri) {
			next.Observers = append(next.Observers, uri)
		}
	}
	return n.ProposeConfigChange(ctx, next)
}

// ProposeConfigChange appends a membership-change log entry (a
// distinguished EntryConfiguration kind, per §4.1) and adopts it
// immediately, before commit. Only one configuration change may be in
// flight at a time (the "extra safety barrier" of §4.1).
func (n *Node) ProposeConfigChange(ctx context.Context, next Configuration) (int64, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		hint := n.lastKnownLeader
		n.mu.Unlock()
		return 0, fmt.Errorf("%w: hint=%s", ErrNotLeader, hint)
	}
	if n.configChangePending {
		n.mu.Unlock()
		return 0, ErrConfigurationConflict
	}
	n.configChangePending = true
	cfg := next
	n.mu.Unlock()

	encoded, err := encodeConfiguration(cfg)
	if err != nil {
		n.mu.Lock()
		n.configChangePending = false
		n.mu.Unlock()
		return 0, err
	}

	entry := journal.LogEntry{Kind: journal.EntryConfiguration, Payload: encoded}
	idx, _, err := n.ProposeEntries(ctx, []journal.LogEntry{entry})
	if err != nil {
		n.mu.Lock()
		n.configChangePending = false
		n.mu.Unlock()
		return 0, err
	}

	n.mu.Lock()
	n.configuration = cfg
	n.rebuildPeers()
	term := n.term
	n.mu.Unlock()
	n.publish(events.Event{Kind: events.ConfigurationChanged, NodeID: n.id, Term: term})

	log.Info().Str("node_id", n.id).Int64("index", idx).Msg("adopted new cluster configuration")
	return idx, nil
}

// onConfigurationEntryApplied is invoked by the state machine host (via
// an Applied event) once a configuration entry's index has actually been
// committed, clearing the single-change-in-flight barrier. Joint
// consensus collapses to the New configuration alone at this point, per
// the standard Raft two-phase membership change.
func (n *Node) onConfigurationEntryApplied(entry journal.LogEntry) {
	cfg, err := decodeConfiguration(entry.Payload)
	if err != nil {
		log.Error().Err(err).Msg("raft: failed to decode applied configuration entry")
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if cfg.Joint() {
		// Collapse joint consensus to the new configuration alone.
		n.configuration = Configuration{Old: cfg.New, Observers: cfg.Observers}
	}
	n.configChangePending = false
	n.rebuildPeers()
}

