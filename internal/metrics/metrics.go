// Package metrics wires Prometheus instrumentation for the Raft core, the
// proposal pipeline, and the HTTP gateway, grounded on
// cuemby-warren/pkg/metrics/metrics.go's gauge/counter layout (that file's
// RaftLeader/RaftLogIndex/RaftAppliedIndex gauges generalize directly to
// a per-node, per-cluster JournalKeeper deployment). Metrics remain an
// external sink per spec §1: nothing here decides behavior, it only
// reports it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RaftGauges holds the Raft-core gauges for one node. Each node process
// registers its own instance against a private registry so that multiple
// nodes can run in one test binary without colliding on global metric
// names.
type RaftGauges struct {
	IsLeader     prometheus.Gauge
	Term         prometheus.Gauge
	CommitIndex  prometheus.Gauge
	AppliedIndex prometheus.Gauge
	PeerCount    prometheus.Gauge
}

// NewRaftGauges creates and registers the Raft gauges against registry.
func NewRaftGauges(registry *prometheus.Registry, nodeID string) *RaftGauges {
	labels := prometheus.Labels{"node_id": nodeID}
	g := &RaftGauges{
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "journalkeeper_raft_is_leader",
			Help:        "Whether this node is the Raft leader (1 = leader, 0 = follower/candidate/observer)",
			ConstLabels: labels,
		}),
		Term: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "journalkeeper_raft_term",
			Help:        "Current Raft term",
			ConstLabels: labels,
		}),
		CommitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "journalkeeper_raft_commit_index",
			Help:        "Current Raft commit index",
			ConstLabels: labels,
		}),
		AppliedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "journalkeeper_raft_applied_index",
			Help:        "Last applied Raft log index",
			ConstLabels: labels,
		}),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "journalkeeper_raft_peers_total",
			Help:        "Total number of known peers (voters and observers)",
			ConstLabels: labels,
		}),
	}
	registry.MustRegister(g.IsLeader, g.Term, g.CommitIndex, g.AppliedIndex, g.PeerCount)
	return g
}

func (g *RaftGauges) SetLeader(isLeader bool) {
	if g == nil {
		return
	}
	if isLeader {
		g.IsLeader.Set(1)
	} else {
		g.IsLeader.Set(0)
	}
}

func (g *RaftGauges) SetTerm(term int64) {
	if g == nil {
		return
	}
	g.Term.Set(float64(term))
}

func (g *RaftGauges) SetCommitIndex(index int64) {
	if g == nil {
		return
	}
	g.CommitIndex.Set(float64(index))
}

func (g *RaftGauges) SetAppliedIndex(index int64) {
	if g == nil {
		return
	}
	g.AppliedIndex.Set(float64(index))
}

func (g *RaftGauges) SetPeerCount(n int) {
	if g == nil {
		return
	}
	g.PeerCount.Set(float64(n))
}
