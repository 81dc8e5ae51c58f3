package journal

import "errors"

// ErrNotFound is returned by ReadAt for an index below the first retained
// index (compacted away) or above the last written index.
var ErrNotFound = errors.New("journal: entry not found")

// VoterRecord is the per-server-lifetime record of §3: currentTerm,
// votedForInThisTerm, and the last known leader hint. It is persisted
// before any outbound vote or append reply ("write before reply").
type VoterRecord struct {
	CurrentTerm    int64
	VotedFor       string // server id, empty if none
	LastKnownLeader string
}

// SnapshotMeta describes a compaction boundary: all entries at or below
// LastIncludedIndex have been folded into the state machine snapshot and
// are no longer retained in the log.
type SnapshotMeta struct {
	LastIncludedIndex int64
	LastIncludedTerm  int64
	CreatedAt         int64 // unix nanos
	Configuration     []byte // serialized ClusterConfig at the snapshot point
}

// Store is the abstract contract every journal backend must satisfy.
// Implementations are exclusively owned by one server process; callers
// never observe partially written entries.
type Store interface {
	// Append durably writes entry and returns its index. The caller is
	// responsible for assigning entry.Index before calling Append; Append
	// itself performs no index assignment (that is the Leader's
	// per-leader monotonic counter, §4.4).
	Append(entry LogEntry) (int64, error)

	// ReadAt returns the entry at index, or ErrNotFound if it has been
	// compacted away or was never written.
	ReadAt(index int64) (LogEntry, error)

	// ReadRange returns entries in [from, to], inclusive, skipping
	// entries compacted away below the snapshot boundary.
	ReadRange(from, to int64) ([]LogEntry, error)

	// TruncateAfter removes every entry with index > index. Permitted
	// only on Followers reconciling with a Leader, and must be durable
	// before an AppendEntries success reply is sent for the overwriting
	// batch.
	TruncateAfter(index int64) error

	// FirstIndex returns the lowest retained index (1 if nothing has
	// been compacted), and LastIndex returns the highest written index
	// (0 if the log is empty).
	FirstIndex() (int64, error)
	LastIndex() (int64, error)

	// Compact discards all entries at or below meta.LastIncludedIndex,
	// recording meta as the new snapshot boundary.
	Compact(meta SnapshotMeta) error
	SnapshotMeta() (SnapshotMeta, bool, error)

	// VoterRecord and SaveVoterRecord implement the "write before reply"
	// discipline of §5: callers must persist a VoterRecord before
	// sending any RPC reply that depends on it.
	VoterRecord() (VoterRecord, error)
	SaveVoterRecord(VoterRecord) error

	// Close releases any resources (file handles, database handles)
	// held by the store.
	Close() error
}
