package statemachine

import "fmt"

// SnapshotSink adapts a Host to raft.SnapshotSink, assembling the
// chunked bytes an InstallSnapshot transfer delivers (§4.1) and handing
// the result to Host as its new state root once the final chunk lands.
// It satisfies raft.SnapshotSink structurally without statemachine
// importing raft, the same message-passing-over-back-pointer pattern
// internal/raft/node.go uses for its own cyclic references (§9).
type SnapshotSink struct {
	host *Host
	buf  []byte
}

// NewSnapshotSink constructs a SnapshotSink that installs into host.
func NewSnapshotSink(host *Host) *SnapshotSink {
	return &SnapshotSink{host: host}
}

// WriteChunk appends chunk at offset into the in-progress snapshot
// buffer. Chunks are expected in order (offset == len(buf)); JournalKeeper's
// InstallSnapshot RPC streams sequentially, so no chunk is ever applied
// out of order.
func (s *SnapshotSink) WriteChunk(offset int64, chunk []byte) error {
	if offset != int64(len(s.buf)) {
		return fmt.Errorf("statemachine: out-of-order snapshot chunk at offset %d, have %d bytes", offset, len(s.buf))
	}
	s.buf = append(s.buf, chunk...)
	return nil
}

// Install replaces the Host's state root with the assembled snapshot and
// advances lastApplied to lastIncludedIndex, per §4.3's applier contract.
// The recent-results cache is cleared since no ALL-level response can
// reference indices the snapshot subsumed.
func (s *SnapshotSink) Install(lastIncludedIndex, lastIncludedTerm int64) error {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	s.host.stateRoot = s.buf
	s.host.lastApplied = lastIncludedIndex
	s.host.results = make(map[int64][]byte)
	s.host.resultsFIFO = nil
	s.buf = nil
	return nil
}
