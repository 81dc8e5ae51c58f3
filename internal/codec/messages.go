package codec

import (
	"time"

	"github.com/hexiaofeng/journalkeeper/internal/journal"
)

// --- RequestVote ---------------------------------------------------------

// RequestVoteRequest is sent by a Candidate to solicit a vote, per §4.1.
type RequestVoteRequest struct {
	Term          int64
	CandidateID   string
	LastLogIndex  int64
	LastLogTerm   int64
}

func (m *RequestVoteRequest) TypeCode() TypeCode { return TypeRequestVoteRequest }

func (m *RequestVoteRequest) Encode(w *Writer) {
	w.WriteInt64(m.Term)
	w.WriteString(m.CandidateID)
	w.WriteInt64(m.LastLogIndex)
	w.WriteInt64(m.LastLogTerm)
}

func (m *RequestVoteRequest) Decode(r *Reader) error {
	m.Term = r.ReadInt64()
	m.CandidateID = r.ReadString()
	m.LastLogIndex = r.ReadInt64()
	m.LastLogTerm = r.ReadInt64()
	return r.Err()
}

// RequestVoteReply is the response to RequestVoteRequest.
type RequestVoteReply struct {
	Term        int64
	VoteGranted bool
	VoterID     string
}

func (m *RequestVoteReply) TypeCode() TypeCode { return TypeRequestVoteReply }

func (m *RequestVoteReply) Encode(w *Writer) {
	w.WriteInt64(m.Term)
	w.WriteBool(m.VoteGranted)
	w.WriteString(m.VoterID)
}

func (m *RequestVoteReply) Decode(r *Reader) error {
	m.Term = r.ReadInt64()
	m.VoteGranted = r.ReadBool()
	m.VoterID = r.ReadString()
	return r.Err()
}

// --- AppendEntries --------------------------------------------------------

// AppendEntriesRequest carries replicated entries (or none, as a
// heartbeat) from the Leader to a Follower, per §4.1.
type AppendEntriesRequest struct {
	Term         int64
	LeaderID     string
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []journal.LogEntry
	LeaderCommit int64
}

func (m *AppendEntriesRequest) TypeCode() TypeCode { return TypeAppendEntriesRequest }

func (m *AppendEntriesRequest) Encode(w *Writer) {
	w.WriteInt64(m.Term)
	w.WriteString(m.LeaderID)
	w.WriteInt64(m.PrevLogIndex)
	w.WriteInt64(m.PrevLogTerm)
	w.WriteUint32(uint32(len(m.Entries)))
	for _, e := range m.Entries {
		encodeLogEntry(w, e)
	}
	w.WriteInt64(m.LeaderCommit)
}

func (m *AppendEntriesRequest) Decode(r *Reader) error {
	m.Term = r.ReadInt64()
	m.LeaderID = r.ReadString()
	m.PrevLogIndex = r.ReadInt64()
	m.PrevLogTerm = r.ReadInt64()
	n := r.ReadUint32()
	if r.Err() != nil {
		return r.Err()
	}
	m.Entries = make([]journal.LogEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		e, err := decodeLogEntry(r)
		if err != nil {
			return err
		}
		m.Entries = append(m.Entries, e)
	}
	m.LeaderCommit = r.ReadInt64()
	return r.Err()
}

// AppendEntriesReply is the response to AppendEntriesRequest. ConflictTerm
// and ConflictIndex implement the term-jump optimization of §4.1: on
// mismatch the Leader can skip straight to the first index of the
// conflicting term instead of decrementing nextIndex one at a time.
type AppendEntriesReply struct {
	Term          int64
	Success       bool
	ConflictTerm  int64
	ConflictIndex int64
}

func (m *AppendEntriesReply) TypeCode() TypeCode { return TypeAppendEntriesReply }

func (m *AppendEntriesReply) Encode(w *Writer) {
	w.WriteInt64(m.Term)
	w.WriteBool(m.Success)
	w.WriteInt64(m.ConflictTerm)
	w.WriteInt64(m.ConflictIndex)
}

func (m *AppendEntriesReply) Decode(r *Reader) error {
	m.Term = r.ReadInt64()
	m.Success = r.ReadBool()
	m.ConflictTerm = r.ReadInt64()
	m.ConflictIndex = r.ReadInt64()
	return r.Err()
}

func encodeLogEntry(w *Writer, e journal.LogEntry) {
	w.WriteInt64(e.Term)
	w.WriteInt64(e.Index)
	w.WriteUint16(e.Partition)
	w.WriteUint32(e.BatchSize)
	w.WriteUint8(uint8(e.Kind))
	w.WriteInt64(e.Timestamp.UnixNano())
	w.WriteOptionalBytes(e.Header)
	w.WriteBytes(e.Payload)
}

func decodeLogEntry(r *Reader) (journal.LogEntry, error) {
	var e journal.LogEntry
	e.Term = r.ReadInt64()
	e.Index = r.ReadInt64()
	e.Partition = r.ReadUint16()
	e.BatchSize = r.ReadUint32()
	e.Kind = journal.EntryKind(r.ReadUint8())
	e.Timestamp = time.Unix(0, r.ReadInt64())
	e.Header = r.ReadOptionalBytes()
	e.Payload = r.ReadBytes()
	return e, r.Err()
}

// --- InstallSnapshot --------------------------------------------------------

// InstallSnapshotRequest streams one chunk of a snapshot to a Follower
// whose nextIndex precedes the Leader's first retained log index, per
// §4.1.
type InstallSnapshotRequest struct {
	Term              int64
	LeaderID          string
	LastIncludedIndex int64
	LastIncludedTerm  int64
	Configuration     []byte
	ChunkOffset       int64
	Chunk             []byte
	Done              bool
}

func (m *InstallSnapshotRequest) TypeCode() TypeCode { return TypeInstallSnapshotRequest }

func (m *InstallSnapshotRequest) Encode(w *Writer) {
	w.WriteInt64(m.Term)
	w.WriteString(m.LeaderID)
	w.WriteInt64(m.LastIncludedIndex)
	w.WriteInt64(m.LastIncludedTerm)
	w.WriteBytes(m.Configuration)
	w.WriteInt64(m.ChunkOffset)
	w.WriteBytes(m.Chunk)
	w.WriteBool(m.Done)
}

func (m *InstallSnapshotRequest) Decode(r *Reader) error {
	m.Term = r.ReadInt64()
	m.LeaderID = r.ReadString()
	m.LastIncludedIndex = r.ReadInt64()
	m.LastIncludedTerm = r.ReadInt64()
	m.Configuration = r.ReadBytes()
	m.ChunkOffset = r.ReadInt64()
	m.Chunk = r.ReadBytes()
	m.Done = r.ReadBool()
	return r.Err()
}

// InstallSnapshotReply is the response to InstallSnapshotRequest.
type InstallSnapshotReply struct {
	Term int64
}

func (m *InstallSnapshotReply) TypeCode() TypeCode { return TypeInstallSnapshotReply }

func (m *InstallSnapshotReply) Encode(w *Writer) { w.WriteInt64(m.Term) }

func (m *InstallSnapshotReply) Decode(r *Reader) error {
	m.Term = r.ReadInt64()
	return r.Err()
}

// --- UpdateClusterState (client proposal) -----------------------------------

// UpdateClusterStateRequest carries a client's batch of update requests to
// the Leader, per §4.4/§6.
type UpdateClusterStateRequest struct {
	CorrelationID string
	Entries       []journal.LogEntry
	ResponseLevel uint8 // see ResponseLevel constants below
	TransactionID string // empty outside a transaction
}

func (m *UpdateClusterStateRequest) TypeCode() TypeCode { return TypeUpdateClusterStateRequest }

func (m *UpdateClusterStateRequest) Encode(w *Writer) {
	w.WriteString(m.CorrelationID)
	w.WriteUint32(uint32(len(m.Entries)))
	for _, e := range m.Entries {
		encodeLogEntry(w, e)
	}
	w.WriteUint8(m.ResponseLevel)
	w.WriteString(m.TransactionID)
}

func (m *UpdateClusterStateRequest) Decode(r *Reader) error {
	m.CorrelationID = r.ReadString()
	n := r.ReadUint32()
	if r.Err() != nil {
		return r.Err()
	}
	m.Entries = make([]journal.LogEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		e, err := decodeLogEntry(r)
		if err != nil {
			return err
		}
		m.Entries = append(m.Entries, e)
	}
	m.ResponseLevel = r.ReadUint8()
	m.TransactionID = r.ReadString()
	return r.Err()
}

// UpdateClusterStateReply is the response to UpdateClusterStateRequest.
// NotLeaderHint is non-empty only when Err indicates NotLeader.
type UpdateClusterStateReply struct {
	ErrKind       uint8
	NotLeaderHint string
	Results       [][]byte // per-entry applied results, only populated at ResponseLevel ALL
}

func (m *UpdateClusterStateReply) TypeCode() TypeCode { return TypeUpdateClusterStateReply }

func (m *UpdateClusterStateReply) Encode(w *Writer) {
	w.WriteUint8(m.ErrKind)
	w.WriteString(m.NotLeaderHint)
	w.WriteUint32(uint32(len(m.Results)))
	for _, r := range m.Results {
		w.WriteBytes(r)
	}
}

func (m *UpdateClusterStateReply) Decode(r *Reader) error {
	m.ErrKind = r.ReadUint8()
	m.NotLeaderHint = r.ReadString()
	n := r.ReadUint32()
	if r.Err() != nil {
		return r.Err()
	}
	m.Results = make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		m.Results = append(m.Results, r.ReadBytes())
	}
	return r.Err()
}

// --- QueryClusterState -------------------------------------------------------

// QueryClusterStateRequest carries a strongly- or sequentially-consistent
// read, per §4.5/§6.
type QueryClusterStateRequest struct {
	CorrelationID string
	Query         []byte
	Sequential    bool // false = Strong (leader-routed)
}

func (m *QueryClusterStateRequest) TypeCode() TypeCode { return TypeQueryClusterStateRequest }

func (m *QueryClusterStateRequest) Encode(w *Writer) {
	w.WriteString(m.CorrelationID)
	w.WriteBytes(m.Query)
	w.WriteBool(m.Sequential)
}

func (m *QueryClusterStateRequest) Decode(r *Reader) error {
	m.CorrelationID = r.ReadString()
	m.Query = r.ReadBytes()
	m.Sequential = r.ReadBool()
	return r.Err()
}

// QueryClusterStateReply is the response to QueryClusterStateRequest.
type QueryClusterStateReply struct {
	ErrKind       uint8
	NotLeaderHint string
	Result        []byte
}

func (m *QueryClusterStateReply) TypeCode() TypeCode { return TypeQueryClusterStateReply }

func (m *QueryClusterStateReply) Encode(w *Writer) {
	w.WriteUint8(m.ErrKind)
	w.WriteString(m.NotLeaderHint)
	w.WriteBytes(m.Result)
}

func (m *QueryClusterStateReply) Decode(r *Reader) error {
	m.ErrKind = r.ReadUint8()
	m.NotLeaderHint = r.ReadString()
	m.Result = r.ReadBytes()
	return r.Err()
}

// --- DisableLeaderWrite ------------------------------------------------------

// DisableLeaderWriteRequest is the maintenance RPC of §4.1/§8-scenario-5.
// Its byte layout is fixed by the spec: 8 bytes big-endian TimeoutMs
// followed by 4 bytes big-endian Term.
type DisableLeaderWriteRequest struct {
	TimeoutMs int64
	Term      int32
}

func (m *DisableLeaderWriteRequest) TypeCode() TypeCode { return TypeDisableLeaderWriteRequest }

func (m *DisableLeaderWriteRequest) Encode(w *Writer) {
	w.WriteInt64(m.TimeoutMs)
	w.WriteInt32(m.Term)
}

func (m *DisableLeaderWriteRequest) Decode(r *Reader) error {
	m.TimeoutMs = r.ReadInt64()
	m.Term = r.ReadInt32()
	return r.Err()
}

// DisableLeaderWriteReply is the response to DisableLeaderWriteRequest.
type DisableLeaderWriteReply struct {
	Acknowledged bool
}

func (m *DisableLeaderWriteReply) TypeCode() TypeCode { return TypeDisableLeaderWriteReply }

func (m *DisableLeaderWriteReply) Encode(w *Writer) { w.WriteBool(m.Acknowledged) }

func (m *DisableLeaderWriteReply) Decode(r *Reader) error {
	m.Acknowledged = r.ReadBool()
	return r.Err()
}

// --- Transaction session (§4.4/§6) ------------------------------------------

// TransactionOp selects which of the five transaction-session operations
// of §6 a TransactionRequest performs: opening a session, buffering an
// entry into it, committing it atomically, discarding it, or listing the
// open sessions.
type TransactionOp uint8

const (
	TxnBegin TransactionOp = iota
	TxnUpdate
	TxnCommit
	TxnRollback
	TxnList
)

// TransactionRequest carries one transaction-session operation to the
// Leader that owns the session, per §3's Transaction lifecycle and
// §4.5's "pin to the leader that created the transaction" rule.
// TransactionID is empty only for TxnBegin, whose reply carries the
// newly assigned id. Partition and Payload are meaningful only for
// TxnBegin (partition) and TxnUpdate (payload); ResponseLevel is
// meaningful only for TxnCommit.
type TransactionRequest struct {
	Op            TransactionOp
	TransactionID string
	Partition     uint16
	Payload       []byte
	ResponseLevel uint8
}

func (m *TransactionRequest) TypeCode() TypeCode { return TypeTransactionRequest }

func (m *TransactionRequest) Encode(w *Writer) {
	w.WriteUint8(uint8(m.Op))
	w.WriteString(m.TransactionID)
	w.WriteUint16(m.Partition)
	w.WriteBytes(m.Payload)
	w.WriteUint8(m.ResponseLevel)
}

func (m *TransactionRequest) Decode(r *Reader) error {
	m.Op = TransactionOp(r.ReadUint8())
	m.TransactionID = r.ReadString()
	m.Partition = r.ReadUint16()
	m.Payload = r.ReadBytes()
	m.ResponseLevel = r.ReadUint8()
	return r.Err()
}

// TransactionReply is the response to every TransactionRequest op.
// TransactionID echoes the session id (freshly assigned for TxnBegin).
// Results is populated only by a TxnCommit at ResponseLevel ALL, and
// OpeningIDs is populated only by a TxnList request.
type TransactionReply struct {
	ErrKind       uint8
	NotLeaderHint string
	TransactionID string
	Results       [][]byte
	OpeningIDs    []string
}

func (m *TransactionReply) TypeCode() TypeCode { return TypeTransactionReply }

func (m *TransactionReply) Encode(w *Writer) {
	w.WriteUint8(m.ErrKind)
	w.WriteString(m.NotLeaderHint)
	w.WriteString(m.TransactionID)
	w.WriteUint32(uint32(len(m.Results)))
	for _, r := range m.Results {
		w.WriteBytes(r)
	}
	w.WriteUint32(uint32(len(m.OpeningIDs)))
	for _, id := range m.OpeningIDs {
		w.WriteString(id)
	}
}

func (m *TransactionReply) Decode(r *Reader) error {
	m.ErrKind = r.ReadUint8()
	m.NotLeaderHint = r.ReadString()
	m.TransactionID = r.ReadString()
	n := r.ReadUint32()
	if r.Err() != nil {
		return r.Err()
	}
	m.Results = make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		m.Results = append(m.Results, r.ReadBytes())
	}
	k := r.ReadUint32()
	if r.Err() != nil {
		return r.Err()
	}
	m.OpeningIDs = make([]string, 0, k)
	for i := uint32(0); i < k; i++ {
		m.OpeningIDs = append(m.OpeningIDs, r.ReadString())
	}
	return r.Err()
}

// ResponseLevel values for UpdateClusterStateRequest.ResponseLevel, per
// §3/§6.
const (
	ResponseLevelReceive uint8 = iota
	ResponseLevelPersistence
	ResponseLevelReplication
	ResponseLevelAll
)

// --- Cluster membership (§6 getServers/updateVoters/convertRoll) -----------

// GetServersRequest asks any server (leadership is not required) for the
// configuration it currently holds, per §6's getServers().
type GetServersRequest struct{}

func (m *GetServersRequest) TypeCode() TypeCode { return TypeGetServersRequest }
func (m *GetServersRequest) Encode(w *Writer)   {}
func (m *GetServersRequest) Decode(r *Reader) error { return r.Err() }

// GetServersReply reports the active voter set, any in-flight joint-
// consensus New set, and the observer list.
type GetServersReply struct {
	ErrKind       uint8
	NotLeaderHint string
	Voters        []string
	JointVoters   []string // nil outside joint consensus
	Observers     []string
}

func (m *GetServersReply) TypeCode() TypeCode { return TypeGetServersReply }

func (m *GetServersReply) Encode(w *Writer) {
	w.WriteUint8(m.ErrKind)
	w.WriteString(m.NotLeaderHint)
	writeStringSlice(w, m.Voters)
	w.WriteBool(m.JointVoters != nil)
	if m.JointVoters != nil {
		writeStringSlice(w, m.JointVoters)
	}
	writeStringSlice(w, m.Observers)
}

func (m *GetServersReply) Decode(r *Reader) error {
	m.ErrKind = r.ReadUint8()
	m.NotLeaderHint = r.ReadString()
	m.Voters = readStringSlice(r)
	if r.ReadBool() {
		m.JointVoters = readStringSlice(r)
	}
	m.Observers = readStringSlice(r)
	return r.Err()
}

// UpdateClusterConfigRequest proposes a joint-consensus voter-set change,
// per §6's updateVoters(old, new).
type UpdateClusterConfigRequest struct {
	OldVoters []string
	NewVoters []string
}

func (m *UpdateClusterConfigRequest) TypeCode() TypeCode { return TypeUpdateClusterConfigRequest }

func (m *UpdateClusterConfigRequest) Encode(w *Writer) {
	writeStringSlice(w, m.OldVoters)
	writeStringSlice(w, m.NewVoters)
}

func (m *UpdateClusterConfigRequest) Decode(r *Reader) error {
	m.OldVoters = readStringSlice(r)
	m.NewVoters = readStringSlice(r)
	return r.Err()
}

// UpdateClusterConfigReply is the response to UpdateClusterConfigRequest.
// Index is the journal index at which the Leader appended and adopted the
// configuration entry; the reply is sent before that entry commits.
type UpdateClusterConfigReply struct {
	ErrKind       uint8
	NotLeaderHint string
	Index         int64
}

func (m *UpdateClusterConfigReply) TypeCode() TypeCode { return TypeUpdateClusterConfigReply }

func (m *UpdateClusterConfigReply) Encode(w *Writer) {
	w.WriteUint8(m.ErrKind)
	w.WriteString(m.NotLeaderHint)
	w.WriteInt64(m.Index)
}

func (m *UpdateClusterConfigReply) Decode(r *Reader) error {
	m.ErrKind = r.ReadUint8()
	m.NotLeaderHint = r.ReadString()
	m.Index = r.ReadInt64()
	return r.Err()
}

// ConvertRollRequest relabels a single server between voter and observer,
// per §6's convertRoll(uri, roll).
type ConvertRollRequest struct {
	URI     string
	ToVoter bool
}

func (m *ConvertRollRequest) TypeCode() TypeCode { return TypeConvertRollRequest }

func (m *ConvertRollRequest) Encode(w *Writer) {
	w.WriteString(m.URI)
	w.WriteBool(m.ToVoter)
}

func (m *ConvertRollRequest) Decode(r *Reader) error {
	m.URI = r.ReadString()
	m.ToVoter = r.ReadBool()
	return r.Err()
}

// ConvertRollReply is the response to ConvertRollRequest.
type ConvertRollReply struct {
	ErrKind       uint8
	NotLeaderHint string
	Index         int64
}

func (m *ConvertRollReply) TypeCode() TypeCode { return TypeConvertRollReply }

func (m *ConvertRollReply) Encode(w *Writer) {
	w.WriteUint8(m.ErrKind)
	w.WriteString(m.NotLeaderHint)
	w.WriteInt64(m.Index)
}

func (m *ConvertRollReply) Decode(r *Reader) error {
	m.ErrKind = r.ReadUint8()
	m.NotLeaderHint = r.ReadString()
	m.Index = r.ReadInt64()
	return r.Err()
}

func writeStringSlice(w *Writer, ss []string) {
	w.WriteUint32(uint32(len(ss)))
	for _, s := range ss {
		w.WriteString(s)
	}
}

func readStringSlice(r *Reader) []string {
	n := r.ReadUint32()
	if r.Err() != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, r.ReadString())
	}
	return out
}

// Error kind codes for *Reply.ErrKind, per §7. Zero means no error.
const (
	ErrKindNone uint8 = iota
	ErrKindNotLeader
	ErrKindLeaderWriteDisabled
	ErrKindTimeout
	ErrKindTransactionInvalidated
	ErrKindStopped
	ErrKindStorageFault
	ErrKindConfigurationConflict
)
