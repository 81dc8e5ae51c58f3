package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// segmentHeader is written at the start of every segment file, matching
// §6's persisted-state layout: "journal entry files segmented by index
// ranges, with a header per segment containing {firstIndex, firstTerm,
// createdAt}".
type segmentHeader struct {
	FirstIndex int64
	FirstTerm  int64
	CreatedAt  int64
}

const (
	segmentMagic      uint32 = 0x4a4b4c47 // "JKLG"
	defaultSegmentCap        = 8192 // entries per segment before rolling
)

// FileStore is a segmented, append-only flat-file journal, generalizing
// the single-file WriteLogs/ReadLogs/ReadTerm/WriteTerm persistence in the
// teacher's internal/node/node.go to multiple rolling segments, partitions,
// truncation, and compaction.
type FileStore struct {
	mu sync.Mutex

	dir        string
	segmentCap int

	segments []*segment // ordered by FirstIndex, ascending
	lastIdx  int64       // 0 if empty
	firstIdx int64       // 1 if nothing compacted

	voterPath    string
	snapshotPath string
	snapMeta     SnapshotMeta
	haveSnapMeta bool
}

type segment struct {
	header segmentHeader
	path   string
	file   *os.File
	// not populated; ReadAt locates entries through the entries slice
	offsets []int64
	entries []LogEntry
}

// NewFileStore opens (or creates) a segmented journal rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "segments"), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create data dir: %w", err)
	}
	fs := &FileStore{
		dir:          dir,
		segmentCap:   defaultSegmentCap,
		voterPath:    filepath.Join(dir, "voter"),
		snapshotPath: filepath.Join(dir, "snapshot.meta"),
		firstIdx:     1,
	}
	if err := fs.loadSegments(); err != nil {
		return nil, err
	}
	if err := fs.loadSnapshotMeta(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) loadSegments() error {
	dir := filepath.Join(fs.dir, "segments")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("journal: list segments: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		seg, err := openSegment(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("journal: open segment %s: %w", name, err)
		}
		fs.segments = append(fs.segments, seg)
		if len(seg.entries) > 0 {
			fs.lastIdx = seg.entries[len(seg.entries)-1].Index
			if fs.firstIdx == 1 && len(fs.segments) == 1 {
				fs.firstIdx = seg.entries[0].Index
			}
		}
	}
	return nil
}

func openSegment(path string) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	seg := &segment{path: path, file: f}

	r := bufio.NewReader(f)
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		if err == io.EOF {
			return seg, nil // freshly created, empty segment
		}
		return nil, err
	}
	if magic != segmentMagic {
		return nil, fmt.Errorf("bad segment magic in %s", path)
	}
	hdr, err := readSegmentHeader(r)
	if err != nil {
		return nil, err
	}
	seg.header = hdr

	for {
		e, err := readDiskEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("truncated segment tail, stopping replay")
			break
		}
		seg.entries = append(seg.entries, e)
	}
	return seg, nil
}

func readSegmentHeader(r io.Reader) (segmentHeader, error) {
	var hdr segmentHeader
	for _, f := range []*int64{&hdr.FirstIndex, &hdr.FirstTerm, &hdr.CreatedAt} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return hdr, err
		}
	}
	return hdr, nil
}

func writeSegmentHeader(w io.Writer, hdr segmentHeader) error {
	if err := binary.Write(w, binary.BigEndian, segmentMagic); err != nil {
		return err
	}
	for _, v := range []int64{hdr.FirstIndex, hdr.FirstTerm, hdr.CreatedAt} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return nil
}

// readDiskEntry/writeDiskEntry are a compact, self-contained binary
// encoding for on-disk entries. They deliberately do not share the
// internal/codec Writer/Reader types: codec's Message implementations
// import journal.LogEntry for wire framing, so journal cannot import
// codec back without a cycle. The two encodings are allowed to diverge;
// on-disk format and wire format are different concerns even though both
// happen to be big-endian length-prefixed binary.
func writeDiskEntry(w io.Writer, e LogEntry) error {
	fields := []int64{e.Term, e.Index, int64(e.Partition), int64(e.BatchSize), int64(e.Kind), e.Timestamp.UnixNano()}
	for _, v := range fields {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	if err := writeBlob(w, e.Header); err != nil {
		return err
	}
	return writeBlob(w, e.Payload)
}

func writeBlob(w io.Writer, b []byte) error {
	present := b != nil
	if err := binary.Write(w, binary.BigEndian, present); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readDiskEntry(r io.Reader) (LogEntry, error) {
	var e LogEntry
	var partition, batchSize, kind, ts int64
	fields := []*int64{&e.Term, &e.Index, &partition, &batchSize, &kind, &ts}
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return LogEntry{}, err
		}
	}
	e.Partition = uint16(partition)
	e.BatchSize = uint32(batchSize)
	e.Kind = EntryKind(kind)
	e.Timestamp = time.Unix(0, ts)

	hdr, err := readBlob(r)
	if err != nil {
		return LogEntry{}, err
	}
	e.Header = hdr
	payload, err := readBlob(r)
	if err != nil {
		return LogEntry{}, err
	}
	e.Payload = payload
	return e, nil
}

func readBlob(r io.Reader) ([]byte, error) {
	var present bool
	if err := binary.Read(r, binary.BigEndian, &present); err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if !present {
		// still consume the (zero-length) body for forward-compat
		if n == 0 {
			return nil, nil
		}
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return b, nil
}

func (fs *FileStore) currentSegment() (*segment, error) {
	if len(fs.segments) == 0 || len(fs.segments[len(fs.segments)-1].entries) >= fs.segmentCap {
		return fs.rollSegment()
	}
	return fs.segments[len(fs.segments)-1], nil
}

func (fs *FileStore) rollSegment() (*segment, error) {
	next := fs.lastIdx + 1
	path := filepath.Join(fs.dir, "segments", fmt.Sprintf("%020d.seg", next))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: roll segment: %w", err)
	}
	hdr := segmentHeader{FirstIndex: next, CreatedAt: time.Now().UnixNano()}
	if err := writeSegmentHeader(f, hdr); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	seg := &segment{header: hdr, path: path, file: f}
	fs.segments = append(fs.segments, seg)
	return seg, nil
}

// Append implements journal.Store.
func (fs *FileStore) Append(entry LogEntry) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	seg, err := fs.currentSegment()
	if err != nil {
		return 0, err
	}
	if len(seg.entries) == 0 {
		seg.header.FirstTerm = entry.Term
	}
	if err := writeDiskEntry(seg.file, entry); err != nil {
		return 0, fmt.Errorf("journal: append: %w", err)
	}
	if err := seg.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: fsync: %w", err)
	}
	seg.entries = append(seg.entries, entry)
	fs.lastIdx = entry.Index
	return entry.Index, nil
}

func (fs *FileStore) findSegment(index int64) *segment {
	// segments are ordered by FirstIndex ascending; a linear scan is fine
	// at realistic segment counts (thousands of segments at most).
	for i := len(fs.segments) - 1; i >= 0; i-- {
		if index >= fs.segments[i].header.FirstIndex || i == 0 {
			return fs.segments[i]
		}
	}
	return nil
}

// ReadAt implements journal.Store.
func (fs *FileStore) ReadAt(index int64) (LogEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if index < fs.firstIdx || index > fs.lastIdx {
		return LogEntry{}, ErrNotFound
	}
	seg := fs.findSegment(index)
	if seg == nil {
		return LogEntry{}, ErrNotFound
	}
	for _, e := range seg.entries {
		if e.Index == index {
			return e, nil
		}
	}
	return LogEntry{}, ErrNotFound
}

// ReadRange implements journal.Store.
func (fs *FileStore) ReadRange(from, to int64) ([]LogEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if from < fs.firstIdx {
		from = fs.firstIdx
	}
	var out []LogEntry
	for _, seg := range fs.segments {
		for _, e := range seg.entries {
			if e.Index >= from && e.Index <= to {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// TruncateAfter implements journal.Store. Only valid on a Follower
// reconciling with a Leader; callers must not call this concurrently with
// Append on the same store.
func (fs *FileStore) TruncateAfter(index int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kept := fs.segments[:0:0]
	for _, seg := range fs.segments {
		if seg.header.FirstIndex > index {
			if err := seg.file.Close(); err != nil {
				return err
			}
			if err := os.Remove(seg.path); err != nil {
				return err
			}
			continue
		}
		newEntries := seg.entries[:0:0]
		for _, e := range seg.entries {
			if e.Index <= index {
				newEntries = append(newEntries, e)
			}
		}
		if len(newEntries) != len(seg.entries) {
			if err := rewriteSegment(seg, newEntries); err != nil {
				return err
			}
		}
		kept = append(kept, seg)
	}
	fs.segments = kept
	fs.lastIdx = index
	if index < fs.firstIdx-1 {
		fs.lastIdx = fs.firstIdx - 1
	}
	return nil
}

func rewriteSegment(seg *segment, entries []LogEntry) error {
	if err := seg.file.Truncate(0); err != nil {
		return err
	}
	if _, err := seg.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := writeSegmentHeader(seg.file, seg.header); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeDiskEntry(seg.file, e); err != nil {
			return err
		}
	}
	if err := seg.file.Sync(); err != nil {
		return err
	}
	seg.entries = entries
	return nil
}

// FirstIndex implements journal.Store.
func (fs *FileStore) FirstIndex() (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.firstIdx, nil
}

// LastIndex implements journal.Store.
func (fs *FileStore) LastIndex() (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lastIdx, nil
}

// Compact implements journal.Store: drops whole segments that end at or
// below meta.LastIncludedIndex and records the new snapshot boundary.
func (fs *FileStore) Compact(meta SnapshotMeta) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var kept []*segment
	for _, seg := range fs.segments {
		lastInSeg := seg.header.FirstIndex - 1
		if len(seg.entries) > 0 {
			lastInSeg = seg.entries[len(seg.entries)-1].Index
		}
		if lastInSeg <= meta.LastIncludedIndex && len(seg.entries) > 0 {
			if err := seg.file.Close(); err != nil {
				return err
			}
			if err := os.Remove(seg.path); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, seg)
	}
	fs.segments = kept
	fs.firstIdx = meta.LastIncludedIndex + 1
	if fs.lastIdx < fs.firstIdx-1 {
		fs.lastIdx = fs.firstIdx - 1
	}
	fs.snapMeta = meta
	fs.haveSnapMeta = true
	return fs.saveSnapshotMeta()
}

// SnapshotMeta implements journal.Store.
func (fs *FileStore) SnapshotMeta() (SnapshotMeta, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.snapMeta, fs.haveSnapMeta, nil
}

func (fs *FileStore) loadSnapshotMeta() error {
	b, err := os.ReadFile(fs.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	r := bufioReader(b)
	meta, err := decodeSnapshotMeta(r)
	if err != nil {
		log.Warn().Err(err).Msg("journal: failed to parse snapshot metadata, treating as absent")
		return nil
	}
	fs.snapMeta = meta
	fs.haveSnapMeta = true
	return nil
}

func (fs *FileStore) saveSnapshotMeta() error {
	var buf bytes.Buffer
	encodeSnapshotMeta(&buf, fs.snapMeta)
	tmp := fs.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.snapshotPath) // atomic rename on completion, per §6
}

// VoterRecord implements journal.Store.
func (fs *FileStore) VoterRecord() (VoterRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	b, err := os.ReadFile(fs.voterPath)
	if err != nil {
		if os.IsNotExist(err) {
			return VoterRecord{}, nil
		}
		return VoterRecord{}, err
	}
	r := bufioReader(b)
	return decodeVoterRecord(r)
}

// SaveVoterRecord implements journal.Store, fsyncing on every mutation
// per §6.
func (fs *FileStore) SaveVoterRecord(v VoterRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var buf bytes.Buffer
	encodeVoterRecord(&buf, v)
	f, err := os.OpenFile(fs.voterPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.Sync()
}

// Close implements journal.Store.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for _, seg := range fs.segments {
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
