package journal

import (
	"bytes"
	"encoding/binary"
	"io"
)

func bufioReader(b []byte) io.Reader { return bytes.NewReader(b) }

func encodeVoterRecord(buf *bytes.Buffer, v VoterRecord) {
	binary.Write(buf, binary.BigEndian, v.CurrentTerm)
	writeBlob(buf, []byte(v.VotedFor))
	writeBlob(buf, []byte(v.LastKnownLeader))
}

func decodeVoterRecord(r io.Reader) (VoterRecord, error) {
	var v VoterRecord
	if err := binary.Read(r, binary.BigEndian, &v.CurrentTerm); err != nil {
		return v, err
	}
	votedFor, err := readBlob(r)
	if err != nil {
		return v, err
	}
	v.VotedFor = string(votedFor)
	leader, err := readBlob(r)
	if err != nil {
		return v, err
	}
	v.LastKnownLeader = string(leader)
	return v, nil
}

func encodeSnapshotMeta(buf *bytes.Buffer, m SnapshotMeta) {
	binary.Write(buf, binary.BigEndian, m.LastIncludedIndex)
	binary.Write(buf, binary.BigEndian, m.LastIncludedTerm)
	binary.Write(buf, binary.BigEndian, m.CreatedAt)
	writeBlob(buf, m.Configuration)
}

func decodeSnapshotMeta(r io.Reader) (SnapshotMeta, error) {
	var m SnapshotMeta
	for _, f := range []*int64{&m.LastIncludedIndex, &m.LastIncludedTerm, &m.CreatedAt} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return m, err
		}
	}
	cfg, err := readBlob(r)
	if err != nil {
		return m, err
	}
	m.Configuration = cfg
	return m, nil
}
