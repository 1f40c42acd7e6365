package wire

import (
	"encoding/binary"
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// QueueEntry is the unit pushed to the framed log queue (B) by the
// commit pipeline (spec.md §4.5 step 4: "Frame a log-queue record
// {log-id, version, knownCommittedVersion, messages} and push to
// (B)"), and replayed from it during recovery (spec.md §4.8 step 4,
// TLogQueueEntry).
type QueueEntry struct {
	LogID                  uuid.UUID
	Version                int64
	KnownCommittedVersion  int64
	Messages               []byte
}

// Encode serializes e as the version-prefixed payload spec.md §6.5
// describes: log-id, version, knownCommittedVersion, then the raw
// messages blob (itself already framed per message by wire.Message).
// The outer u32-length/u8-valid record wrapper is applied by the
// logqueue package, one layer up, exactly as (B) wraps (A) in the
// component diagram.
func (e QueueEntry) Encode() []byte {
	buf := make([]byte, 16+8+8+4, 16+8+8+4+len(e.Messages))
	copy(buf[0:16], e.LogID.Bytes())
	binary.BigEndian.PutUint64(buf[16:24], uint64(e.Version))
	binary.BigEndian.PutUint64(buf[24:32], uint64(e.KnownCommittedVersion))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(e.Messages)))
	buf = append(buf, e.Messages...)
	return buf
}

func DecodeQueueEntry(buf []byte) (QueueEntry, error) {
	if len(buf) < 36 {
		return QueueEntry{}, fmt.Errorf("wire: short queue entry (%d bytes)", len(buf))
	}

	id, err := uuid.FromBytes(buf[0:16])
	if err != nil {
		return QueueEntry{}, fmt.Errorf("wire: bad queue entry log id: %v", err)
	}

	version := int64(binary.BigEndian.Uint64(buf[16:24]))
	known := int64(binary.BigEndian.Uint64(buf[24:32]))
	length := binary.LittleEndian.Uint32(buf[32:36])

	rest := buf[36:]
	if uint32(len(rest)) < length {
		return QueueEntry{}, fmt.Errorf("wire: short queue entry messages (want %d, have %d)", length, len(rest))
	}

	return QueueEntry{
		LogID:                 id,
		Version:               version,
		KnownCommittedVersion: known,
		Messages:              append([]byte(nil), rest[:length]...),
	}, nil
}
