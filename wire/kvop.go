package wire

import (
	"encoding/binary"
	"fmt"
)

// OpCode identifies a memory KV store (component C) log record, per
// spec.md §4.2's "buffered into an op queue (set / clear-range /
// clear-to-end)" plus its snapshot and recovery markers.
type OpCode uint32

const (
	OpSet OpCode = iota
	OpClearRange
	OpClearToEnd
	OpCommit
	OpSnapshotItem
	OpSnapshotEnd
	OpSnapshotAbort
	OpRollback
)

func (c OpCode) String() string {
	switch c {
	case OpSet:
		return "Set"
	case OpClearRange:
		return "ClearRange"
	case OpClearToEnd:
		return "ClearToEnd"
	case OpCommit:
		return "Commit"
	case OpSnapshotItem:
		return "SnapshotItem"
	case OpSnapshotEnd:
		return "SnapshotEnd"
	case OpSnapshotAbort:
		return "SnapshotAbort"
	case OpRollback:
		return "Rollback"
	default:
		return fmt.Sprintf("OpCode(%d)", uint32(c))
	}
}

// opTerminator is the fixed trailer spec.md §4.2 appends to every
// operation record: "then one terminator byte 0x01". Unlike the framed
// log queue's per-record valid byte (§4.1), this is not a corruption
// marker, just a fixed sentinel kvstore's reader uses as a sanity
// check between records.
const opTerminator = byte(0x01)

// OpRecord is one operation log entry (component C). Payload1/Payload2
// hold whichever of {key, value, rangeStart, rangeEnd} the op code
// needs; unused slots are left nil.
type OpRecord struct {
	Code     OpCode
	Payload1 []byte
	Payload2 []byte
}

func SetRecord(key, value []byte) OpRecord {
	return OpRecord{Code: OpSet, Payload1: key, Payload2: value}
}

func ClearRangeRecord(start, end []byte) OpRecord {
	return OpRecord{Code: OpClearRange, Payload1: start, Payload2: end}
}

func ClearToEndRecord(from []byte) OpRecord {
	return OpRecord{Code: OpClearToEnd, Payload1: from}
}

func SnapshotItemRecord(key, value []byte) OpRecord {
	return OpRecord{Code: OpSnapshotItem, Payload1: key, Payload2: value}
}

func CommitRecord() OpRecord        { return OpRecord{Code: OpCommit} }
func SnapshotEndRecord() OpRecord    { return OpRecord{Code: OpSnapshotEnd} }
func SnapshotAbortRecord() OpRecord  { return OpRecord{Code: OpSnapshotAbort} }
func RollbackRecord() OpRecord       { return OpRecord{Code: OpRollback} }

// Encode lays out the record exactly as spec.md §4.2 describes: a
// {u32 op-code, u32 len1, u32 len2} header, payload1, payload2, then
// the terminator byte.
func (r OpRecord) Encode() []byte {
	buf := make([]byte, 12, 12+len(r.Payload1)+len(r.Payload2)+1)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Code))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(r.Payload1)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Payload2)))
	buf = append(buf, r.Payload1...)
	buf = append(buf, r.Payload2...)
	buf = append(buf, opTerminator)
	return buf
}

// DecodeOpRecord parses one record from the head of buf, returning the
// record and the number of bytes it consumed.
func DecodeOpRecord(buf []byte) (OpRecord, int, error) {
	if len(buf) < 12 {
		return OpRecord{}, 0, fmt.Errorf("wire: short op record header (%d bytes)", len(buf))
	}

	code := OpCode(binary.LittleEndian.Uint32(buf[0:4]))
	len1 := binary.LittleEndian.Uint32(buf[4:8])
	len2 := binary.LittleEndian.Uint32(buf[8:12])

	need := 12 + int(len1) + int(len2) + 1
	if len(buf) < need {
		return OpRecord{}, 0, fmt.Errorf("wire: short op record body (want %d, have %d)", need, len(buf))
	}

	p1 := append([]byte(nil), buf[12:12+len1]...)
	p2 := append([]byte(nil), buf[12+len1:12+len1+len2]...)

	if buf[need-1] != opTerminator {
		return OpRecord{}, 0, fmt.Errorf("wire: op record missing terminator byte")
	}

	return OpRecord{Code: code, Payload1: p1, Payload2: p2}, need, nil
}
