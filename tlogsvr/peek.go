package tlogsvr

import (
	"encoding/binary"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/pkopriv2/txlog/tag"
	"github.com/pkopriv2/txlog/tagindex"
	"github.com/pkopriv2/txlog/wire"
)

// DesiredTotalBytes bounds how much a single peek reply accumulates
// before cutting a continuation, per spec.md §4.6.
const DesiredTotalBytes = 1 << 20

// MaxBatchesPerPeek caps how many SpilledData batch rows one spilled
// peek reads: at most MaxBatchesPerPeek+1, and when that many come back
// the reply stops early at the last version they cover.
const MaxBatchesPerPeek = 8

// PeekSequence is the optional (peer-id, seq) pair of spec.md §6.1.
type PeekSequence struct {
	Peer uuid.UUID
	Seq  int32
}

// PeekRequest mirrors spec.md §6.1's TLogPeekRequest.
type PeekRequest struct {
	Begin           int64
	Tag             tag.Tag
	ReturnIfBlocked bool
	OnlySpilled     bool
	Sequence        *PeekSequence
}

// PeekReply mirrors spec.md §6.1's TLogPeekReply.
type PeekReply struct {
	Messages                 []byte
	Begin                    int64
	End                      int64
	Popped                   *int64
	MaxKnownVersion          int64
	MinKnownCommittedVersion int64
	OnlySpilled              bool
}

// Peek implements the peek pipeline, spec.md §4.6.
func (l *LogData) Peek(req PeekRequest) (PeekReply, error) {
	begin := req.Begin
	var seq *PeekSequence
	if req.Sequence != nil {
		seq = req.Sequence
		var err error
		begin, err = l.tracker.WaitForPredecessor(seq.Peer, seq.Seq, begin)
		if err != nil {
			return PeekReply{}, err
		}
	}

	if req.ReturnIfBlocked && l.Version.Get() < begin {
		return PeekReply{}, ErrEndOfStream
	}

	if _, alive := l.Version.WaitUntil(begin); !alive {
		return PeekReply{}, ErrWorkerRemoved
	}

	effective := req.Tag
	if effective.IsLogRouter() {
		effective = tag.Tag{Locality: tag.LocalityLogRouter, Id: effective.EffectiveRouterId(l.Index.RouterCount)}
	}

	ts := l.Index.Tag(effective)

	if ts.Popped > begin {
		popped := ts.Popped
		reply := PeekReply{
			Messages:                 nil,
			Begin:                    begin,
			End:                      popped,
			Popped:                   &popped,
			MaxKnownVersion:          l.Version.Get(),
			MinKnownCommittedVersion: l.KnownCommittedVersion.Get(),
			OnlySpilled:              req.OnlySpilled,
		}
		l.registerSequence(seq, reply.End)
		return reply, nil
	}

	endVersion := l.Version.Get() + 1
	onlySpilledOut := false
	var out []byte

	durable := l.Spill.PersistentDataDurableVersion

	if req.OnlySpilled {
		endVersion = durable + 1
	}

	if begin <= durable {
		var lastVersion int64
		var gotAny bool

		if effective.IsTxs() {
			out, lastVersion, gotAny, onlySpilledOut = l.peekSpilledByValue(effective, begin, durable)
		} else {
			out, lastVersion, gotAny, onlySpilledOut = l.peekSpilledByReference(effective, begin, durable)
		}

		if onlySpilledOut && gotAny {
			endVersion = lastVersion + 1
		}
	}

	if !onlySpilledOut && !req.OnlySpilled {
		memBegin := begin
		if durable+1 > memBegin {
			memBegin = durable + 1
		}
		mem, cut := l.peekMemory(ts, memBegin)
		out = append(out, mem...)
		if cut >= 0 {
			endVersion = cut + 1
		}
	}

	reply := PeekReply{
		Messages:                 out,
		Begin:                    begin,
		End:                      endVersion,
		MaxKnownVersion:          l.Version.Get(),
		MinKnownCommittedVersion: l.KnownCommittedVersion.Get(),
		OnlySpilled:              onlySpilledOut,
	}
	l.registerSequence(seq, reply.End)
	return reply, nil
}

func (l *LogData) registerSequence(seq *PeekSequence, end int64) {
	if seq == nil {
		return
	}
	l.tracker.Register(seq.Peer, seq.Seq, end)
}

// peekSpilledByValue implements spec.md §4.6 step 6's system-txn path:
// read (C) range [K(log-id,T,begin), K(log-id,T,durable+1)) limited by
// DesiredTotalBytes, emitting int32(-1)|version|raw-value groups.
func (l *LogData) peekSpilledByValue(t tag.Tag, begin, durable int64) ([]byte, int64, bool, bool) {
	start := wire.TagMsgKey(l.Spill.LogID, t, begin)
	end := wire.TagMsgKey(l.Spill.LogID, t, durable+1)

	rows, err := l.Spill.KV.ReadRange(start, end, 0)
	if err != nil || len(rows) == 0 {
		return nil, 0, false, false
	}

	var out []byte
	var total int
	var lastVersion int64
	cappedEarly := false

	for _, row := range rows {
		version := decodeTrailingVersion(row.Key)
		out = append(out, wire.EncodeVersionGroupHeader(version)...)
		out = append(out, row.Value...)
		total += len(row.Value)
		lastVersion = version

		if total >= DesiredTotalBytes {
			cappedEarly = true
			break
		}
	}

	return out, lastVersion, true, cappedEarly
}

// peekSpilledByReference implements spec.md §4.6 step 6's general
// path: read SpilledData batch rows, issue range reads against the log
// queue for each [start, start+length), re-parse each framed entry to
// keep only messages addressed to this tag. A log-router tag fans
// messages across RouterCount deques, so a single peek can name far
// more batch rows than an ordinary tag; those range reads are bounded
// through routerReadPool rather than issued one at a time inline.
func (l *LogData) peekSpilledByReference(t tag.Tag, begin, durable int64) ([]byte, int64, bool, bool) {
	prefix := wire.TagMsgRefPrefix(l.Spill.LogID, t)
	startKey := wire.TagMsgRefKey(l.Spill.LogID, t, begin)
	endKey := wire.PrefixUpperBound(prefix)

	rows, err := l.Spill.KV.ReadRange(startKey, endKey, MaxBatchesPerPeek+1)
	if err != nil || len(rows) == 0 {
		return nil, 0, false, false
	}

	var entries []wire.SpilledData
	for _, row := range rows {
		vec, err := wire.DecodeSpilledDataVector(row.Value)
		if err != nil {
			continue
		}
		for _, sd := range vec {
			if sd.Version < begin || sd.Version > durable {
				continue
			}
			entries = append(entries, sd)
		}
	}

	raws := l.fetchRanges(t, entries)

	var out []byte
	var total int
	var lastVersion int64
	cappedEarly := false

	for i, sd := range entries {
		if raws[i] == nil {
			continue
		}

		group, ok := l.decodeTaggedGroup(raws[i], sd.Version, t)
		if !ok {
			continue
		}

		out = append(out, group...)
		total += len(group)
		lastVersion = sd.Version

		if total >= DesiredTotalBytes {
			cappedEarly = true
			break
		}
	}

	if !cappedEarly && len(rows) > MaxBatchesPerPeek && len(entries) > 0 {
		cappedEarly = true
		lastVersion = entries[len(entries)-1].Version
	}

	return out, lastVersion, true, cappedEarly
}

// fetchRanges resolves the raw log-queue bytes for every entry.
// Ordinary tags read inline, since their batches are already
// locality-scoped and small; a log-router tag's reads are bounded by
// routerReadPool, capping how many concurrent range reads one peek
// can issue against the shared log queue.
func (l *LogData) fetchRanges(t tag.Tag, entries []wire.SpilledData) [][]byte {
	out := make([][]byte, len(entries))

	if l.routerReadPool == nil || t.Locality != tag.LocalityLogRouter {
		for i, sd := range entries {
			out[i], _ = l.log.ReadRange(int64(sd.Start), int64(sd.Start)+int64(sd.Length))
		}
		return out
	}

	var wg sync.WaitGroup
	for i, sd := range entries {
		i, sd := i, sd
		wg.Add(1)
		if err := l.routerReadPool.Submit(func() {
			defer wg.Done()
			out[i], _ = l.log.ReadRange(int64(sd.Start), int64(sd.Start)+int64(sd.Length))
		}); err != nil {
			wg.Done()
			out[i], _ = l.log.ReadRange(int64(sd.Start), int64(sd.Start)+int64(sd.Length))
		}
	}
	wg.Wait()
	return out
}

// decodeTaggedGroup parses a framed commit-queue record's payload and
// emits only the messages within it addressed to t, prefixed by one
// version-group header.
func (l *LogData) decodeTaggedGroup(framed []byte, version int64, t tag.Tag) ([]byte, bool) {
	if len(framed) < 5 {
		return nil, false
	}
	length := binary.LittleEndian.Uint32(framed[:4])
	if uint32(len(framed)) < 4+length+1 {
		return nil, false
	}
	valid := framed[4+length]
	if valid == 0 {
		return nil, false
	}
	payload := framed[4 : 4+length]

	entry, err := wire.DecodeQueueEntry(payload)
	if err != nil {
		return nil, false
	}

	msgs, err := wire.DecodeMessages(entry.Messages)
	if err != nil {
		return nil, false
	}

	var out []byte
	found := false
	for _, m := range msgs {
		if m.HasTag(t, l.Index.RouterCount) {
			if !found {
				out = append(out, wire.EncodeVersionGroupHeader(version)...)
				found = true
			}
			out = m.Encode(out)
		}
	}
	if !found {
		return nil, false
	}
	return out, true
}

// peekMemory implements spec.md §4.6 step 7: walk the tag's deque from
// the first entry with version >= from, emitting a version-group
// header once per version then each raw-value, stopping once emitted
// bytes reach DesiredTotalBytes.
func (l *LogData) peekMemory(ts *tagindex.TagState, from int64) ([]byte, int64) {
	var out []byte
	var total int
	curVersion := int64(-1)
	cut := int64(-1)

	ts.ScanFrom(from, func(entry tagindex.Entry) bool {
		if entry.Version != curVersion {
			out = append(out, wire.EncodeVersionGroupHeader(entry.Version)...)
			curVersion = entry.Version
		}
		out = append(out, entry.Slice.Bytes()...)
		total += entry.Slice.Len()

		if total >= DesiredTotalBytes {
			cut = entry.Version
			return false
		}
		return true
	})

	return out, cut
}

func decodeTrailingVersion(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}
