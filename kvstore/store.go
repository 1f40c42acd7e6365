// Package kvstore implements the Memory KV Store, spec.md §4.2
// component C: an in-memory ordered map recovered from a durable
// snapshot-plus-operation-log pair held in a logqueue.Queue. It backs
// the durable index rows the spill engine writes (package spill) and
// the per-instance bookkeeping keys of spec.md §6.4 (package wire).
//
// Grounded on kayak's segment/snapshot split (kayak/durable_log.go,
// kayak/snapshot.go): a log of incremental changes plus a periodic
// full checkpoint, replayed forward from the last checkpoint on open.
// The in-memory map itself reuses amoeba.Index (package amoeba),
// the same ordered structure kayak keys its segments with.
package kvstore

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/pkopriv2/txlog/amoeba"
	"github.com/pkopriv2/txlog/logqueue"
	"github.com/pkopriv2/txlog/wire"
)

// Store is the small capability set spec.md §9 prescribes for durable
// KV backends ("init, set, clear, clearRange, readValue, readRange,
// commit, getStorageBytes, close, dispose").
type Store interface {
	Get(key []byte) []byte
	ReadRange(start, end []byte, limit int) ([]KV, error)

	Set(key, value []byte)
	Clear(key []byte)
	ClearRange(start, end []byte)
	ClearToEnd(from []byte)

	// Commit flushes the pending op queue: applies it to the in-memory
	// map and durably logs it, per spec.md §4.2.
	Commit() error

	Size() int
	Close() error
}

type KV struct {
	Key   []byte
	Value []byte
}

type pendingOp struct {
	kind  wire.OpCode
	key   []byte
	key2  []byte
	value []byte
}

type store struct {
	lock sync.Mutex

	log  logqueue.Queue
	tree amoeba.Index

	pending []pendingOp

	// lastCommittedSize is the map's total key+value byte size as of the
	// last commit, used to decide when a transaction crosses into large
	// mode (spec.md §4.2: "exceeds half of the last committed map
	// size"). Byte-sized rather than entry-counted to match
	// KeyValueStoreMemory's transactionSize/committedDataSize, which is
	// what the spec's wording is distilled from.
	lastCommittedSize int64
	pendingBytes      int64
	largeMode         bool
}

// Open recovers the store from log, replaying from the start of the
// log (or from a caller-supplied recovery location already set on log
// via InitializeRecovery) per spec.md §4.2's recovery algorithm:
// accumulate ops in a shadow batch, apply on OpCommit, discard on
// OpRollback, and write a fresh OpRollback once the tail is reached.
func Open(log logqueue.Queue) (Store, error) {
	s := &store{
		log:  log,
		tree: amoeba.NewBTreeIndex(32),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *store) recover() error {
	var shadow []pendingOp

	for {
		payload, _, ok, err := s.log.ReadNext()
		if err != nil {
			return errors.Wrap(err, "kvstore: recovery read")
		}
		if !ok {
			break
		}

		rec, _, err := wire.DecodeOpRecord(payload)
		if err != nil {
			return errors.Wrap(err, "kvstore: recovery decode")
		}

		switch rec.Code {
		case wire.OpRollback:
			shadow = nil
		case wire.OpSet, wire.OpSnapshotItem:
			shadow = append(shadow, pendingOp{kind: rec.Code, key: rec.Payload1, value: rec.Payload2})
		case wire.OpClearRange:
			shadow = append(shadow, pendingOp{kind: rec.Code, key: rec.Payload1, key2: rec.Payload2})
		case wire.OpClearToEnd:
			shadow = append(shadow, pendingOp{kind: rec.Code, key: rec.Payload1})
		case wire.OpSnapshotEnd:
			// marks the end of a full-snapshot batch; nothing extra to do,
			// the preceding OpClearToEnd + OpSnapshotItem*s already
			// describe the whole map.
		case wire.OpSnapshotAbort:
			// drop any snapshot items accumulated so far in this batch.
			filtered := shadow[:0]
			for _, op := range shadow {
				if op.kind != wire.OpSnapshotItem {
					filtered = append(filtered, op)
				}
			}
			shadow = filtered
		case wire.OpCommit:
			s.applyBatch(shadow)
			shadow = nil
		}
	}

	if err := s.appendRecord(wire.RollbackRecord()); err != nil {
		return err
	}
	if err := s.log.Commit(); err != nil {
		return err
	}

	s.lastCommittedSize = s.committedSizeBytes()
	return nil
}

// committedSizeBytes sums the key+value byte size of every entry
// currently in the map, mirroring KeyValueStoreMemory's
// committedDataSize (data.sumTo(data.end())).
func (s *store) committedSizeBytes() int64 {
	var total int64
	s.tree.Read(func(v amoeba.View) {
		v.Scan(func(_ amoeba.Scan, k amoeba.Key, val interface{}) {
			total += int64(len(k.(amoeba.BytesKey))) + int64(len(val.([]byte)))
		})
	})
	return total
}

func (s *store) applyBatch(ops []pendingOp) {
	s.tree.Update(func(u amoeba.Update) {
		for _, op := range ops {
			switch op.kind {
			case wire.OpSet, wire.OpSnapshotItem:
				u.Put(amoeba.BytesKey(op.key), append([]byte(nil), op.value...))
			case wire.OpClearRange:
				var toDelete []amoeba.Key
				u.ScanFrom(amoeba.BytesKey(op.key), func(scan amoeba.Scan, k amoeba.Key, _ interface{}) {
					if amoeba.BytesKey(op.key2) != nil && bytesKeyCompare(k, op.key2) >= 0 {
						scan.Stop()
						return
					}
					toDelete = append(toDelete, k)
				})
				for _, k := range toDelete {
					u.Del(k)
				}
			case wire.OpClearToEnd:
				var toDelete []amoeba.Key
				u.ScanFrom(amoeba.BytesKey(op.key), func(scan amoeba.Scan, k amoeba.Key, _ interface{}) {
					toDelete = append(toDelete, k)
				})
				for _, k := range toDelete {
					u.Del(k)
				}
			}
		}
	})
}

func bytesKeyCompare(k amoeba.Key, other []byte) int {
	return k.Compare(amoeba.BytesKey(other))
}

func (s *store) appendRecord(rec wire.OpRecord) error {
	_, _, err := s.log.Push(rec.Encode())
	return err
}

func (s *store) Get(key []byte) []byte {
	s.lock.Lock()
	defer s.lock.Unlock()

	for i := len(s.pending) - 1; i >= 0; i-- {
		op := s.pending[i]
		if op.kind == wire.OpSet && bytesEqual(op.key, key) {
			return op.value
		}
	}

	var out []byte
	s.tree.Read(func(v amoeba.View) {
		if val := v.Get(amoeba.BytesKey(key)); val != nil {
			out = val.([]byte)
		}
	})
	return out
}

func (s *store) ReadRange(start, end []byte, limit int) ([]KV, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var out []KV
	s.tree.Read(func(v amoeba.View) {
		v.ScanFrom(amoeba.BytesKey(start), func(scan amoeba.Scan, k amoeba.Key, val interface{}) {
			bk := []byte(k.(amoeba.BytesKey))
			if end != nil && bytesCompare(bk, end) >= 0 {
				scan.Stop()
				return
			}
			out = append(out, KV{Key: append([]byte(nil), bk...), Value: append([]byte(nil), val.([]byte)...)})
			if limit > 0 && len(out) >= limit {
				scan.Stop()
			}
		})
	})
	return out, nil
}

func (s *store) Set(key, value []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.largeMode {
		s.tree.Update(func(u amoeba.Update) { u.Put(amoeba.BytesKey(key), append([]byte(nil), value...)) })
		return
	}

	s.pending = append(s.pending, pendingOp{kind: wire.OpSet, key: key, value: value})
	s.bumpPending(int64(len(key) + len(value)))
}

func (s *store) Clear(key []byte) {
	s.ClearRange(key, append(append([]byte(nil), key...), 0x00))
}

func (s *store) ClearRange(start, end []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.largeMode {
		s.applyBatch([]pendingOp{{kind: wire.OpClearRange, key: start, key2: end}})
		return
	}

	s.pending = append(s.pending, pendingOp{kind: wire.OpClearRange, key: start, key2: end})
	s.bumpPending(int64(len(start) + len(end)))
}

func (s *store) ClearToEnd(from []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.largeMode {
		s.applyBatch([]pendingOp{{kind: wire.OpClearToEnd, key: from}})
		return
	}

	s.pending = append(s.pending, pendingOp{kind: wire.OpClearToEnd, key: from})
	s.bumpPending(int64(len(from)))
}

// bumpPending implements spec.md §4.2's large-transaction-mode switch:
// "When a single uncommitted transaction exceeds half of the last
// committed map size, the store switches to large mode", tracked in
// bytes (transactionSize vs. committedDataSize in
// KeyValueStoreMemory.actor.cpp) rather than op count. Must be called
// with s.lock held.
func (s *store) bumpPending(addedBytes int64) {
	s.pendingBytes += addedBytes
	if !s.largeMode && s.lastCommittedSize > 0 && s.pendingBytes*2 > s.lastCommittedSize {
		s.largeMode = true
		// fold ops buffered so far into the map immediately, since large
		// mode applies directly from here on.
		ops := s.pending
		s.pending = nil
		s.applyBatch(ops)
	}
}

// Commit flushes the pending op queue. In regular mode it logs each
// buffered op then an OpCommit, applying them to the map only now
// (spec.md §4.2). In large mode the map was already mutated directly
// by Set/Clear, so the commit instead logs a full snapshot: an
// OpClearToEnd followed by one OpSnapshotItem per live entry and an
// OpSnapshotEnd, then OpCommit — "the next commit triggers a full
// snapshot... rather than incremental ops."
func (s *store) Commit() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.largeMode {
		if err := s.appendRecord(wire.ClearToEndRecord(nil)); err != nil {
			return err
		}
		var walkErr error
		s.tree.Read(func(v amoeba.View) {
			v.Scan(func(_ amoeba.Scan, k amoeba.Key, val interface{}) {
				if walkErr != nil {
					return
				}
				walkErr = s.appendRecord(wire.SnapshotItemRecord([]byte(k.(amoeba.BytesKey)), val.([]byte)))
			})
		})
		if walkErr != nil {
			return walkErr
		}
		if err := s.appendRecord(wire.SnapshotEndRecord()); err != nil {
			return err
		}
	} else {
		for _, op := range s.pending {
			var rec wire.OpRecord
			switch op.kind {
			case wire.OpSet:
				rec = wire.SetRecord(op.key, op.value)
			case wire.OpClearRange:
				rec = wire.ClearRangeRecord(op.key, op.key2)
			case wire.OpClearToEnd:
				rec = wire.ClearToEndRecord(op.key)
			}
			if err := s.appendRecord(rec); err != nil {
				return err
			}
		}
		s.applyBatch(s.pending)
	}

	if err := s.appendRecord(wire.CommitRecord()); err != nil {
		return err
	}
	if err := s.log.Commit(); err != nil {
		return err
	}

	s.pending = nil
	s.pendingBytes = 0
	s.largeMode = false
	s.lastCommittedSize = s.committedSizeBytes()
	return nil
}

func (s *store) Size() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.tree.Size()
}

func (s *store) Close() error {
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesCompare(a, b []byte) int {
	return amoeba.BytesKey(a).Compare(amoeba.BytesKey(b))
}
