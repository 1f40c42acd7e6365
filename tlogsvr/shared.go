// TLogData is the shared per-process registry spec.md §9's "Global
// state" note requires: "A registry of instances by log-id replaces
// any hidden singletons." One TLogData owns the one raw queue, the
// one commit-log queue, and the one KV store a process's LogData
// instances share (spec.md §3).
package tlogsvr

import (
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/pkopriv2/txlog/common"
	"github.com/pkopriv2/txlog/kvstore"
	"github.com/pkopriv2/txlog/logqueue"
	"github.com/pkopriv2/txlog/rawqueue"
	"github.com/pkopriv2/txlog/spill"
	"github.com/pkopriv2/txlog/stash"
	"github.com/pkopriv2/txlog/tag"
	"github.com/pkopriv2/txlog/tagindex"
	"github.com/pkopriv2/txlog/wire"
)

// RouterReadPoolSizeKey configures how many concurrent log-queue range
// reads a log-router peek may issue at once (spec.md §4.6).
const RouterReadPoolSizeKey = "txlog.tlogsvr.router_read_pool_size"

// RouterReadPoolSizeDefault mirrors the teacher's preference for a
// small, fixed worker-pool size over an unbounded fan-out.
const RouterReadPoolSizeDefault = 8

// TLogData hosts every LogData instance sharing one process's durable
// resources.
type TLogData struct {
	lock sync.RWMutex

	logger common.Logger
	store  stash.Stash

	commitRaw rawqueue.Queue
	commitLog logqueue.Queue

	kvRaw rawqueue.Queue
	kvLog logqueue.Queue
	kv    kvstore.Store

	Locality    tag.Locality
	Satellite   bool
	RouterCount int

	routerReadPool common.WorkPool

	instances map[uuid.UUID]*LogData
}

// Open opens (or recovers) the shared process state over store: it
// opens the KV store and replays the commit log (see recover). No
// format marker is read or validated. ctx supplies the logger degradation warnings are written
// through (spec.md §7) and sizes the log-router read pool (§4.6), the
// way the teacher's kayak.newHost takes ctx common.Context as its
// first parameter. Once recovery completes, Open starts the
// background spill/pop loop (spec.md §2, §4.4) tied to ctx.Control(),
// the way kayak.newHost starts its background tasks alongside the
// host itself rather than leaving callers to start them separately.
func Open(ctx common.Context, store stash.Stash, locality tag.Locality, satellite bool, routerCount int) (*TLogData, error) {
	commitRaw, err := rawqueue.New(store, "commit")
	if err != nil {
		return nil, err
	}
	commitLog := logqueue.New(commitRaw)

	kvRaw, err := rawqueue.New(store, "kvstore")
	if err != nil {
		return nil, err
	}
	kvLog := logqueue.New(kvRaw)

	kv, err := kvstore.Open(kvLog)
	if err != nil {
		return nil, err
	}

	poolSize := ctx.Config().OptionalInt(RouterReadPoolSizeKey, RouterReadPoolSizeDefault)

	t := &TLogData{
		logger:         ctx.Sub("TLog").Logger(),
		store:          store,
		commitRaw:      commitRaw,
		commitLog:      commitLog,
		kvRaw:          kvRaw,
		kvLog:          kvLog,
		kv:             kv,
		Locality:       locality,
		Satellite:      satellite,
		RouterCount:    routerCount,
		routerReadPool: common.NewWorkPool(ctx.Control(), poolSize),
		instances:      make(map[uuid.UUID]*LogData),
	}

	if err := t.recover(); err != nil {
		return nil, err
	}

	go t.runSpillLoop(ctx.Control())

	return t, nil
}

// Recruit creates a fresh LogData generation, per spec.md §3's
// instance lifecycle ("created on recruitment with {start-version,
// recover-at, known-committed, all-tags, epoch}").
func (t *TLogData) Recruit(recruitmentID uuid.UUID, startVersion, knownCommitted int64) *LogData {
	logID := uuid.NewV4()

	idx := tagindex.NewIndex(t.Locality, t.Satellite, t.RouterCount)
	eng := spill.New(logID, idx, t.kv, nil)

	ld := NewLogData(logID, recruitmentID, t.commitLog, idx, eng, startVersion, knownCommitted, t.logger, t.store, t.routerReadPool)
	eng.Locations = ld

	t.lock.Lock()
	t.instances[logID] = ld
	t.lock.Unlock()

	return ld
}

func (t *TLogData) Instance(logID uuid.UUID) (*LogData, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	ld, ok := t.instances[logID]
	return ld, ok
}

func (t *TLogData) Instances() []*LogData {
	t.lock.RLock()
	defer t.lock.RUnlock()
	out := make([]*LogData, 0, len(t.instances))
	for _, ld := range t.instances {
		out = append(out, ld)
	}
	return out
}

// recover replays the commit log from the persisted recovery location
// until end of stream, routing messages into memory and restoring each
// instance's version. An instance is rebuilt as a stopped LogData, from
// its persisted version and known-committed version, when its log-id
// is first met in the replayed log; an instance with no record past
// the recovery location is not rebuilt.
func (t *TLogData) recover() error {
	loc := t.kv.Get(wire.RecoveryLocationKey())
	var recoverFrom int64
	if len(loc) == 8 {
		recoverFrom = int64(decodeU64(loc))
	}

	if err := t.commitLog.InitializeRecovery(recoverFrom); err != nil {
		return err
	}

	for {
		payload, _, ok, err := t.commitLog.ReadNext()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		entry, err := wire.DecodeQueueEntry(payload)
		if err != nil {
			return err
		}

		ld, exists := t.Instance(entry.LogID)
		if !exists {
			pv := t.kv.Get(wire.PersistentDataVersionKey(entry.LogID))
			stored := int64(0)
			if len(pv) == 8 {
				stored = int64(decodeU64(pv))
			}
			known := t.kv.Get(wire.KnownCommittedKey(entry.LogID))
			knownVersion := int64(0)
			if len(known) == 8 {
				knownVersion = int64(decodeU64(known))
			}

			idx := tagindex.NewIndex(t.Locality, t.Satellite, t.RouterCount)
			eng := spill.New(entry.LogID, idx, t.kv, nil)
			eng.PersistentDataVersion = stored
			eng.PersistentDataDurableVersion = stored

			ld = NewLogData(entry.LogID, uuid.Nil, t.commitLog, idx, eng, stored, knownVersion, t.logger, t.store, t.routerReadPool)
			eng.Locations = ld
			ld.Stop()

			t.lock.Lock()
			t.instances[entry.LogID] = ld
			t.lock.Unlock()
		}

		if entry.Version > ld.Version.Get() {
			msgs, err := wire.DecodeMessages(entry.Messages)
			if err == nil {
				for _, m := range msgs {
					ld.Index.IndexMessage(entry.Version, m.Tags, m.Encode(nil), m.ExpectedSize())
				}
			}
			ld.Version.Set(entry.Version)
			ld.QueueCommittedVersion.Set(entry.Version)
			ld.KnownCommittedVersion.SetIfGreater(entry.KnownCommittedVersion)
		}
	}

	return nil
}

func decodeU64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
