package tlogsvr

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/pkopriv2/txlog/common"
	"github.com/pkopriv2/txlog/concurrent"
	"github.com/pkopriv2/txlog/logqueue"
	"github.com/pkopriv2/txlog/metrics"
	"github.com/pkopriv2/txlog/spill"
	"github.com/pkopriv2/txlog/stash"
	"github.com/pkopriv2/txlog/tag"
	"github.com/pkopriv2/txlog/tagindex"
	"github.com/pkopriv2/txlog/wire"
)

// HardLimitBytes is the backpressure threshold of spec.md §4.5 step 2
// ("TLOG_HARD_LIMIT_BYTES"): once bytesInput-bytesDurable reaches it,
// commits stall until the gap closes.
const HardLimitBytes = 1 << 30

// StorageQuotaBytes is the configured disk budget TLogQueuingMetrics'
// storage-bytes reply is computed against, in place of a real statfs
// call (see RefreshStorage).
const StorageQuotaBytes = 64 << 30

// lagWarnInterval throttles the backpressure warning Commit logs while
// stalled on HardLimitBytes, matching the original's TraceEvent
// cadence for TLogUpdateLag (spec.md §7).
const lagWarnInterval = int64(time.Second)

// SpillThresholdBytes is the trigger spec.md §4.4 names for both the
// stopped-drain and initialized-running spill triggers.
const SpillThresholdBytes = 8 << 20

// location is the [start, end) span of one version's framed commit
// record within the shared log queue, recorded so peek's
// spill-by-reference path and the spill engine can find it again.
type location struct {
	start int64
	end   int64
}

// LogData is one TLog instance (spec.md §3 "TLog instance"): a single
// generation's durable-queue-plus-index state, identified by LogID.
// Many LogData instances may share one process's raw queue and KV
// store (spec.md §3 "Shared store"); that sharing is arranged by
// TLogData, which constructs each LogData with the same Log/KV handles.
type LogData struct {
	LogID         uuid.UUID
	RecruitmentID uuid.UUID

	log logqueue.Queue // shared framed commit queue

	Index *tagindex.Index
	Spill *spill.Engine

	Version                      *common.Int64Mark
	KnownCommittedVersion        *common.Int64Mark
	DurableKnownCommittedVersion *common.Int64Mark
	QueueCommittingVersion       *common.Int64Mark
	QueueCommittedVersion        *common.Int64Mark
	QueuePoppedVersion           int64

	RecoveredAt       int64
	UnrecoveredBefore int64

	lock sync.RWMutex

	stopped     bool
	initialized bool

	bytesInput   int64
	bytesDurable int64

	locations map[int64]location

	tracker *PeekTracker
	Stats   *metrics.InstanceStats

	logger         common.Logger
	store          stash.Stash
	routerReadPool common.WorkPool

	lastLagWarnAt int64 // unix nanos, throttles commit-backpressure logging
}

// NewLogData constructs an instance over the given shared resources,
// starting from startVersion per spec.md §3's recruitment lifecycle
// ("created on recruitment with {start-version, recover-at,
// known-committed, all-tags, epoch}"). logger and store back the
// degradation-warning and storage-probe features of spec.md §7/§6.1;
// routerReadPool bounds concurrent log-router peek reads (§4.6). A nil
// logger is replaced by a standard logger; a nil store or pool skips
// the corresponding feature rather than failing.
func NewLogData(logID, recruitmentID uuid.UUID, log logqueue.Queue, idx *tagindex.Index, eng *spill.Engine, startVersion, knownCommitted int64, logger common.Logger, store stash.Stash, routerReadPool common.WorkPool) *LogData {
	if logger == nil {
		logger = common.NewStandardLogger(common.NewEmptyConfig())
	}
	return &LogData{
		LogID:                        logID,
		RecruitmentID:                recruitmentID,
		log:                          log,
		Index:                        idx,
		Spill:                        eng,
		Version:                      common.NewInt64Mark(startVersion),
		KnownCommittedVersion:        common.NewInt64Mark(knownCommitted),
		DurableKnownCommittedVersion: common.NewInt64Mark(knownCommitted),
		QueueCommittingVersion:       common.NewInt64Mark(startVersion),
		QueueCommittedVersion:        common.NewInt64Mark(startVersion),
		locations:                    make(map[int64]location),
		tracker:                      NewPeekTracker(),
		Stats:                        metrics.NewInstanceStats(logID),
		logger:                       common.NewFormattedLogger(logger, "LogData"),
		store:                        store,
		routerReadPool:               routerReadPool,
	}
}

func (l *LogData) Stopped() bool {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.stopped
}

func (l *LogData) Stop() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.stopped = true
}

// LockResult mirrors spec.md §6.1's TLogLockResult.
type LockResult struct {
	End                   int64
	KnownCommittedVersion int64
}

// Lock implements spec.md §6.1's TLogLockRequest: stop accepting new
// commits, then drain queueCommittedVersion up to the version already
// accepted before replying, matching the original's recovery
// handshake (a locked instance's queue is fully flushed before the
// recovering generation reads it).
func (l *LogData) Lock() (LockResult, error) {
	l.Stop()

	version := l.Version.Get()
	if _, alive := l.QueueCommittedVersion.WaitUntil(version); !alive {
		return LockResult{}, ErrWorkerRemoved
	}

	return LockResult{
		End:                   version,
		KnownCommittedVersion: l.KnownCommittedVersion.Get(),
	}, nil
}

// RefreshStorage implements the storage-bytes probe of spec.md §6.1's
// TLogQueuingMetricsRequest: stat the backing stash file and report
// free/total/used/available bytes against StorageQuotaBytes, run
// through a concurrent.Future the way the teacher offloads a
// synchronous filesystem-adjacent call from amoeba's indexer GC cycle.
// A real statfs is a platform concern out of this module's scope, so
// "total" is the configured quota rather than the host volume's size.
func (l *LogData) RefreshStorage() {
	if l.store == nil {
		return
	}

	<-concurrent.NewFuture(func() interface{} {
		info, err := os.Stat(l.store.Path())
		if err != nil {
			return nil
		}

		used := info.Size()
		total := int64(StorageQuotaBytes)
		free := total - used
		if free < 0 {
			free = 0
		}

		l.Stats.SetStorage(free, total, used, free)
		return nil
	})
}

// Location implements spill.LocationIndex.
func (l *LogData) Location(version int64) (int64, int64, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	loc, ok := l.locations[version]
	return loc.start, loc.end, ok
}

func (l *LogData) recordLocation(version, start, end int64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.locations[version] = location{start: start, end: end}
}

func (l *LogData) addBytes(input int64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.bytesInput += input
	l.Stats.RecordInput(input)
}

func (l *LogData) markDurable(n int64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.bytesDurable += n
	l.Stats.RecordDurable(n)
}

func (l *LogData) bytesGap() int64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.bytesInput - l.bytesDurable
}

// warnLag logs a throttled (<= 1/s) TLogUpdateLag-style warning while
// Commit is stalled on HardLimitBytes, matching the original's
// TraceEvent cadence (spec.md §7) instead of stalling silently.
func (l *LogData) warnLag() {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&l.lastLagWarnAt)
	if now-last < lagWarnInterval {
		return
	}
	if !atomic.CompareAndSwapInt64(&l.lastLagWarnAt, last, now) {
		return
	}
	l.logger.Info("TLogUpdateLag: bytesGap=%v hardLimit=%v", l.bytesGap(), HardLimitBytes)
}

// CommitRequest mirrors spec.md §6.1's TLogCommitRequest.
type CommitRequest struct {
	PrevVersion              int64
	Version                  int64
	KnownCommittedVersion    int64
	MinKnownCommittedVersion int64
	Messages                 []byte
	HasExecOp                bool
	DebugID                  *uuid.UUID
}

// Commit implements the commit pipeline, spec.md §4.5.
func (l *LogData) Commit(req CommitRequest) (int64, error) {
	if _, alive := l.Version.WaitUntil(req.PrevVersion); !alive {
		return 0, ErrWorkerRemoved
	}

	if l.Stopped() {
		return 0, ErrStopped
	}

	for l.bytesGap() >= HardLimitBytes && !l.Stopped() {
		l.warnLag()
		time.Sleep(5 * time.Millisecond)
	}
	if l.Stopped() {
		return 0, ErrStopped
	}

	current := l.Version.Get()
	if current > req.PrevVersion {
		// Duplicate retry (spec.md §4.5 step 3 / §8 S5): skip append,
		// fall through to the reply barrier below.
	} else {
		msgs, err := wire.DecodeMessages(req.Messages)
		if err != nil {
			return 0, err
		}

		for _, m := range msgs {
			l.Index.IndexMessage(req.Version, m.Tags, m.Encode(nil), m.ExpectedSize())
		}

		l.KnownCommittedVersion.SetIfGreater(req.KnownCommittedVersion)

		entry := wire.QueueEntry{
			LogID:                 l.LogID,
			Version:               req.Version,
			KnownCommittedVersion: l.KnownCommittedVersion.Get(),
			Messages:              req.Messages,
		}
		encoded := entry.Encode()

		start, end, err := l.log.Push(encoded)
		if err != nil {
			return 0, err
		}
		l.recordLocation(req.Version, start, end)
		l.addBytes(int64(len(encoded)))

		if err := l.log.Commit(); err != nil {
			return 0, err
		}
		l.markDurable(int64(len(encoded)))

		l.Version.Set(req.Version)
		l.QueueCommittingVersion.Set(req.Version)
		l.QueueCommittedVersion.Set(req.Version)
		l.DurableKnownCommittedVersion.Set(l.KnownCommittedVersion.Get())
	}

	if _, alive := l.QueueCommittedVersion.WaitUntil(req.Version); !alive {
		return 0, ErrWorkerRemoved
	}
	if l.Stopped() {
		return 0, ErrStopped
	}

	return l.DurableKnownCommittedVersion.Get(), nil
}

// PopRequest mirrors spec.md §6.1's TLogPopRequest.
type PopRequest struct {
	Tag                          tag.Tag
	To                           int64
	DurableKnownCommittedVersion int64
}

// Pop implements the pop pipeline, spec.md §4.7.
func (l *LogData) Pop(req PopRequest) error {
	effective := req.Tag
	if effective.IsLogRouter() {
		effective = tag.Tag{Locality: tag.LocalityLogRouter, Id: effective.EffectiveRouterId(l.Index.RouterCount)}
	}

	existed := l.Index.Exists(effective)
	ts := l.Index.Tag(effective)

	if !existed {
		ts.Popped = req.To
		ts.SetNothingPersistent(true)
		l.QueuePoppedVersion = req.DurableKnownCommittedVersion
		return nil
	}

	if req.To > ts.Popped {
		ts.Popped = req.To
		ts.SetPoppedRecently(true)
		ts.SetRequiresPoppedLocationUpdate(true)

		// spec.md §4.7: erase entries with version < to && version <=
		// persistentDataDurableVersion, i.e. version < min(to,
		// persistentDataDurableVersion+1).
		ceiling := req.To
		if l.Spill.PersistentDataDurableVersion+1 < ceiling {
			ceiling = l.Spill.PersistentDataDurableVersion + 1
		}
		ts.EraseBefore(ceiling)
	}

	l.QueuePoppedVersion = req.DurableKnownCommittedVersion
	return nil
}
