package tlogsvr

import (
	"math"
	"time"

	"github.com/pkopriv2/txlog/common"
	"github.com/pkopriv2/txlog/spill"
)

// SpillLoopInterval is how often the background spill/pop task wakes
// to evaluate spec.md §4.4's two triggers across every instance a
// TLogData hosts.
const SpillLoopInterval = 100 * time.Millisecond

// runSpillLoop drives spec.md §2's "Background loop -> F -> C -> A
// (pop)" control flow until ctrl closes, the same shape as the
// teacher's follower/leader background loops (kayak/follower.go):
// a timer-gated select against the lifecycle's Closed channel, run
// from a single goroutine spawned by Open.
func (t *TLogData) runSpillLoop(ctrl common.Control) {
	for !ctrl.IsClosed() {
		<-common.NewTimer(ctrl, SpillLoopInterval)
		if ctrl.IsClosed() {
			return
		}
		t.spillTick()
	}
}

// spillTick evaluates every live instance's spill triggers, then pops
// the shared raw queue up to whatever every instance's tags still need
// (spec.md §4.4 "Raw-queue pop"; the queue is shared across instances
// per spec.md §3's "Shared store", so the pop location is the minimum
// across all of them, not just one).
func (t *TLogData) spillTick() {
	instances := t.Instances()

	for _, ld := range instances {
		ld.spillTrigger()
	}

	var min int64 = -1
	for _, ld := range instances {
		loc := ld.rawQueuePopCandidate()
		if loc < 0 {
			continue
		}
		if min < 0 || loc < min {
			min = loc
		}
	}
	if min < 0 {
		return
	}
	if err := t.commitLog.Pop(min); err != nil {
		t.logger.Error("raw queue pop failed: %v", err)
	}
}

// spillTrigger applies spec.md §4.4's two triggers to one instance:
// (a) stopped with enough buffered bytes drains every remaining batch;
// (b) running spills at most one batch, capped by
// spill.ReferenceSpillUpdateStorageByteLimit. common.Min picks the
// tighter of the two configured byte ceilings the same way the
// teacher bounds a scan batch in kayak/bolt.go ("common.Min(min+256,
// until)").
func (l *LogData) spillTrigger() {
	if l.bytesGap() < SpillThresholdBytes {
		return
	}

	if l.Stopped() {
		for l.Spill.PersistentDataDurableVersion < l.Version.Get() {
			if !l.spillBatchOnce(math.MaxInt64) {
				break
			}
		}
		return
	}

	byteLimit := common.Min(int(spill.ReferenceSpillUpdateStorageByteLimit), int(SpillThresholdBytes)*4)
	l.spillBatchOnce(int64(byteLimit))
}

// spillBatchOnce implements one iteration of spec.md §4.4's batch
// algorithm: pick nextVersion, wait for it to be queue-committed, then
// hand the batch to the spill engine along with the recovery location
// just past it. Returns whether any progress was made.
func (l *LogData) spillBatchOnce(byteLimit int64) bool {
	committed := l.Version.Get()
	next := l.Spill.ComputeNextVersion(committed, byteLimit)
	if next <= l.Spill.PersistentDataVersion {
		return false
	}

	if _, alive := l.QueueCommittedVersion.WaitUntil(next); !alive {
		return false
	}

	var recoveryLocation uint64
	if _, end, ok := l.Location(next); ok {
		recoveryLocation = uint64(end)
	}

	if err := l.Spill.SpillBatch(next, l.KnownCommittedVersion.Get(), recoveryLocation); err != nil {
		l.logger.Error("spill batch failed: %v", err)
		return false
	}
	return true
}

// rawQueuePopCandidate refreshes every tag's popped location, then
// returns this instance's contribution to the shared raw queue's
// reclaimable prefix (spec.md §4.4 "Raw-queue pop").
func (l *LogData) rawQueuePopCandidate() int64 {
	for _, ts := range l.Index.Tags() {
		if err := l.Spill.RefreshPoppedLocation(ts); err != nil {
			l.logger.Error("refresh popped location failed: %v", err)
		}
	}

	var locationOfPersistentDataVersion int64
	if start, _, ok := l.Location(l.Spill.PersistentDataVersion); ok {
		locationOfPersistentDataVersion = start
	}

	return l.Spill.ComputeRawQueuePop(locationOfPersistentDataVersion)
}
