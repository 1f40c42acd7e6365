package tlogsvr

import (
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	uuid "github.com/satori/go.uuid"

	"github.com/pkopriv2/txlog/common"
)

// ParallelGetMoreRequests caps how far a sequenced peek may run ahead
// of the smallest live sequence for its peer before it is cancelled
// (spec.md §4.6).
const ParallelGetMoreRequests = 20

// PeekTrackerExpirationTime is how long an idle per-peer tracker
// survives before being garbage-collected (spec.md §4.6).
const PeekTrackerExpirationTime = 5 * time.Minute

// peerTracker holds one peer's in-order sequence promises: map<seq,
// promise<Version>> per spec.md §4.6. expiry is a FIFO of sequence
// numbers in arrival order, backed by Workiva's lock-free queue, used
// by GC to find and evict seqs untouched past PeekTrackerExpirationTime
// without scanning the whole map.
type peerTracker struct {
	lock sync.Mutex

	marks      map[int32]*common.Int64Mark
	lastActive time.Time
	expiry     *queue.Queue
}

func newPeerTracker() *peerTracker {
	return &peerTracker{
		marks:      make(map[int32]*common.Int64Mark),
		lastActive: time.Now(),
		expiry:     queue.New(16),
	}
}

type expiryEntry struct {
	seq int32
	at  time.Time
}

// PeekTracker sequences peek replies per peer, per spec.md §4.6.
type PeekTracker struct {
	peers concurrentPeerMap
}

// concurrentPeerMap is a small sync.Map-like wrapper kept local to
// this file since only PeekTracker needs it; TLogData guards its own
// instance map with a sync.RWMutex the same way.
type concurrentPeerMap struct {
	lock sync.RWMutex
	m    map[uuid.UUID]*peerTracker
}

func NewPeekTracker() *PeekTracker {
	return &PeekTracker{peers: concurrentPeerMap{m: make(map[uuid.UUID]*peerTracker)}}
}

func (t *PeekTracker) tracker(peer uuid.UUID) *peerTracker {
	t.peers.lock.RLock()
	pt, ok := t.peers.m[peer]
	t.peers.lock.RUnlock()
	if ok {
		return pt
	}

	t.peers.lock.Lock()
	defer t.peers.lock.Unlock()
	if pt, ok := t.peers.m[peer]; ok {
		return pt
	}
	pt = newPeerTracker()
	t.peers.m[peer] = pt
	return pt
}

// evictBehindLocked implements spec.md §4.6's "Sequences more than
// PARALLEL_GET_MORE_REQUESTS behind the smallest live one are
// time-out-cancelled": any mark whose key has fallen more than
// ParallelGetMoreRequests behind frontier and is still unresolved
// (val == -1, the NewInt64Mark sentinel) is closed, which wakes any
// blocked WaitForPredecessor with alive=false, and dropped from the
// map. Already-resolved marks are left alone so a predecessor's result
// is never discarded out from under a waiter that hasn't arrived yet.
// Must be called with pt.lock held.
func (pt *peerTracker) evictBehindLocked(frontier int32) {
	floor := frontier - ParallelGetMoreRequests
	for k, mark := range pt.marks {
		if k >= floor {
			continue
		}
		if mark.Get() != -1 {
			continue
		}
		mark.Close()
		delete(pt.marks, k)
	}
}

// WaitForPredecessor blocks until seq-1's reply version is known (or
// there is no predecessor to wait for, seq==0), substituting it for
// begin per spec.md §4.6: "On request N, the server delays until seq
// N-1's reply version is known, then substitutes begin := that-version."
// A sequence whose predecessor mark has fallen out of the
// ParallelGetMoreRequests window returns ErrTimedOut (spec.md §7).
func (t *PeekTracker) WaitForPredecessor(peer uuid.UUID, seq int32, begin int64) (int64, error) {
	if seq <= 0 {
		return begin, nil
	}

	predKey := seq - 1
	pt := t.tracker(peer)

	pt.lock.Lock()
	pt.lastActive = time.Now()
	pt.evictBehindLocked(predKey)
	mark, ok := pt.marks[predKey]
	if !ok {
		mark = common.NewInt64Mark(-1)
		pt.marks[predKey] = mark
	}
	pt.lock.Unlock()

	val, alive := mark.WaitExceeds(-1)
	if !alive {
		return 0, ErrTimedOut
	}
	return val, nil
}

// Register records that seq's reply ended at endVersion, resolving
// seq's promise for whichever request is waiting on seq+1.
func (t *PeekTracker) Register(peer uuid.UUID, seq int32, endVersion int64) {
	pt := t.tracker(peer)

	pt.lock.Lock()
	pt.lastActive = time.Now()
	pt.evictBehindLocked(seq)
	mark, ok := pt.marks[seq]
	if !ok {
		mark = common.NewInt64Mark(-1)
		pt.marks[seq] = mark
	}
	pt.expiry.Put(expiryEntry{seq: seq, at: time.Now()})
	pt.lock.Unlock()

	mark.Set(endVersion)
}

// GC evicts per-peer trackers untouched for longer than
// PeekTrackerExpirationTime, and within surviving trackers, drains
// sequence entries older than the window from the expiry queue.
func (t *PeekTracker) GC() {
	now := time.Now()

	t.peers.lock.Lock()
	var dead []uuid.UUID
	for peer, pt := range t.peers.m {
		pt.lock.Lock()
		idle := now.Sub(pt.lastActive)
		pt.lock.Unlock()
		if idle > PeekTrackerExpirationTime {
			dead = append(dead, peer)
		}
	}
	for _, peer := range dead {
		delete(t.peers.m, peer)
	}
	t.peers.lock.Unlock()

	t.peers.lock.RLock()
	defer t.peers.lock.RUnlock()
	for _, pt := range t.peers.m {
		pt.lock.Lock()
		for pt.expiry.Len() > 0 {
			items, err := pt.expiry.Peek()
			if err != nil || items == nil {
				break
			}
			entry := items.(expiryEntry)
			if now.Sub(entry.at) <= PeekTrackerExpirationTime {
				break
			}
			if _, err := pt.expiry.Get(1); err != nil {
				break
			}
			delete(pt.marks, entry.seq)
		}
		pt.lock.Unlock()
	}
}
