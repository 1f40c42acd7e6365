// Package rawqueue implements the external contract spec.md §4
// component A describes ("Raw Disk Queue... Durability boundary is
// commit") against the teacher's bolt-backed stash handle (stash/stash.go)
// rather than a raw append-only file, the same way the teacher's
// kayak package persists its segments through stash instead of
// managing file descriptors directly (kayak/log.go, kayak/segment.go).
//
// Bytes pushed before a Commit are buffered in memory only; Commit
// writes them to the shared bolt database in one transaction, which is
// the durability boundary spec.md §4.1 names. Because a bolt
// transaction is all-or-nothing, the torn-trailing-record failure mode
// spec.md §4.1/§8 (S4) describes at the byte-stream level cannot arise
// from a bolt write the way it can from a raw file append; Pending
// bytes simply vanish on crash rather than appearing half-written.
// logqueue's recovery path still carries the zero-fill handling for
// contract fidelity with callers that assume a raw disk queue underneath.
package rawqueue

import (
	"encoding/binary"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/pkopriv2/txlog/stash"
)

var (
	dataBucket    = []byte("rawqueue.chunks")
	controlBucket = []byte("rawqueue.control")

	controlCursorKey = []byte("cursor")
	controlPoppedKey = []byte("popped")
)

// Queue is the append-only byte stream contract of spec.md §4 component
// A: push, commit, pop(location), readNext(length), getNextReadLocation,
// initializeRecovery(location).
type Queue interface {
	// Push appends payload and returns its [start, end) location pair.
	// The bytes are not durable until the next Commit.
	Push(payload []byte) (start int64, end int64, err error)

	// Commit makes every pushed byte since the last Commit durable.
	Commit() error

	// Pop declares bytes before location reclaimable. The queue may
	// retain them a while longer, but must not report them from
	// ReadRange/ReadNext afterward.
	Pop(location int64) error

	// ReadRange returns the exact byte range [start, end), which must
	// lie within previously durable pushes.
	ReadRange(start, end int64) ([]byte, error)

	// NextReadLocation is the location immediately after the last
	// pushed byte, committed or not (the cursor the next Push writes at).
	NextReadLocation() int64

	// InitializeRecovery positions the recovery read cursor at
	// minLocation, skipping a provably durable prefix.
	InitializeRecovery(minLocation int64) error

	// ReadNext returns the next durable chunk at or after the recovery
	// cursor, advancing it, or ok=false at end of stream.
	ReadNext() (payload []byte, start int64, ok bool, err error)
}

type chunk struct {
	start   int64
	payload []byte
}

type queue struct {
	lock sync.Mutex

	store stash.Stash
	name  string

	cursor int64
	popped int64

	pending []chunk

	recoverCursor int64
}

// New opens (or creates) a raw queue backed by the given bolt handle,
// scoped under name so multiple logical queues (the commit queue and
// the KV store's own op log) can share one stash instance the way
// component A's "shared raw disk queue" is shared across TLog
// instances (spec.md §3, "Shared store").
func New(store stash.Stash, name string) (Queue, error) {
	q := &queue{store: store, name: name}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *queue) bucket(name []byte) []byte {
	return append([]byte(q.name+"/"), name...)
}

func (q *queue) load() error {
	return q.store.Update(func(tx *bolt.Tx) error {
		ctl, err := tx.CreateBucketIfNotExists(q.bucket(controlBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(q.bucket(dataBucket)); err != nil {
			return err
		}

		if v := ctl.Get(controlCursorKey); v != nil {
			q.cursor = int64(binary.BigEndian.Uint64(v))
		}
		if v := ctl.Get(controlPoppedKey); v != nil {
			q.popped = int64(binary.BigEndian.Uint64(v))
		}
		q.recoverCursor = q.popped
		return nil
	})
}

func (q *queue) Push(payload []byte) (int64, int64, error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	start := q.cursor
	end := start + int64(len(payload))

	buf := make([]byte, len(payload))
	copy(buf, payload)

	q.pending = append(q.pending, chunk{start: start, payload: buf})
	q.cursor = end
	return start, end, nil
}

func (q *queue) Commit() error {
	q.lock.Lock()
	pending := q.pending
	q.pending = nil
	cursor := q.cursor
	q.lock.Unlock()

	if len(pending) == 0 {
		return nil
	}

	return q.store.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(q.bucket(dataBucket))
		ctl := tx.Bucket(q.bucket(controlBucket))

		for _, c := range pending {
			if err := data.Put(encodeLocation(c.start), c.payload); err != nil {
				return err
			}
		}

		return ctl.Put(controlCursorKey, encodeLocation(cursor))
	})
}

func (q *queue) Pop(location int64) error {
	q.lock.Lock()
	if location < q.popped {
		q.lock.Unlock()
		return nil
	}
	q.popped = location
	q.lock.Unlock()

	return q.store.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(q.bucket(dataBucket))
		ctl := tx.Bucket(q.bucket(controlBucket))

		c := data.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			start := decodeLocation(k)
			if start >= location {
				break
			}
			if err := data.Delete(k); err != nil {
				return err
			}
		}

		return ctl.Put(controlPoppedKey, encodeLocation(location))
	})
}

func (q *queue) ReadRange(start, end int64) ([]byte, error) {
	if end <= start {
		return nil, nil
	}

	out := make([]byte, 0, end-start)
	err := q.store.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(q.bucket(dataBucket))
		c := data.Cursor()

		k, v := c.Seek(encodeLocation(start))
		if k == nil {
			k, v = c.Last()
		} else if decodeLocation(k) > start {
			k, v = c.Prev()
		}

		for k != nil {
			cstart := decodeLocation(k)
			cend := cstart + int64(len(v))
			if cstart >= end {
				break
			}
			if cend <= start {
				k, v = c.Next()
				continue
			}

			lo := start
			if cstart > lo {
				lo = cstart
			}
			hi := end
			if cend < hi {
				hi = cend
			}
			out = append(out, v[lo-cstart:hi-cstart]...)

			if cend >= end {
				break
			}
			k, v = c.Next()
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "rawqueue: ReadRange")
	}
	return out, nil
}

func (q *queue) NextReadLocation() int64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.cursor
}

func (q *queue) InitializeRecovery(minLocation int64) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.recoverCursor = minLocation
	return nil
}

func (q *queue) ReadNext() ([]byte, int64, bool, error) {
	q.lock.Lock()
	cursor := q.recoverCursor
	q.lock.Unlock()

	var payload []byte
	var found bool
	err := q.store.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(q.bucket(dataBucket))
		c := data.Cursor()
		k, v := c.Seek(encodeLocation(cursor))
		if k == nil {
			return nil
		}
		if decodeLocation(k) != cursor {
			return errors.Errorf("rawqueue: recovery cursor %d does not align with a chunk boundary", cursor)
		}
		payload = append([]byte(nil), v...)
		found = true
		return nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	if !found {
		return nil, 0, false, nil
	}

	start := cursor
	q.lock.Lock()
	q.recoverCursor = cursor + int64(len(payload))
	q.lock.Unlock()

	return payload, start, true, nil
}

func encodeLocation(loc int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(loc))
	return buf
}

func decodeLocation(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}
