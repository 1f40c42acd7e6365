// Package logqueue implements the Framed Log Queue, spec.md §4.1
// component B: it wraps a raw append-only queue (A, package
// rawqueue) and frames each record as `u32 length | payload | u8
// valid`. Two payload producers share one logqueue implementation per
// spec.md §4.1 ("(B) is polymorphic over payload type only to the
// extent that it delegates framing"): the commit pipeline's
// wire.QueueEntry records, and the memory KV store's wire.OpRecord
// log. Each gets its own logqueue.Queue over its own rawqueue.Queue
// (they do not share framed records, only, per spec.md §3's "Shared
// store" note, the same underlying stash handle).
package logqueue

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/pkopriv2/txlog/rawqueue"
)

type Queue interface {
	// Push frames payload and appends it, returning its [start, end)
	// location in the underlying raw queue (the whole frame, header
	// and valid byte included — this is the location peek's
	// spill-by-reference reads key off of, spec.md §4.4/§4.6).
	Push(payload []byte) (start int64, end int64, err error)

	Commit() error
	Pop(location int64) error

	// ReadRange returns raw framed bytes in [start, end), unparsed —
	// used by the spilled peek path to fetch whole framed entries
	// directly (spec.md §4.6 step 6).
	ReadRange(start, end int64) ([]byte, error)

	NextReadLocation() int64
	InitializeRecovery(minLocation int64) error

	// ReadNext returns the next valid record's payload during
	// recovery, skipping zero-filled (aborted) records, or ok=false at
	// end of stream.
	ReadNext() (payload []byte, start int64, ok bool, err error)
}

type queue struct {
	raw rawqueue.Queue
}

func New(raw rawqueue.Queue) Queue {
	return &queue{raw: raw}
}

func frame(payload []byte, valid byte) []byte {
	buf := make([]byte, 4, 5+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, valid)
	return buf
}

func (q *queue) Push(payload []byte) (int64, int64, error) {
	return q.raw.Push(frame(payload, 1))
}

func (q *queue) Commit() error {
	return q.raw.Commit()
}

func (q *queue) Pop(location int64) error {
	return q.raw.Pop(location)
}

func (q *queue) ReadRange(start, end int64) ([]byte, error) {
	return q.raw.ReadRange(start, end)
}

func (q *queue) NextReadLocation() int64 {
	return q.raw.NextReadLocation()
}

func (q *queue) InitializeRecovery(minLocation int64) error {
	return q.raw.InitializeRecovery(minLocation)
}

// ReadNext decodes one frame at a time from the raw queue. A short
// read of the length header or the payload body is a torn trailing
// record (spec.md §4.1): it is completed with zero-filled bytes
// (marked invalid) and treated as end of stream, rather than returned
// to the caller or raised as an error.
func (q *queue) ReadNext() ([]byte, int64, bool, error) {
	for {
		raw, start, ok, err := q.raw.ReadNext()
		if err != nil {
			return nil, 0, false, err
		}
		if !ok {
			return nil, 0, false, nil
		}

		if len(raw) < 4 {
			if err := q.zeroFillTorn(start, 4-len(raw)+1); err != nil {
				return nil, 0, false, err
			}
			return nil, 0, false, nil
		}

		length := binary.LittleEndian.Uint32(raw[:4])
		want := 4 + int(length) + 1
		if len(raw) < want {
			if err := q.zeroFillTorn(start, want-len(raw)); err != nil {
				return nil, 0, false, err
			}
			return nil, 0, false, nil
		}

		valid := raw[want-1]
		payload := raw[4 : want-1]

		if valid == 0 {
			continue
		}
		return append([]byte(nil), payload...), start, true, nil
	}
}

// zeroFillTorn completes a damaged trailing record with missing bytes
// before any subsequent push, per spec.md §4.1's recovery contract.
func (q *queue) zeroFillTorn(start int64, missing int) error {
	if missing <= 0 {
		return nil
	}
	filler := make([]byte, missing)
	if _, _, err := q.raw.Push(filler); err != nil {
		return errors.Wrap(err, "logqueue: zero-filling torn tail")
	}
	return q.raw.Commit()
}
