// Package tagindex implements the Per-Tag Index (D) and Message Block
// Pool (E) of spec.md §4.3: a per-tag deque of (version, slice) pairs
// backed by arena-style message blocks, plus the locality-filtered
// commit-time routing that populates them.
//
// Grounded on kayak/log.go's use of amoeba.Index as a per-segment
// ordered store; here one amoeba.Index is allocated per tag instead of
// per segment, keyed by version (amoeba.Int64Key) instead of log
// index.
package tagindex

// BlockOverheadFactor overestimates per-message memory usage to
// account for allocator slack, per spec.md §4.3 ("An accounting
// multiplier (BLOCK_OVERHEAD_FACTOR) overestimates memory usage").
// FoundationDB's tlogserver uses this to keep memory triggers
// conservative; the same constant name and role are kept here.
const BlockOverheadFactor = 6.0 / 5.0

// DefaultBlockSize is the contiguous allocation size for a new message
// block once the previous one cannot fit the next message.
const DefaultBlockSize = 1 << 20 // 1 MiB, matches tlogserver's default.

// Block is one arena-style contiguous buffer, appended to per version
// until full, per spec.md §4.3: "Message blocks are large contiguous
// allocations appended to per version; when a block lacks capacity for
// the next message, a new one is pushed onto the per-instance block
// list keyed by the version it started at."
type Block struct {
	StartVersion int64
	buf          []byte
	cap          int
}

func newBlock(startVersion int64, capacity int) *Block {
	if capacity <= 0 {
		capacity = DefaultBlockSize
	}
	return &Block{StartVersion: startVersion, buf: make([]byte, 0, capacity), cap: capacity}
}

// fits reports whether n more bytes can be appended without
// reallocating past the block's fixed capacity.
func (b *Block) fits(n int) bool {
	return len(b.buf)+n <= b.cap
}

// append writes payload into the block and returns a Slice view over
// it. The caller must have checked fits() first.
func (b *Block) append(payload []byte) Slice {
	start := len(b.buf)
	b.buf = append(b.buf, payload...)
	return Slice{block: b, start: start, length: len(payload)}
}

// Slice is a length-prefixed view into a message block (spec.md §4.3:
// "A message slice is a length-prefixed view into a message block").
type Slice struct {
	block  *Block
	start  int
	length int
}

func (s Slice) Bytes() []byte {
	return s.block.buf[s.start : s.start+s.length]
}

func (s Slice) Len() int {
	return s.length
}

// BlockPool owns the ordered list of message blocks for one TLog
// instance, shared across all tags (spec.md §4.3's "per-instance block
// list").
type BlockPool struct {
	blocks []*Block
}

func NewBlockPool() *BlockPool {
	return &BlockPool{}
}

// Append writes payload, allocating a new block keyed by version if
// the current tail block cannot fit it.
func (p *BlockPool) Append(version int64, payload []byte) Slice {
	var tail *Block
	if n := len(p.blocks); n > 0 {
		tail = p.blocks[n-1]
	}
	if tail == nil || !tail.fits(len(payload)) {
		size := DefaultBlockSize
		if len(payload) > size {
			size = len(payload)
		}
		tail = newBlock(version, size)
		p.blocks = append(p.blocks, tail)
	}
	return tail.append(payload)
}

// DropBefore releases every block entirely older than version, per
// spec.md §4.4: "drop head message blocks entirely older than
// nextVersion." A block is entirely older only once the block after it
// also starts at or before version (the block's own extent reaches up
// to the next block's StartVersion).
func (p *BlockPool) DropBefore(version int64) {
	i := 0
	for i+1 < len(p.blocks) && p.blocks[i+1].StartVersion <= version {
		i++
	}
	if i > 0 {
		p.blocks = p.blocks[i:]
	}
}

// Bytes estimates the pool's accounted memory footprint, using
// BlockOverheadFactor.
func (p *BlockPool) Bytes() int64 {
	var total int64
	for _, b := range p.blocks {
		total += int64(float64(len(b.buf)) * BlockOverheadFactor)
	}
	return total
}
