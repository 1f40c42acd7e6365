package tagindex

import (
	"sort"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/pkopriv2/txlog/amoeba"
	"github.com/pkopriv2/txlog/tag"
	"github.com/pkopriv2/txlog/utils"
)

// Per-tag flags, packed into a utils.BitMask the way the teacher packs
// compact boolean sets (utils.BitMask), rather than four separate bool
// fields.
const (
	flagPoppedRecently utils.BitMask = 1 << iota
	flagNothingPersistent
	flagRequiresPoppedLocationUpdate
	flagUnpoppedRecovered
)

// int64Comparator orders treemap keys the way amoeba.Int64Key orders
// btree keys: numerically, without the overflow a plain subtraction
// comparator would risk for widely separated versions.
func int64Comparator(a, b interface{}) int {
	x, y := a.(int64), b.(int64)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// Entry is one (version, slice) pair held in a tag's deque.
type Entry struct {
	Version int64
	Slice   Slice
}

// TagState is the per-tag bookkeeping of spec.md §4.3: "a deque of
// (version, slice) pairs, popped, poppedLocation (the earliest queue
// location still needed by T), poppedRecently, nothingPersistent,
// requiresPoppedLocationUpdate, unpoppedRecovered."
type TagState struct {
	Tag tag.Tag

	deque amoeba.Index // Int64Key(version) -> Entry

	Popped         int64
	PoppedLocation int64

	flags utils.BitMask
}

func newTagState(t tag.Tag) *TagState {
	return &TagState{Tag: t, deque: amoeba.NewBTreeIndex(32), flags: flagNothingPersistent}
}

func (s *TagState) PoppedRecently() bool { return s.flags.Matches(flagPoppedRecently) }
func (s *TagState) SetPoppedRecently(v bool) {
	s.setFlag(flagPoppedRecently, v)
}

func (s *TagState) NothingPersistent() bool { return s.flags.Matches(flagNothingPersistent) }
func (s *TagState) SetNothingPersistent(v bool) {
	s.setFlag(flagNothingPersistent, v)
}

func (s *TagState) RequiresPoppedLocationUpdate() bool {
	return s.flags.Matches(flagRequiresPoppedLocationUpdate)
}
func (s *TagState) SetRequiresPoppedLocationUpdate(v bool) {
	s.setFlag(flagRequiresPoppedLocationUpdate, v)
}

func (s *TagState) UnpoppedRecovered() bool { return s.flags.Matches(flagUnpoppedRecovered) }
func (s *TagState) SetUnpoppedRecovered(v bool) {
	s.setFlag(flagUnpoppedRecovered, v)
}

func (s *TagState) setFlag(flag utils.BitMask, on bool) {
	if on {
		s.flags |= flag
	} else {
		s.flags &^= flag
	}
}

func (s *TagState) append(version int64, slice Slice) {
	amoeba.Put(s.deque, amoeba.Int64Key(version), Entry{Version: version, Slice: slice})
}

// ScanFrom walks entries with version >= from in ascending order.
func (s *TagState) ScanFrom(from int64, fn func(Entry) bool) {
	s.deque.Read(func(v amoeba.View) {
		v.ScanFrom(amoeba.Int64Key(from), func(scan amoeba.Scan, k amoeba.Key, val interface{}) {
			if !fn(val.(Entry)) {
				scan.Stop()
			}
		})
	})
}

// EraseBefore removes every entry with version < to, per spec.md
// §4.4's post-spill cleanup ("erase per-tag deque entries with V <=
// nextVersion") and §4.7's pop cleanup ("erase in-memory entries with
// version < to && version <= persistentDataDurableVersion"). The
// caller is responsible for applying whichever version ceiling its
// call site requires before invoking this.
func (s *TagState) EraseBefore(to int64) {
	var dead []amoeba.Key
	s.deque.Read(func(v amoeba.View) {
		v.Scan(func(scan amoeba.Scan, k amoeba.Key, _ interface{}) {
			if int64(k.(amoeba.Int64Key)) >= to {
				scan.Stop()
				return
			}
			dead = append(dead, k)
		})
	})
	if len(dead) == 0 {
		return
	}
	s.deque.Update(func(u amoeba.Update) {
		for _, k := range dead {
			u.Del(k)
		}
	})
}

func (s *TagState) Size() int {
	return s.deque.Size()
}

// Index owns every tag this TLog instance hosts: the message block
// pool they share, and the locality filter deciding which tags get
// populated on commit (spec.md §4.3's "per-message indexing on
// commit").
type Index struct {
	lock sync.RWMutex

	Locality    tag.Locality
	Satellite   bool
	RouterCount int

	blocks *BlockPool
	tags   map[tag.Tag]*TagState

	// versionSizes accumulates the per-version accounting byte sums
	// spec.md §4.3 describes ("update version_sizes[V] +=
	// expectedSize(slice)"), split between system-txn and ordinary
	// traffic for spill-batch sizing (§4.4). Kept as an ordered
	// treemap.Map (rather than a plain Go map) since spec.md §4.4's
	// batch algorithm needs to walk it in ascending version order from
	// an arbitrary floor — versions may have gaps (§3).
	versionSizes       *treemap.Map
	versionSizesSystem *treemap.Map
}

func NewIndex(locality tag.Locality, satellite bool, routerCount int) *Index {
	return &Index{
		Locality:           locality,
		Satellite:          satellite,
		RouterCount:        routerCount,
		blocks:             NewBlockPool(),
		tags:               make(map[tag.Tag]*TagState),
		versionSizes:       treemap.NewWith(int64Comparator),
		versionSizesSystem: treemap.NewWith(int64Comparator),
	}
}

// Tag returns (creating if absent) the state for t. Per-tag entries
// are created on first message or first pop and destroyed only on
// instance teardown (spec.md §3 Lifecycles).
func (idx *Index) Tag(t tag.Tag) *TagState {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	return idx.tagLocked(t)
}

func (idx *Index) tagLocked(t tag.Tag) *TagState {
	ts, ok := idx.tags[t]
	if !ok {
		ts = newTagState(t)
		idx.tags[t] = ts
	}
	return ts
}

// Exists reports whether t already has an entry, without creating one.
func (idx *Index) Exists(t tag.Tag) bool {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	_, ok := idx.tags[t]
	return ok
}

// Tags returns a snapshot of every tag currently known to the index.
func (idx *Index) Tags() []*TagState {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	out := make([]*TagState, 0, len(idx.tags))
	for _, ts := range idx.tags {
		out = append(out, ts)
	}
	return out
}

// Hosts reports whether this instance stores t, applying spec.md
// §4.3's locality filter.
func (idx *Index) Hosts(t tag.Tag) bool {
	return tag.HostedBy(t, idx.Locality, idx.Satellite, idx.RouterCount)
}

// IndexMessage implements spec.md §4.3's per-message commit-time
// routing: for each tag in S that this instance hosts, if V >=
// popped(T) append (V, slice) to T's deque, and append payload into
// the shared block pool once per destination tag set (the slice is
// shared across all tags the message targets).
func (idx *Index) IndexMessage(version int64, tags []tag.Tag, framed []byte, expectedSize int) {
	idx.lock.Lock()
	defer idx.lock.Unlock()

	var slice Slice
	sliced := false

	isSystem := false
	for _, t := range tags {
		if t.IsTxs() {
			isSystem = true
		}
	}

	for _, t := range tags {
		effective := t
		if t.IsLogRouter() {
			effective = tag.Tag{Locality: tag.LocalityLogRouter, Id: t.EffectiveRouterId(idx.RouterCount)}
		}
		if !idx.Hosts(effective) {
			continue
		}

		ts := idx.tagLocked(effective)
		if version < ts.Popped {
			continue
		}

		if !sliced {
			slice = idx.blocks.Append(version, framed)
			sliced = true
		}
		ts.append(version, slice)
		ts.SetNothingPersistent(false)
	}

	if sliced {
		target := idx.versionSizes
		if isSystem {
			target = idx.versionSizesSystem
		}
		existing := int64(0)
		if v, ok := target.Get(version); ok {
			existing = v.(int64)
		}
		target.Put(version, existing+int64(expectedSize))
	}
}

// VersionSizeAt returns the combined (system + ordinary) accounted
// bytes recorded for version, per spec.md §4.3.
func (idx *Index) VersionSizeAt(version int64) int64 {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	return idx.versionSizeAtLocked(version)
}

func (idx *Index) versionSizeAtLocked(version int64) int64 {
	var total int64
	if v, ok := idx.versionSizes.Get(version); ok {
		total += v.(int64)
	}
	if v, ok := idx.versionSizesSystem.Get(version); ok {
		total += v.(int64)
	}
	return total
}

// RangeVersionSizes walks recorded versions in ascending order
// starting at from (inclusive), calling fn(version, combinedBytes)
// until fn returns false or the versions are exhausted. Used by the
// spill engine's batch algorithm (spec.md §4.4) to accumulate
// cumulative bytes across a possibly sparse version range. Versions
// are drawn from the union of versionSizes and versionSizesSystem: a
// version whose accounted bytes live only in the system-tag tree (a
// batch with no ordinary-tag traffic) must still be visited.
func (idx *Index) RangeVersionSizes(from int64, fn func(version int64, bytes int64) bool) {
	idx.lock.RLock()
	defer idx.lock.RUnlock()

	seen := make(map[int64]bool)
	var versions []int64
	for _, m := range []*treemap.Map{idx.versionSizes, idx.versionSizesSystem} {
		it := m.Iterator()
		for it.Next() {
			v := it.Key().(int64)
			if v < from || seen[v] {
				continue
			}
			seen[v] = true
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	for _, v := range versions {
		if !fn(v, idx.versionSizeAtLocked(v)) {
			return
		}
	}
}

// ForgetVersionSizesUpTo drops recorded sizes for versions <= to,
// called after a spill batch advances persistentDataVersion.
func (idx *Index) ForgetVersionSizesUpTo(to int64) {
	idx.lock.Lock()
	defer idx.lock.Unlock()

	for _, m := range []*treemap.Map{idx.versionSizes, idx.versionSizesSystem} {
		var dead []interface{}
		it := m.Iterator()
		for it.Next() {
			v := it.Key().(int64)
			if v <= to {
				dead = append(dead, v)
			}
		}
		for _, k := range dead {
			m.Remove(k)
		}
	}
}

// DropBlocksBefore releases message blocks entirely older than
// version, per spec.md §4.4.
func (idx *Index) DropBlocksBefore(version int64) {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	idx.blocks.DropBefore(version)
}

func (idx *Index) BlockBytes() int64 {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	return idx.blocks.Bytes()
}
