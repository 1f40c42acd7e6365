package amoeba

import (
	"sync"

	"github.com/google/btree"
)

// Index is the in-memory, ordered B-tree index the teacher's kayak
// package builds its per-segment log on (kayak/log.go: "raw
// amoeba.Index"). TLog reuses the same abstraction for the per-tag
// deque of (version, message-slice) pairs (spec.md §4.3): single
// global lock, multiple-reader/single-writer semantics, ordered scan
// from an arbitrary key forward.
type Index interface {
	// Size returns the number of items in the index.
	Size() int

	// Read takes a read lock for the duration of fn.
	Read(func(View))

	// Update takes a write lock for the duration of fn.
	Update(func(Update))
}

// Scan lets a consumer steer a running scan: skip ahead to Next(key),
// or Stop() early once enough has been collected.
type Scan interface {
	Next(Key)
	Stop()
}

type View interface {
	Get(key Key) interface{}
	Scan(fn func(Scan, Key, interface{}))
	ScanFrom(start Key, fn func(Scan, Key, interface{}))
}

type Update interface {
	View
	Put(key Key, val interface{})
	Del(key Key)
}

// btreeItem adapts a Key/value pair onto btree.Item's total order.
type btreeItem struct {
	key Key
	val interface{}
}

func (b btreeItem) Less(than btree.Item) bool {
	return b.key.Compare(than.(btreeItem).key) < 0
}

type btreeIndex struct {
	lock sync.RWMutex
	tree *btree.BTree
}

// NewBTreeIndex allocates an index whose underlying google/btree tree
// has the given branching degree (kayak used 32 for its event log;
// tagindex uses the same).
func NewBTreeIndex(degree int) Index {
	return &btreeIndex{tree: btree.New(degree)}
}

func (i *btreeIndex) Size() int {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return i.tree.Len()
}

func (i *btreeIndex) Read(fn func(View)) {
	i.lock.RLock()
	defer i.lock.RUnlock()
	fn(&btreeView{i.tree})
}

func (i *btreeIndex) Update(fn func(Update)) {
	i.lock.Lock()
	defer i.lock.Unlock()
	fn(&btreeUpdate{btreeView{i.tree}})
}

type btreeView struct {
	tree *btree.BTree
}

func (v *btreeView) Get(key Key) interface{} {
	item := v.tree.Get(btreeItem{key: key})
	if item == nil {
		return nil
	}
	return item.(btreeItem).val
}

func (v *btreeView) Scan(fn func(Scan, Key, interface{})) {
	v.scanFrom(nil, fn)
}

func (v *btreeView) ScanFrom(start Key, fn func(Scan, Key, interface{})) {
	v.scanFrom(start, fn)
}

// scanFrom walks the tree ascending from start (or the minimum, if nil).
// A Next(k) call from the consumer restarts the ascent from k; Stop()
// halts it. Restarting on Next is O(log n) against the btree, the same
// cost AscendGreaterOrEqual already pays to seek.
func (v *btreeView) scanFrom(start Key, fn func(Scan, Key, interface{})) {
	s := &scanState{}
	cursor := start

	for {
		s.next = nil
		s.stop = false

		iter := func(i btree.Item) bool {
			it := i.(btreeItem)
			fn(s, it.key, it.val)
			return !s.stop && s.next == nil
		}

		if cursor == nil {
			v.tree.Ascend(iter)
		} else {
			v.tree.AscendGreaterOrEqual(btreeItem{key: cursor}, iter)
		}

		if s.next == nil {
			return
		}
		cursor = s.next
	}
}

type scanState struct {
	next Key
	stop bool
}

func (s *scanState) Next(k Key) {
	s.next = k
}

func (s *scanState) Stop() {
	s.stop = true
}

type btreeUpdate struct {
	btreeView
}

func (u *btreeUpdate) Put(key Key, val interface{}) {
	u.tree.ReplaceOrInsert(btreeItem{key: key, val: val})
}

func (u *btreeUpdate) Del(key Key) {
	u.tree.Delete(btreeItem{key: key})
}

// Convenience wrappers mirroring kayak's amoeba.Get/Put/Del helpers.

func Get(idx Index, key Key) (ret interface{}) {
	idx.Read(func(v View) {
		ret = v.Get(key)
	})
	return
}

func Put(idx Index, key Key, val interface{}) {
	idx.Update(func(u Update) {
		u.Put(key, val)
	})
}

func Del(idx Index, key Key) {
	idx.Update(func(u Update) {
		u.Del(key)
	})
}
