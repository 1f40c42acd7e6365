package spill

import (
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"

	"github.com/pkopriv2/txlog/common"
	"github.com/pkopriv2/txlog/kvstore"
	"github.com/pkopriv2/txlog/logqueue"
	"github.com/pkopriv2/txlog/rawqueue"
	"github.com/pkopriv2/txlog/stash"
	"github.com/pkopriv2/txlog/tag"
	"github.com/pkopriv2/txlog/tagindex"
	"github.com/pkopriv2/txlog/wire"
)

func openTestKV(t *testing.T) kvstore.Store {
	ctx := common.NewContext(common.NewEmptyConfig())
	t.Cleanup(func() { ctx.Close() })

	db, err := stash.OpenTransient(ctx)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := rawqueue.New(db, "kv")
	if err != nil {
		t.Fatal(err)
	}
	s, err := kvstore.Open(logqueue.New(raw))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// fakeLocations answers Location(version) from a fixed map, standing in
// for the commit pipeline's real location index.
type fakeLocations map[int64][2]int64

func (f fakeLocations) Location(version int64) (int64, int64, bool) {
	r, ok := f[version]
	if !ok {
		return 0, 0, false
	}
	return r[0], r[1], true
}

func TestEngine_ComputeNextVersion_StopsAtByteLimit(t *testing.T) {
	idx := tagindex.NewIndex(tag.Locality(1), false, 4)
	target := tag.Tag{Locality: 1, Id: 1}

	idx.IndexMessage(1, []tag.Tag{target}, []byte("a"), 40)
	idx.IndexMessage(2, []tag.Tag{target}, []byte("b"), 40)
	idx.IndexMessage(3, []tag.Tag{target}, []byte("c"), 40)

	e := New(uuid.NewV4(), idx, nil, nil)

	// limit allows versions 1 and 2 (80 bytes) but not 3 (120 > 100).
	next := e.ComputeNextVersion(3, 100)
	assert.Equal(t, int64(2), next)
}

func TestEngine_ComputeNextVersion_NeverExceedsCommittedVersion(t *testing.T) {
	idx := tagindex.NewIndex(tag.Locality(1), false, 4)
	target := tag.Tag{Locality: 1, Id: 1}

	idx.IndexMessage(1, []tag.Tag{target}, []byte("a"), 10)
	idx.IndexMessage(2, []tag.Tag{target}, []byte("b"), 10)

	e := New(uuid.NewV4(), idx, nil, nil)

	next := e.ComputeNextVersion(1, 1<<30)
	assert.Equal(t, int64(1), next)
}

func TestEngine_SpillBatch_SpillsTxsTagByValue(t *testing.T) {
	idx := tagindex.NewIndex(tag.LocalitySpecial, false, 4)
	idx.IndexMessage(1, []tag.Tag{tag.TxsTag}, []byte("hello"), 5)
	idx.IndexMessage(2, []tag.Tag{tag.TxsTag}, []byte("world"), 5)

	kv := openTestKV(t)
	logID := uuid.NewV4()
	e := New(logID, idx, kv, fakeLocations{})

	assert.Nil(t, e.SpillBatch(2, 2, 0))
	assert.Equal(t, int64(2), e.PersistentDataVersion)

	stored := kv.Get(wire.TagMsgKey(logID, tag.TxsTag, 1))
	assert.Equal(t, []byte("hello"), stored)

	stored2 := kv.Get(wire.TagMsgKey(logID, tag.TxsTag, 2))
	assert.Equal(t, []byte("world"), stored2)

	version := kv.Get(wire.PersistentDataVersionKey(logID))
	assert.Equal(t, 8, len(version))
}

func TestEngine_SpillBatch_SpillsOrdinaryTagByReference(t *testing.T) {
	idx := tagindex.NewIndex(tag.Locality(1), false, 4)
	target := tag.Tag{Locality: 1, Id: 1}
	idx.IndexMessage(1, []tag.Tag{target}, []byte("abc"), 3)

	kv := openTestKV(t)
	logID := uuid.NewV4()
	locs := fakeLocations{1: [2]int64{100, 110}}
	e := New(logID, idx, kv, locs)

	assert.Nil(t, e.SpillBatch(1, 1, 0))

	prefix := wire.TagMsgRefPrefix(logID, target)
	rows, err := kv.ReadRange(prefix, wire.PrefixUpperBound(prefix), 0)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(rows))

	vec, err := wire.DecodeSpilledDataVector(rows[0].Value)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(vec))
	assert.Equal(t, int64(1), vec[0].Version)
	assert.Equal(t, uint64(100), vec[0].Start)
	assert.Equal(t, uint32(10), vec[0].Length)
}

func TestEngine_SpillBatch_ErasesSpilledEntriesFromIndex(t *testing.T) {
	idx := tagindex.NewIndex(tag.LocalitySpecial, false, 4)
	idx.IndexMessage(1, []tag.Tag{tag.TxsTag}, []byte("a"), 1)

	kv := openTestKV(t)
	e := New(uuid.NewV4(), idx, kv, fakeLocations{})

	assert.Nil(t, e.SpillBatch(1, 1, 0))

	ts := idx.Tag(tag.TxsTag)
	assert.Equal(t, 0, ts.Size())
}

func TestEngine_RefreshPoppedLocation_FindsFirstEntryAtOrAfterPopped(t *testing.T) {
	kv := openTestKV(t)
	logID := uuid.NewV4()
	target := tag.Tag{Locality: 1, Id: 1}

	vec := []wire.SpilledData{
		{Version: 5, Start: 500, Length: 10, MutationBytes: 10},
		{Version: 8, Start: 800, Length: 10, MutationBytes: 10},
	}
	kv.Set(wire.TagMsgRefKey(logID, target, 8), wire.EncodeSpilledDataVector(vec))
	assert.Nil(t, kv.Commit())

	e := New(logID, tagindex.NewIndex(tag.Locality(1), false, 4), kv, nil)

	ts := tagindex.NewIndex(tag.Locality(1), false, 4).Tag(target)
	ts.Popped = 6
	ts.SetRequiresPoppedLocationUpdate(true)

	assert.Nil(t, e.RefreshPoppedLocation(ts))
	assert.Equal(t, int64(800), ts.PoppedLocation)
	assert.False(t, ts.RequiresPoppedLocationUpdate())
}

func TestEngine_RefreshPoppedLocation_NoRowsMeansNothingPersistent(t *testing.T) {
	kv := openTestKV(t)
	logID := uuid.NewV4()
	target := tag.Tag{Locality: 1, Id: 1}

	e := New(logID, tagindex.NewIndex(tag.Locality(1), false, 4), kv, nil)

	ts := tagindex.NewIndex(tag.Locality(1), false, 4).Tag(target)
	ts.SetNothingPersistent(false)
	ts.SetRequiresPoppedLocationUpdate(true)

	assert.Nil(t, e.RefreshPoppedLocation(ts))
	assert.True(t, ts.NothingPersistent())
	assert.False(t, ts.RequiresPoppedLocationUpdate())
}

// When popped has raced ahead of the last spill batch, no SpilledData
// row covers it yet; RefreshPoppedLocation must fall back to the
// in-memory location index rather than giving up on the tag.
func TestEngine_RefreshPoppedLocation_FallsBackToInMemoryLocation(t *testing.T) {
	kv := openTestKV(t)
	logID := uuid.NewV4()
	target := tag.Tag{Locality: 1, Id: 1}

	locs := fakeLocations{7: [2]int64{700, 710}}
	e := New(logID, tagindex.NewIndex(tag.Locality(1), false, 4), kv, locs)

	ts := tagindex.NewIndex(tag.Locality(1), false, 4).Tag(target)
	ts.Popped = 7
	ts.SetRequiresPoppedLocationUpdate(true)

	assert.Nil(t, e.RefreshPoppedLocation(ts))
	assert.Equal(t, int64(700), ts.PoppedLocation)
	assert.False(t, ts.NothingPersistent())
	assert.False(t, ts.RequiresPoppedLocationUpdate())
}

func TestEngine_RefreshPoppedLocation_NoOpWhenUpdateNotRequired(t *testing.T) {
	e := New(uuid.NewV4(), tagindex.NewIndex(tag.Locality(1), false, 4), nil, nil)

	ts := tagindex.NewIndex(tag.Locality(1), false, 4).Tag(tag.Tag{Locality: 1, Id: 9})
	assert.False(t, ts.RequiresPoppedLocationUpdate())

	assert.Nil(t, e.RefreshPoppedLocation(ts))
}

func TestEngine_ComputeRawQueuePop_PicksMinimumAcrossTags(t *testing.T) {
	idx := tagindex.NewIndex(tag.Locality(1), false, 4)

	a := idx.Tag(tag.Tag{Locality: 1, Id: 1})
	a.Popped = 10
	a.PoppedLocation = 500
	a.SetNothingPersistent(false)

	b := idx.Tag(tag.Tag{Locality: 1, Id: 2})
	b.Popped = 10
	b.PoppedLocation = 200
	b.SetNothingPersistent(false)

	e := New(uuid.NewV4(), idx, nil, nil)
	e.PersistentDataVersion = 5

	min := e.ComputeRawQueuePop(1000)
	assert.Equal(t, int64(200), min)
}

func TestEngine_ComputeRawQueuePop_IgnoresNothingPersistentTags(t *testing.T) {
	idx := tagindex.NewIndex(tag.Locality(1), false, 4)

	a := idx.Tag(tag.Tag{Locality: 1, Id: 1})
	a.Popped = 10
	a.PoppedLocation = 1
	// nothingPersistent left true (default), so its location is ignored.

	e := New(uuid.NewV4(), idx, nil, nil)
	e.PersistentDataVersion = 5

	min := e.ComputeRawQueuePop(900)
	assert.Equal(t, int64(900), min)
}
