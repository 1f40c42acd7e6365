package tagindex

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pkopriv2/txlog/tag"
)

func TestTagState_Flags_DefaultNothingPersistent(t *testing.T) {
	ts := newTagState(tag.Tag{Locality: 0, Id: 1})
	assert.True(t, ts.NothingPersistent())
	assert.False(t, ts.PoppedRecently())
	assert.False(t, ts.RequiresPoppedLocationUpdate())
	assert.False(t, ts.UnpoppedRecovered())
}

func TestTagState_Flags_SetAndClearIndependently(t *testing.T) {
	ts := newTagState(tag.Tag{Locality: 0, Id: 1})

	ts.SetPoppedRecently(true)
	ts.SetRequiresPoppedLocationUpdate(true)
	assert.True(t, ts.PoppedRecently())
	assert.True(t, ts.RequiresPoppedLocationUpdate())
	assert.True(t, ts.NothingPersistent())

	ts.SetPoppedRecently(false)
	assert.False(t, ts.PoppedRecently())
	assert.True(t, ts.RequiresPoppedLocationUpdate())
}

func TestTagState_ScanFromAndEraseBefore(t *testing.T) {
	ts := newTagState(tag.Tag{Locality: 0, Id: 1})
	ts.append(10, Slice{})
	ts.append(20, Slice{})
	ts.append(30, Slice{})

	var seen []int64
	ts.ScanFrom(15, func(e Entry) bool {
		seen = append(seen, e.Version)
		return true
	})
	assert.Equal(t, []int64{20, 30}, seen)

	ts.EraseBefore(20)
	assert.Equal(t, 2, ts.Size())
}

func TestIndex_Hosts_OrdinaryLocality(t *testing.T) {
	idx := NewIndex(tag.Locality(2), false, 4)
	assert.True(t, idx.Hosts(tag.Tag{Locality: 2, Id: 1}))
	assert.False(t, idx.Hosts(tag.Tag{Locality: 3, Id: 1}))
	assert.True(t, idx.Hosts(tag.TxsTag))
}

func TestIndex_Hosts_Satellite(t *testing.T) {
	idx := NewIndex(tag.Locality(2), true, 4)
	assert.True(t, idx.Hosts(tag.TxsTag))
	assert.True(t, idx.Hosts(tag.Tag{Locality: tag.LocalityLogRouter, Id: 1}))
	assert.False(t, idx.Hosts(tag.Tag{Locality: 2, Id: 1}))
}

func TestIndex_IndexMessage_SkipsUnhostedTags(t *testing.T) {
	idx := NewIndex(tag.Locality(1), false, 4)

	hosted := tag.Tag{Locality: 1, Id: 5}
	unhosted := tag.Tag{Locality: 2, Id: 5}

	idx.IndexMessage(100, []tag.Tag{hosted, unhosted}, []byte("payload"), 7)

	assert.True(t, idx.Exists(hosted))
	assert.False(t, idx.Exists(unhosted))
}

func TestIndex_IndexMessage_SkipsVersionsBelowPopped(t *testing.T) {
	idx := NewIndex(tag.Locality(1), false, 4)
	target := tag.Tag{Locality: 1, Id: 5}

	idx.Tag(target).Popped = 50

	idx.IndexMessage(10, []tag.Tag{target}, []byte("old"), 3)
	idx.IndexMessage(60, []tag.Tag{target}, []byte("new"), 3)

	ts := idx.Tag(target)
	var versions []int64
	ts.ScanFrom(0, func(e Entry) bool {
		versions = append(versions, e.Version)
		return true
	})
	assert.Equal(t, []int64{60}, versions)
}

func TestIndex_IndexMessage_FoldsLogRouterIdByRouterCount(t *testing.T) {
	idx := NewIndex(tag.LocalityLogRouter, false, 4)
	router := tag.Tag{Locality: tag.LocalityLogRouter, Id: 10} // 10 % 4 == 2

	idx.IndexMessage(1, []tag.Tag{router}, []byte("m"), 1)

	assert.True(t, idx.Exists(tag.Tag{Locality: tag.LocalityLogRouter, Id: 2}))
	assert.False(t, idx.Exists(router))
}

func TestIndex_VersionSizes_AccumulateAndForget(t *testing.T) {
	idx := NewIndex(tag.Locality(1), false, 4)
	target := tag.Tag{Locality: 1, Id: 1}

	idx.IndexMessage(1, []tag.Tag{target}, []byte("a"), 10)
	idx.IndexMessage(1, []tag.Tag{target}, []byte("b"), 5)
	idx.IndexMessage(2, []tag.Tag{target}, []byte("c"), 7)

	assert.Equal(t, int64(15), idx.VersionSizeAt(1))
	assert.Equal(t, int64(7), idx.VersionSizeAt(2))

	var got []int64
	idx.RangeVersionSizes(1, func(v int64, bytes int64) bool {
		got = append(got, v)
		return true
	})
	assert.Equal(t, []int64{1, 2}, got)

	idx.ForgetVersionSizesUpTo(1)
	assert.Equal(t, int64(0), idx.VersionSizeAt(1))
	assert.Equal(t, int64(7), idx.VersionSizeAt(2))
}

func TestIndex_VersionSizes_SystemTrafficTracksSeparately(t *testing.T) {
	idx := NewIndex(tag.LocalitySpecial, false, 4)

	idx.IndexMessage(1, []tag.Tag{tag.TxsTag}, []byte("sys"), 9)
	assert.Equal(t, int64(9), idx.VersionSizeAt(1))
}

func TestIndex_RangeVersionSizes_VisitsSystemOnlyVersion(t *testing.T) {
	idx := NewIndex(tag.Locality(1), false, 4)
	ordinary := tag.Tag{Locality: 1, Id: 1}

	// version 1 carries only ordinary-tag traffic, version 2 carries
	// only system-transaction traffic, version 3 carries both.
	idx.IndexMessage(1, []tag.Tag{ordinary}, []byte("a"), 5)
	idx.IndexMessage(2, []tag.Tag{tag.TxsTag}, []byte("sys"), 9)
	idx.IndexMessage(3, []tag.Tag{ordinary, tag.TxsTag}, []byte("both"), 7)

	seen := map[int64]int64{}
	idx.RangeVersionSizes(0, func(version, bytes int64) bool {
		seen[version] = bytes
		return true
	})

	assert.Equal(t, int64(5), seen[1])
	assert.Equal(t, int64(9), seen[2])
	assert.Equal(t, int64(7), seen[3])
	assert.Equal(t, 3, len(seen))
}

func TestBlockPool_AppendAndDropBefore(t *testing.T) {
	p := NewBlockPool()
	s1 := p.Append(1, []byte("hello"))
	s2 := p.Append(2, []byte("world"))

	assert.Equal(t, []byte("hello"), s1.Bytes())
	assert.Equal(t, []byte("world"), s2.Bytes())
	assert.True(t, p.Bytes() > 0)

	p.DropBefore(1)
	assert.Equal(t, 1, len(p.blocks))
}

func TestBlockPool_Append_NewBlockWhenOversized(t *testing.T) {
	p := NewBlockPool()
	big := make([]byte, DefaultBlockSize+10)
	s := p.Append(1, big)
	assert.Equal(t, len(big), s.Len())
	assert.Equal(t, 1, len(p.blocks))
}
