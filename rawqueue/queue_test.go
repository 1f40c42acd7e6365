package rawqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pkopriv2/txlog/common"
	"github.com/pkopriv2/txlog/stash"
)

func openTestQueue(t *testing.T, name string) Queue {
	ctx := common.NewContext(common.NewEmptyConfig())
	t.Cleanup(func() { ctx.Close() })

	store, err := stash.OpenTransient(ctx)
	if err != nil {
		t.Fatal(err)
	}

	q, err := New(store, name)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestQueue_PushCommit_MakesRangeReadable(t *testing.T) {
	q := openTestQueue(t, "commit")

	start, end, err := q.Push([]byte("hello"))
	assert.Nil(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(5), end)

	assert.Nil(t, q.Commit())

	data, err := q.ReadRange(start, end)
	assert.Nil(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestQueue_Push_NotDurableBeforeCommit(t *testing.T) {
	q := openTestQueue(t, "commit")

	start, end, err := q.Push([]byte("uncommitted"))
	assert.Nil(t, err)

	data, err := q.ReadRange(start, end)
	assert.Nil(t, err)
	assert.Equal(t, 0, len(data))
}

func TestQueue_ReadRange_SpansMultiplePushes(t *testing.T) {
	q := openTestQueue(t, "commit")

	_, _, err := q.Push([]byte("abc"))
	assert.Nil(t, err)
	_, end, err := q.Push([]byte("def"))
	assert.Nil(t, err)
	assert.Nil(t, q.Commit())

	data, err := q.ReadRange(0, end)
	assert.Nil(t, err)
	assert.Equal(t, []byte("abcdef"), data)
}

func TestQueue_Pop_RemovesRangeFromFutureReads(t *testing.T) {
	q := openTestQueue(t, "commit")

	_, end1, _ := q.Push([]byte("aaa"))
	_, end2, _ := q.Push([]byte("bbb"))
	assert.Nil(t, q.Commit())
	assert.Nil(t, q.Pop(end1))

	data, err := q.ReadRange(end1, end2)
	assert.Nil(t, err)
	assert.Equal(t, []byte("bbb"), data)
}

func TestQueue_NextReadLocation_AdvancesAcrossPushes(t *testing.T) {
	q := openTestQueue(t, "commit")

	assert.Equal(t, int64(0), q.NextReadLocation())
	_, end, _ := q.Push([]byte("xyz"))
	assert.Equal(t, end, q.NextReadLocation())
}

func TestQueue_InitializeRecoveryAndReadNext(t *testing.T) {
	q := openTestQueue(t, "commit")

	_, end1, _ := q.Push([]byte("first"))
	_, _, _ = q.Push([]byte("second"))
	assert.Nil(t, q.Commit())

	assert.Nil(t, q.InitializeRecovery(0))

	payload, start, ok, err := q.ReadNext()
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, []byte("first"), payload)

	payload2, start2, ok2, err := q.ReadNext()
	assert.Nil(t, err)
	assert.True(t, ok2)
	assert.Equal(t, end1, start2)
	assert.Equal(t, []byte("second"), payload2)

	_, _, ok3, err := q.ReadNext()
	assert.Nil(t, err)
	assert.False(t, ok3)
}

func TestQueue_SeparateNames_DontShareData(t *testing.T) {
	ctx := common.NewContext(common.NewEmptyConfig())
	defer ctx.Close()

	store, err := stash.OpenTransient(ctx)
	assert.Nil(t, err)

	a, err := New(store, "commit")
	assert.Nil(t, err)
	b, err := New(store, "kvstore")
	assert.Nil(t, err)

	_, _, err = a.Push([]byte("only-in-a"))
	assert.Nil(t, err)
	assert.Nil(t, a.Commit())

	data, err := b.ReadRange(0, 9)
	assert.Nil(t, err)
	assert.Equal(t, 0, len(data))
}
