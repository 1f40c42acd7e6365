package rpc

import (
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"

	"github.com/pkopriv2/txlog/common"
	"github.com/pkopriv2/txlog/micro"
	"github.com/pkopriv2/txlog/stash"
	"github.com/pkopriv2/txlog/tag"
	"github.com/pkopriv2/txlog/tlogsvr"
	"github.com/pkopriv2/txlog/wire"
)

func openTestServer(t *testing.T) (*Server, micro.Dispatcher, *tlogsvr.LogData) {
	ctx := common.NewContext(common.NewEmptyConfig())
	t.Cleanup(func() { ctx.Close() })

	store, err := stash.OpenTransient(ctx)
	if err != nil {
		t.Fatal(err)
	}

	data, err := tlogsvr.Open(ctx, store, tag.Locality(1), false, 4)
	if err != nil {
		t.Fatal(err)
	}

	ld := data.Recruit(uuid.NewV4(), 0, 0)

	server := NewServer(ld)
	dispatcher := micro.NewDispatcher(ctx.Control())
	server.Register(dispatcher)

	return server, dispatcher, ld
}

func TestServer_DispatchCommit_RoutesToLogData(t *testing.T) {
	_, d, ld := openTestServer(t)

	tg := tag.Tag{Locality: 1, Id: 1}
	msgs := wire.EncodeMessages([]wire.Message{{Tags: []tag.Tag{tg}, Payload: []byte("hi")}})

	resp, err := d.Dispatch(MethodCommit, micro.NewRequest(tlogsvr.CommitRequest{
		PrevVersion: 0, Version: 1, Messages: msgs,
	}))
	assert.Nil(t, err)
	assert.True(t, resp.Ok)
	assert.Equal(t, int64(1), ld.Version.Get())
}

func TestServer_DispatchCommit_BadBodyReturnsError(t *testing.T) {
	_, d, _ := openTestServer(t)

	_, err := d.Dispatch(MethodCommit, micro.NewRequest("not a commit request"))
	assert.NotNil(t, err)
}

func TestServer_DispatchPeek_RoutesToLogData(t *testing.T) {
	_, d, ld := openTestServer(t)

	tg := tag.Tag{Locality: 1, Id: 1}
	msgs := wire.EncodeMessages([]wire.Message{{Tags: []tag.Tag{tg}, Payload: []byte("hi")}})
	_, err := ld.Commit(tlogsvr.CommitRequest{PrevVersion: 0, Version: 1, Messages: msgs})
	assert.Nil(t, err)

	resp, err := d.Dispatch(MethodPeek, micro.NewRequest(tlogsvr.PeekRequest{Begin: 0, Tag: tg}))
	assert.Nil(t, err)
	reply, ok := resp.Body.(tlogsvr.PeekReply)
	assert.True(t, ok)
	assert.True(t, len(reply.Messages) > 0)
}

func TestServer_DispatchPop_RoutesToLogData(t *testing.T) {
	_, d, ld := openTestServer(t)
	tg := tag.Tag{Locality: 1, Id: 1}

	resp, err := d.Dispatch(MethodPop, micro.NewRequest(tlogsvr.PopRequest{Tag: tg, To: 5}))
	assert.Nil(t, err)
	assert.True(t, resp.Ok)
	assert.Equal(t, int64(5), ld.Index.Tag(tg).Popped)
}

func TestServer_DispatchLock_StopsAcceptingCommits(t *testing.T) {
	_, d, ld := openTestServer(t)

	resp, err := d.Dispatch(MethodLock, micro.NewRequest(nil))
	assert.Nil(t, err)
	_, ok := resp.Body.(tlogsvr.LockResult)
	assert.True(t, ok)
	assert.True(t, ld.Stopped())
}

func TestServer_DispatchConfirmRunning_ErrorsOnceStopped(t *testing.T) {
	_, d, ld := openTestServer(t)
	ld.Stop()

	_, err := d.Dispatch(MethodConfirmRunning, micro.NewRequest(nil))
	assert.NotNil(t, err)
}

func TestServer_DispatchQueuingMetrics_ReturnsReply(t *testing.T) {
	_, d, _ := openTestServer(t)

	resp, err := d.Dispatch(MethodQueuingMetrics, micro.NewRequest(nil))
	assert.Nil(t, err)
	_, ok := resp.Body.(QueuingMetricsReply)
	assert.True(t, ok)
}

func TestServer_DispatchRecoveryFinished_ReturnsEmptyOk(t *testing.T) {
	_, d, _ := openTestServer(t)

	resp, err := d.Dispatch(MethodRecoveryFinished, micro.NewRequest(nil))
	assert.Nil(t, err)
	assert.True(t, resp.Ok)
}

func TestServer_DispatchUnknownMethod_Errors(t *testing.T) {
	_, d, _ := openTestServer(t)

	_, err := d.Dispatch("NoSuchMethod", micro.NewRequest(nil))
	assert.NotNil(t, err)
}
