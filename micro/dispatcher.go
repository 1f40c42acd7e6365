package micro

import (
	"github.com/pkg/errors"
	"github.com/pkopriv2/txlog/common"
)

// Dispatcher registers named handlers and invokes them under a
// Control, the way the teacher's server.handle ran each connection's
// request on a goroutine racing the server's shutdown channel
// (bourne/micro.server.handle). Here there is no transport: rpc.Server
// calls Dispatcher.Dispatch directly from whatever RPC surface the
// deployment wires up (the network framework itself is out of scope,
// spec.md §1).
type Dispatcher interface {
	Register(name string, h Handler)
	Dispatch(name string, req Request) (Response, error)
}

type dispatcher struct {
	ctrl     common.Control
	handlers map[string]Handler
}

func NewDispatcher(ctrl common.Control) Dispatcher {
	return &dispatcher{ctrl: ctrl, handlers: make(map[string]Handler)}
}

func (d *dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

func (d *dispatcher) Dispatch(name string, req Request) (Response, error) {
	h, ok := d.handlers[name]
	if !ok {
		return Response{}, errors.Errorf("Micro:UnknownHandler(%v)", name)
	}

	val := make(chan Response, 1)
	go func() {
		val <- h(req)
	}()

	select {
	case <-d.ctrl.Closed():
		return Response{}, errors.WithStack(common.ClosedError)
	case res := <-val:
		return res, res.Error()
	}
}
