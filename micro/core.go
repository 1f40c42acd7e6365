package micro

import (
	"github.com/pkg/errors"
)

// micro implements a very simple, protocol-agnostic request/response
// envelope. The teacher's version (bourne/micro) wraps this around a
// raw TCP transport (bourne/net); that transport is the "network RPC
// framework" spec.md §1 marks as an external collaborator whose
// contract is out of scope for this module. What is kept is the
// envelope itself: a Handler invoked per request, and a Dispatcher
// that runs it under the owning instance's Control, the same
// cancel-on-close behavior the teacher's server.handle gave every
// in-flight request.
//
// rpc.Server wires the seven request kinds of spec.md §6.1 onto one
// Handler each and registers them with a Dispatcher.

var (
	UnknownEncodingError = errors.New("Micro:UnknownEncoding")
)

// Handler processes a single request and produces a response. Handler
// implementations must be safe to invoke concurrently: a Dispatcher
// may run many handlers in flight across TLog's commit/peek/pop
// pipelines.
type Handler func(Request) Response

// Request is a writable message asking the server to invoke a handler.
type Request struct {
	Body interface{}
}

// Response tells the consumer the result of invoking the handler.
type Response struct {
	Ok bool

	// Err is set if !Ok.
	Err string

	Body interface{}
}

func (r Response) Error() error {
	if r.Ok {
		return nil
	}
	return errors.New(r.Err)
}

func NewRequest(body interface{}) Request {
	return Request{body}
}

func NewResponse(err error, body interface{}) Response {
	ok := err == nil

	var str string
	if !ok {
		str = err.Error()
	}

	return Response{ok, str, body}
}

func NewEmptyResponse() Response {
	return NewResponse(nil, nil)
}

func NewStandardResponse(body interface{}) Response {
	return NewResponse(nil, body)
}

func NewErrorResponse(err error) Response {
	return NewResponse(err, nil)
}
