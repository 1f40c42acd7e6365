// Package rpc wires spec.md §6.1's seven request/reply schemas onto
// TLogData/LogData, registered with a micro.Dispatcher. This is the
// boundary the out-of-scope network RPC framework (spec.md §1) would
// sit behind; rpc itself only defines the request/response shapes and
// how they map onto tlogsvr's pipelines, the way the teacher's micro
// package separates envelope from transport.
package rpc

import (
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/pkopriv2/txlog/micro"
	"github.com/pkopriv2/txlog/tlogsvr"
)

const (
	MethodCommit           = "TLogCommitRequest"
	MethodPeek             = "TLogPeekRequest"
	MethodPop              = "TLogPopRequest"
	MethodLock             = "TLogLockRequest"
	MethodQueuingMetrics   = "TLogQueuingMetricsRequest"
	MethodConfirmRunning   = "TLogConfirmRunningRequest"
	MethodRecoveryFinished = "TLogRecoveryFinishedRequest"
)

func errBadRequest(method string) error {
	return errors.Errorf("Rpc:BadRequest(%v)", method)
}

// StorageBytes mirrors the nested struct in TLogQueuingMetricsRequest's
// reply (spec.md §6.1).
type StorageBytes struct {
	Free      int64
	Total     int64
	Used      int64
	Available int64
}

// QueuingMetricsReply mirrors spec.md §6.1's TLogQueuingMetricsRequest
// reply.
type QueuingMetricsReply struct {
	LocalTime    float64
	InstanceID   int64
	BytesDurable int64
	BytesInput   int64
	Storage      StorageBytes
	Version      int64
}

// ConfirmRunningRequest mirrors spec.md §6.1's TLogConfirmRunningRequest.
type ConfirmRunningRequest struct {
	DebugID *uuid.UUID
}

// Server registers every TLog RPC handler against a LogData instance.
// One Server instance is scoped to one instance (log generation); a
// deployment registers one Server per LogData it recruits.
type Server struct {
	Data *tlogsvr.LogData
}

func NewServer(data *tlogsvr.LogData) *Server {
	return &Server{Data: data}
}

// Register binds every handler onto d, keyed by the method names
// above.
func (s *Server) Register(d micro.Dispatcher) {
	d.Register(MethodCommit, s.handleCommit)
	d.Register(MethodPeek, s.handlePeek)
	d.Register(MethodPop, s.handlePop)
	d.Register(MethodLock, s.handleLock)
	d.Register(MethodQueuingMetrics, s.handleQueuingMetrics)
	d.Register(MethodConfirmRunning, s.handleConfirmRunning)
	d.Register(MethodRecoveryFinished, s.handleRecoveryFinished)
}

func (s *Server) handleCommit(req micro.Request) micro.Response {
	body, ok := req.Body.(tlogsvr.CommitRequest)
	if !ok {
		return micro.NewErrorResponse(errBadRequest(MethodCommit))
	}

	durable, err := s.Data.Commit(body)
	if err != nil {
		return micro.NewErrorResponse(err)
	}
	return micro.NewStandardResponse(durable)
}

func (s *Server) handlePeek(req micro.Request) micro.Response {
	body, ok := req.Body.(tlogsvr.PeekRequest)
	if !ok {
		return micro.NewErrorResponse(errBadRequest(MethodPeek))
	}

	reply, err := s.Data.Peek(body)
	if err != nil {
		return micro.NewErrorResponse(err)
	}
	return micro.NewStandardResponse(reply)
}

func (s *Server) handlePop(req micro.Request) micro.Response {
	body, ok := req.Body.(tlogsvr.PopRequest)
	if !ok {
		return micro.NewErrorResponse(errBadRequest(MethodPop))
	}

	if err := s.Data.Pop(body); err != nil {
		return micro.NewErrorResponse(err)
	}
	return micro.NewEmptyResponse()
}

// handleLock implements spec.md §6.1's TLogLockRequest: "locking stops
// commit acceptance and drains queueCommittedVersion up to version."
func (s *Server) handleLock(req micro.Request) micro.Response {
	result, err := s.Data.Lock()
	if err != nil {
		return micro.NewErrorResponse(err)
	}
	return micro.NewStandardResponse(result)
}

func (s *Server) handleQueuingMetrics(req micro.Request) micro.Response {
	s.Data.RefreshStorage()
	free, total, used, available := s.Data.Stats.Storage()

	return micro.NewStandardResponse(QueuingMetricsReply{
		BytesDurable: s.Data.Stats.BytesDurable(),
		BytesInput:   s.Data.Stats.BytesInput(),
		Storage: StorageBytes{
			Free:      free,
			Total:     total,
			Used:      used,
			Available: available,
		},
		Version: s.Data.Version.Get(),
	})
}

func (s *Server) handleConfirmRunning(req micro.Request) micro.Response {
	if s.Data.Stopped() {
		return micro.NewErrorResponse(tlogsvr.ErrStopped)
	}
	return micro.NewEmptyResponse()
}

func (s *Server) handleRecoveryFinished(req micro.Request) micro.Response {
	return micro.NewEmptyResponse()
}
