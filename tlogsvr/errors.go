// Package tlogsvr implements the Commit (G), Peek (H), and Pop (I)
// pipelines of spec.md §4.5-4.7 plus crash recovery (§4.8), as methods
// on LogData — one TLog instance — and the shared TLogData process
// registry hosting many instances over one raw queue and one KV store
// (spec.md §3 "Shared store").
//
// Grounded on kayak/host.go's request-dispatch-over-shared-state shape
// (one Host owns a log, a term, and serves RPCs against them); here
// one TLogData owns the shared rawqueue/kvstore pair and serves many
// LogData instances' RPCs against them. The single-threaded
// cooperative scheduler of spec.md §5 is reimplemented as explicit
// mutex-guarded state machines instead (permitted by spec.md §9:
// "Reimplementing as explicit state machines... is acceptable").
package tlogsvr

import "github.com/pkg/errors"

// Error kinds surfaced to callers, spec.md §7.
var (
	ErrStopped                      = errors.New("TLog:Stopped")
	ErrEndOfStream                  = errors.New("TLog:EndOfStream")
	ErrTimedOut                     = errors.New("TLog:TimedOut")
	ErrWorkerRemoved                = errors.New("TLog:WorkerRemoved")
	ErrRecruitmentFailed            = errors.New("TLog:RecruitmentFailed")
	ErrIncompatibleProtocolVersion  = errors.New("TLog:IncompatibleProtocolVersion")
	ErrChecksumFailed               = errors.New("TLog:ChecksumFailed")
)
