package common

import "github.com/pkopriv2/txlog/concurrent"

// Env holds the data shared by every instance living in one process:
// the single stash.Stash handle backing all TLog instances (spec.md §3, "Shared store"), keyed by filesystem
// path so repeated Open calls against the same path return the same
// handle.
type Env interface {
	Data() concurrent.Map
}

type env struct {
	data concurrent.Map
}

func NewEnv() Env {
	return &env{data: concurrent.NewMap()}
}

func (e *env) Data() concurrent.Map {
	return e.data
}
