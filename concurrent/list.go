package concurrent

import "sync"

// List is a thread-safe, append-only slice. Control uses it to collect
// close-handlers registered via OnClose.
type List interface {
	All() []interface{}
	Append(v interface{})
}

type list struct {
	lock  sync.RWMutex
	inner []interface{}
}

func NewList(cap int) List {
	return &list{inner: make([]interface{}, 0, cap)}
}

func (s *list) All() []interface{} {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return Copylist(s.inner)
}

func (s *list) Append(v interface{}) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.inner = append(s.inner, v)
}

func Copylist(orig []interface{}) []interface{} {
	ret := make([]interface{}, len(orig))
	copy(ret, orig)
	return ret
}
