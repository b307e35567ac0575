package volume

import (
	"sync"
)

// operationGroup aggregates the completions of the physical operations
// that a single partition request was split into. The caller's
// callback fires exactly once, after the last physical completion,
// carrying the first error that was observed. Later errors are
// discarded, as the request has already failed and the remaining
// operations cannot be revoked anyway.
type operationGroup struct {
	lock      sync.Mutex
	remaining int
	err       error
	complete  func(error)
}

func newOperationGroup(count int, complete func(error)) *operationGroup {
	return &operationGroup{
		remaining: count,
		complete:  complete,
	}
}

func (og *operationGroup) done(err error) {
	og.lock.Lock()
	if og.err == nil && err != nil {
		og.err = err
	}
	og.remaining--
	finished := og.remaining == 0
	err = og.err
	og.lock.Unlock()
	if finished {
		og.complete(err)
	}
}
