package network

import "github.com/vm0core/runtime/pkg/logging"

// scope is the structured "cleanup on every exit path" helper spec §9 asks
// for: a stack of compensating actions pushed after each successful setup
// step, unwound in reverse on failure. It never panics; each compensator's
// own error is only logged, so unwinding always runs to completion.
type scope struct {
	steps []step
}

type step struct {
	name string
	undo func() error
}

func newScope() *scope {
	return &scope{}
}

func (s *scope) push(name string, undo func() error) {
	s.steps = append(s.steps, step{name: name, undo: undo})
}

func (s *scope) unwind(log logging.Logger) {
	for i := len(s.steps) - 1; i >= 0; i-- {
		st := s.steps[i]
		if err := st.undo(); err != nil && log != nil {
			log.Warn(nil, "cleanup step failed", logging.Fields{"step": st.name, "error": err.Error()}) //nolint:staticcheck
		}
	}
	s.steps = nil
}
