package firecracker

import "github.com/vm0core/runtime/pkg/logging"

// scope is the same "push a compensator after every successful setup step,
// unwind in reverse on failure" helper as pkg/network/scope.go. Kept as a
// small package-local copy rather than exported cross-package plumbing:
// both packages use it purely as an internal implementation detail of
// their own multi-step setup sequences.
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
