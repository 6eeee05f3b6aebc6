package common

import (
	"errors"
	"strings"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named native module is currently halted by
// governance or an operator switch.
type PauseView interface {
	IsPaused(module string) bool
}

// PauseSet is a fixed PauseView built from configuration. Module names are
// matched case-insensitively.
type PauseSet map[string]struct{}

// NewPauseSet builds a PauseSet from a list of module names, ignoring blanks.
func NewPauseSet(modules []string) PauseSet {
	set := make(PauseSet, len(modules))
	for _, module := range modules {
		trimmed := strings.ToLower(strings.TrimSpace(module))
		if trimmed == "" {
			continue
		}
		set[trimmed] = struct{}{}
	}
	return set
}

func (s PauseSet) IsPaused(module string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(module))]
	return ok
}

// Guard returns ErrModulePaused when the named module is halted. A nil view or
// empty module name always passes so engines can run unwired in tests.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
