package replay

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolved is returned when a checkpoint's agent class path has
	// no factory in the registry.
	ErrUnresolved = errors.New("replay: agent class path not registered")

	// ErrNotOperable is returned when a rehydrated agent does not expose
	// named operations.
	ErrNotOperable = errors.New("replay: agent does not expose operations")

	// ErrStateDecode is returned when a checkpoint's agent state envelope
	// cannot be decoded into structured state.
	ErrStateDecode = errors.New("replay: cannot decode agent state")
)

// ExhaustedError reports a mocked target invoked more times than recorded
// responses exist. It signals that the replay has diverged behaviorally
// from the recorded run — never a silent fallback.
type ExhaustedError struct {
	Target   string // fully-qualified mocked target
	Recorded int    // responses found in the trace
	Call     int    // 1-based call number that failed
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("replay: no more recorded responses for %q (call %d, %d recorded)",
		e.Target, e.Call, e.Recorded)
}
