package process

import "errors"

// Sentinel stale-state errors, checked with errors.Is. Each corresponds to
// an operation invoked outside the lifecycle phase it requires.
var (
	// ErrReleased is returned by pre-exec configuration operations
	// (Chdir, Env, SetGroups, SetID, SigMask (set), SigCatch, Term) and
	// by a second call to Release, once the subject has been released.
	ErrReleased = errors.New("process already released")

	// ErrTerminated is returned by operations that require pid != 0 once
	// the subject has been reaped.
	ErrTerminated = errors.New("process has already terminated")

	// ErrTermAlready is returned by a second call to Term, which is
	// one-shot.
	ErrTermAlready = errors.New("process: term already queried")
)
