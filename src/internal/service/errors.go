package service

import "errors"

var (
	// ErrBindConflict means the child reported its port was already in use.
	ErrBindConflict = errors.New("port already in use")
	// ErrSpawnFailed means the child could not be started at all.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrStartupTimeout means no readiness marker appeared in time.
	ErrStartupTimeout = errors.New("startup timeout")
	// ErrExitedBeforeReady means the child exited before it became ready.
	ErrExitedBeforeReady = errors.New("process exited before ready")
	// ErrNoLaunchCommand means the project has nothing runnable.
	ErrNoLaunchCommand = errors.New("no launch command")
)
