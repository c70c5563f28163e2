package core

import (
	"gitlab.com/tozd/go/errors"

	"github.com/cleverdata/jsonlistener/internal/config"
)

var (
	// ErrConfiguration is the same sentinel the config package validates with.
	ErrConfiguration = config.ErrInvalid
	// ErrWatchRegistration means the watched directory could not be watched, or stopped
	// being watchable while the loop was running.
	ErrWatchRegistration = errors.Base("watch registration failed")
	// ErrResourceExhausted means a locked file arrived while every poller slot was busy.
	ErrResourceExhausted = errors.Base("locked file poller limit reached")
	// ErrInterrupted means the watch loop's context was cancelled during its sleep.
	ErrInterrupted = errors.Base("listener interrupted")
	// ErrRunning is returned when changing a tunable after Start, or starting twice.
	ErrRunning = errors.Base("listener already started")
)
