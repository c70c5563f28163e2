package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cleverdata/jsonlistener/internal/config"
)

type pollOutcome int

const (
	outcomeUploaded pollOutcome = iota
	outcomeExhausted
	outcomeInterrupted
)

func (o pollOutcome) String() string {
	switch o {
	case outcomeUploaded:
		return "uploaded"
	case outcomeExhausted:
		return "exhausted"
	case outcomeInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// pollLocked waits for path to be released, probing once per LockedFilePollInterval
// for at most MaxLockedFileTries probes, then delivers it. Every path that does not end
// uploaded is recorded as failed.
func (l *Listener) pollLocked(ctx context.Context, path string, cfg config.ListenerConfig) pollOutcome {
	l.logger.Infof("[%s] Polling locked file: %s", l.name, path)

	timer := time.NewTimer(cfg.LockedFilePollInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= cfg.MaxLockedFileTries; attempt++ {
		select {
		case <-timer.C:
		case <-ctx.Done():
			l.logger.Errorf("[%s] [FATAL ERROR] Interrupted while polling locked file %s", l.name, path)
			l.fail(path, l.Destination(), "interrupted while locked")
			return outcomeInterrupted
		}

		if l.detector.Locked(path) {
			debugLog(l.logger, "[%s] %s still locked (%d/%d)", l.name, filepath.Base(path), attempt, cfg.MaxLockedFileTries)
			timer.Reset(cfg.LockedFilePollInterval)
			continue
		}

		l.logger.Infof("[%s] File %s is now unlocked, attempting to POST", l.name, path)
		if l.deliver(ctx, path) {
			return outcomeUploaded
		}
		return outcomeExhausted
	}

	l.logger.Errorf("[%s] [FAILURE] File %s still locked after %d attempts, giving up", l.name, path, cfg.MaxLockedFileTries)
	l.fail(path, l.Destination(), fmt.Sprintf("still locked after %d attempts", cfg.MaxLockedFileTries))
	return outcomeExhausted
}
