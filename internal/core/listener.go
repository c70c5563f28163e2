package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cleverdata/jsonlistener/internal/api"
	"github.com/cleverdata/jsonlistener/internal/config"
	"github.com/cleverdata/jsonlistener/internal/failures"
	"github.com/cleverdata/jsonlistener/internal/jsonmap"
	"github.com/cleverdata/jsonlistener/internal/lockfile"
)

var DebugMode bool

// eventBuffer sizes the fsnotify channel so events keep queueing while the loop sleeps.
const eventBuffer = 1024

type Logger interface {
	Info(v ...interface{}) error
	Infof(format string, v ...interface{}) error
	Error(v ...interface{}) error
	Errorf(format string, v ...interface{}) error
	Warning(v ...interface{}) error
	Warningf(format string, v ...interface{}) error
}

func debugLog(logger Logger, format string, v ...interface{}) {
	if DebugMode && logger != nil {
		logger.Infof("[DEBUG] "+format, v...)
	}
}

// Connection is the database a parsed file is posted to.
type Connection interface {
	IsEstablished() bool
	Post(ctx context.Context, destination string, body map[string]any) (*api.Response, error)
}

// Parser turns a file into the map that gets posted.
type Parser func(path string) (map[string]any, error)

// History receives the outcome of every delivery attempt. It is never consulted
// before an upload.
type History interface {
	MarkUploaded(path, destination string) error
	MarkFailed(path, destination, reason string) error
}

type Option func(*Listener)

func WithLogger(logger Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

func WithDetector(d lockfile.Detector) Option {
	return func(l *Listener) { l.detector = d }
}

func WithParser(p Parser) Option {
	return func(l *Listener) { l.parse = p }
}

func WithHistory(h History) Option {
	return func(l *Listener) { l.history = h }
}

// Listener watches one directory and posts every new .json file in it.
//
// Start blocks for the lifetime of the watch loop, so callers run it on their own
// goroutine. A Listener runs at most once; create a new one to listen again.
type Listener struct {
	name     string
	conn     Connection
	logger   Logger
	detector lockfile.Detector
	parse    Parser
	history  History
	recorder *failures.Recorder

	mu          sync.Mutex
	cfg         config.ListenerConfig
	destination string

	started   atomic.Bool
	stopping  atomic.Bool
	listening atomic.Bool
	idle      atomic.Bool
	done      chan struct{}

	pollers     errgroup.Group
	active      atomic.Int64
	taskCtx     context.Context
	cancelTasks context.CancelFunc
}

// New validates cfg, checks the watched directory, and opens the failure log in
// cfg.LogDir. Zero tunables take their defaults.
func New(conn Connection, cfg config.ListenerConfig, opts ...Option) (*Listener, error) {
	if conn == nil {
		return nil, errors.Errorf("connection is nil: %w", ErrConfiguration)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkDir(cfg.Path); err != nil {
		return nil, err
	}

	l := &Listener{
		name:        cfg.Name,
		conn:        conn,
		logger:      nopLogger{},
		detector:    lockfile.Probe{},
		parse:       jsonmap.ParseFile,
		cfg:         cfg,
		destination: cfg.Destination,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	rec, err := failures.Open(cfg.LogDir)
	if err != nil {
		return nil, err
	}
	l.recorder = rec
	l.taskCtx, l.cancelTasks = context.WithCancel(context.Background())
	l.idle.Store(true)
	return l, nil
}

// Start registers the watch and runs the loop until Stop, ctx cancellation, or a
// fatal condition. Stop yields a nil error; otherwise the error wraps one of
// ErrWatchRegistration, ErrResourceExhausted or ErrInterrupted.
func (l *Listener) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.Errorf("listener %q: %w", l.name, ErrRunning)
	}
	defer close(l.done)

	cfg := l.Config()
	l.pollers.SetLimit(cfg.MaxThreads)

	if l.stopping.Load() {
		return nil
	}

	watcher, err := fsnotify.NewBufferedWatcher(eventBuffer)
	if err != nil {
		l.logger.Errorf("[%s] [FATAL ERROR] Failed to create watcher: %v", l.name, err)
		return errors.Errorf("create watcher: %w: %s", ErrWatchRegistration, err.Error())
	}
	defer watcher.Close()

	if err := watcher.Add(cfg.Path); err != nil {
		l.logger.Errorf("[%s] [FATAL ERROR] Failed to watch %s: %v", l.name, cfg.Path, err)
		return errors.Errorf("watch %s: %w: %s", cfg.Path, ErrWatchRegistration, err.Error())
	}

	l.listening.Store(true)
	if l.stopping.Load() {
		l.listening.Store(false)
	}
	l.logger.Infof("[%s] Listening on: %s", l.name, cfg.Path)

	err = l.loop(ctx, watcher, cfg)
	l.listening.Store(false)
	l.idle.Store(true)

	if cfg.ShutdownMode == config.ShutdownDrain {
		l.drainPollers(cfg.ShutdownTimeout)
	}
	return err
}

func (l *Listener) loop(ctx context.Context, w *fsnotify.Watcher, cfg config.ListenerConfig) error {
	root := filepath.Clean(cfg.Path)
	timer := time.NewTimer(cfg.PollInterval)
	defer timer.Stop()

	for {
		if l.stopping.Load() {
			l.logger.Infof("[%s] Stop requested, leaving watch loop", l.name)
			return nil
		}

		select {
		case <-timer.C:
		case <-ctx.Done():
			l.logger.Errorf("[%s] [FATAL ERROR] Interrupted while sleeping the watch loop", l.name)
			return errors.Errorf("%w: %s", ErrInterrupted, ctx.Err().Error())
		}

		if l.stopping.Load() {
			l.logger.Infof("[%s] Stop requested, leaving watch loop", l.name)
			return nil
		}

		invalidated, err := l.drainEvents(ctx, w, root)
		if err != nil {
			return err
		}
		l.idle.Store(true)

		if err := rearm(root, invalidated); err != nil {
			l.logger.Errorf("[%s] [FATAL ERROR] Directory inaccessible, leaving watch loop: %v", l.name, err)
			return err
		}
		timer.Reset(cfg.PollInterval)
	}
}

// drainEvents handles every event already queued, in delivery order, without
// blocking. invalidated reports that the watch on root itself is gone.
func (l *Listener) drainEvents(ctx context.Context, w *fsnotify.Watcher, root string) (invalidated bool, err error) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return true, nil
			}
			if filepath.Clean(ev.Name) == root {
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					invalidated = true
				}
				continue
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			l.idle.Store(false)
			if err := l.handleCreate(ctx, ev.Name); err != nil {
				return invalidated, err
			}

		case werr, ok := <-w.Errors:
			if !ok {
				return true, nil
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				l.logger.Warningf("[%s] Event queue overflowed, some new files were not seen", l.name)
			} else {
				l.logger.Warningf("[%s] Watcher error: %v", l.name, werr)
			}

		default:
			return invalidated, nil
		}
	}
}

func (l *Listener) handleCreate(ctx context.Context, name string) error {
	path, err := filepath.Abs(name)
	if err != nil {
		path = name
	}
	l.logger.Infof("[%s] Found new file: %s", l.name, path)

	if !strings.HasSuffix(filepath.Base(path), ".json") {
		l.logger.Warningf("[%s] New file: %s is not a JSON file, aborting attempt to upload", l.name, path)
		return nil
	}
	if info, err := os.Lstat(path); err == nil && info.IsDir() {
		l.logger.Warningf("[%s] New entry: %s is a directory, ignoring", l.name, path)
		return nil
	}

	if !l.detector.Locked(path) {
		l.logger.Infof("[%s] New file: %s is unlocked, attempting to POST", l.name, path)
		l.deliver(ctx, path)
		return nil
	}

	l.logger.Warningf("[%s] New file: %s is locked", l.name, path)
	return l.spawnPoller(path)
}

// spawnPoller hands path to a new lock poller, or fails fast when every slot is taken.
func (l *Listener) spawnPoller(path string) error {
	cfg := l.Config()
	ok := l.pollers.TryGo(func() error {
		l.active.Add(1)
		defer l.active.Add(-1)
		debugLog(l.logger, "[%s] Poller slot acquired for %s", l.name, filepath.Base(path))
		outcome := l.pollLocked(l.taskCtx, path, cfg)
		debugLog(l.logger, "[%s] Poller for %s finished: %s", l.name, filepath.Base(path), outcome)
		return nil
	})
	if ok {
		return nil
	}

	l.logger.Errorf("[%s] [FATAL ERROR] Cannot start a poller for %s, all %d slots are busy", l.name, path, cfg.MaxThreads)
	l.fail(path, l.Destination(), "poller limit reached")
	return errors.Errorf("%s: %w (max %d)", path, ErrResourceExhausted, cfg.MaxThreads)
}

// deliver parses and posts path. Failures are recorded; the result reports success.
func (l *Listener) deliver(ctx context.Context, path string) bool {
	dest := l.Destination()
	if err := l.upload(ctx, path, dest); err != nil {
		l.logger.Errorf("[%s] [FAILURE] Failed to post file %s to database: %v", l.name, path, err)
		l.fail(path, dest, err.Error())
		return false
	}

	l.logger.Infof("[%s] [SUCCESS] Successfully posted file %s to %q", l.name, path, dest)
	if l.history != nil {
		if err := l.history.MarkUploaded(path, dest); err != nil {
			l.logger.Warningf("[%s] History write failed: %v", l.name, err)
		}
	}
	return true
}

func (l *Listener) upload(ctx context.Context, path, dest string) error {
	if !l.conn.IsEstablished() {
		return api.ErrNotConnected
	}
	body, err := l.parse(path)
	if err != nil {
		return err
	}
	_, err = l.conn.Post(ctx, dest, body)
	return err
}

func (l *Listener) fail(path, dest, reason string) {
	if err := l.recorder.Record(path); err != nil {
		l.logger.Errorf("[%s] Failed to append %s to the failure log: %v", l.name, path, err)
	}
	if l.history != nil {
		if err := l.history.MarkFailed(path, dest, reason); err != nil {
			l.logger.Warningf("[%s] History write failed: %v", l.name, err)
		}
	}
}

// Stop asks the watch loop to exit at its next check. It does not wait and does not
// touch running pollers.
func (l *Listener) Stop() {
	l.stopping.Store(true)
	l.listening.Store(false)
}

// Wait blocks until the watch loop has exited and every poller has finished, or ctx
// is done. It returns immediately for a listener that was never started.
func (l *Listener) Wait(ctx context.Context) error {
	if !l.started.Load() {
		return nil
	}
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.waitPollers(ctx)
}

// CancelPollers interrupts every in-flight poller. Interrupted files are recorded as
// failures.
func (l *Listener) CancelPollers() {
	l.cancelTasks()
}

func (l *Listener) waitPollers(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		l.pollers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) drainPollers(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.waitPollers(ctx); err == nil {
		return
	}
	l.logger.Warningf("[%s] %d pollers still running after %s, interrupting them", l.name, l.ActivePollers(), timeout)
	l.CancelPollers()
	_ = l.waitPollers(context.Background())
}

// Close releases the failure log. Pollers still running after Close keep their
// failures in memory only.
func (l *Listener) Close() error {
	return l.recorder.Close()
}

func (l *Listener) Name() string { return l.name }

// Listening reports whether the watch loop is registered and running.
func (l *Listener) Listening() bool { return l.listening.Load() }

// Idle is true whenever no event is being processed. It is refreshed once per poll
// cycle and is only good for coarse liveness checks.
func (l *Listener) Idle() bool { return l.idle.Load() }

func (l *Listener) ActivePollers() int { return int(l.active.Load()) }

// Failed returns the recorded failures in path order.
func (l *Listener) Failed() []string { return l.recorder.Failed() }

func (l *Listener) Config() config.ListenerConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg := l.cfg
	cfg.Destination = l.destination
	return cfg
}

func (l *Listener) Destination() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destination
}

// SetDestination may be called at any time; uploads that start afterwards use it.
func (l *Listener) SetDestination(dest string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destination = dest
}

func (l *Listener) SetMaxThreads(n int) error {
	if err := config.ValidateMaxThreads(n); err != nil {
		return err
	}
	return l.update(func(c *config.ListenerConfig) { c.MaxThreads = n })
}

func (l *Listener) SetMaxLockedFileTries(n int) error {
	if err := config.ValidateMaxLockedFileTries(n); err != nil {
		return err
	}
	return l.update(func(c *config.ListenerConfig) { c.MaxLockedFileTries = n })
}

func (l *Listener) SetPollInterval(d time.Duration) error {
	if err := config.ValidatePollInterval(d); err != nil {
		return err
	}
	return l.update(func(c *config.ListenerConfig) { c.PollInterval = d })
}

func (l *Listener) SetLockedFilePollInterval(d time.Duration) error {
	if err := config.ValidateLockedFilePollInterval(d); err != nil {
		return err
	}
	return l.update(func(c *config.ListenerConfig) { c.LockedFilePollInterval = d })
}

func (l *Listener) update(fn func(*config.ListenerConfig)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started.Load() {
		return errors.Errorf("listener %q: tunables are fixed once started: %w", l.name, ErrRunning)
	}
	fn(&l.cfg)
	return nil
}

func checkDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Errorf("open %s: %w: %s", path, ErrWatchRegistration, err.Error())
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Errorf("stat %s: %w: %s", path, ErrWatchRegistration, err.Error())
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory: %w", path, ErrWatchRegistration)
	}
	return nil
}

func rearm(root string, invalidated bool) error {
	if invalidated {
		return errors.Errorf("watch on %s was invalidated: %w", root, ErrWatchRegistration)
	}
	return checkDir(root)
}

type nopLogger struct{}

func (nopLogger) Info(v ...interface{}) error { return nil }
func (nopLogger) Infof(format string, v ...interface{}) error { return nil }
func (nopLogger) Error(v ...interface{}) error { return nil }
func (nopLogger) Errorf(format string, v ...interface{}) error { return nil }
func (nopLogger) Warning(v ...interface{}) error { return nil }
func (nopLogger) Warningf(format string, v ...interface{}) error { return nil }
