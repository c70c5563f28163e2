package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cleverdata/jsonlistener/internal/api"
	"github.com/cleverdata/jsonlistener/internal/config"
)

type post struct {
	Destination string
	Body        map[string]any
}

type fakeConn struct {
	mu    sync.Mutex
	posts []post
	err   error
	down  bool
}

func (f *fakeConn) IsEstablished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

func (f *fakeConn) Post(ctx context.Context, destination string, body map[string]any) (*api.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.posts = append(f.posts, post{Destination: destination, Body: body})
	return &api.Response{StatusCode: 200, Name: "-Ntest"}, nil
}

func (f *fakeConn) Posts() []post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]post(nil), f.posts...)
}

// lockSet reports files as locked by base name and counts probes.
type lockSet struct {
	mu     sync.Mutex
	locked map[string]bool
	probes map[string]int
}

func newLockSet(names ...string) *lockSet {
	s := &lockSet{locked: map[string]bool{}, probes: map[string]int{}}
	for _, n := range names {
		s.locked[n] = true
	}
	return s
}

func (s *lockSet) Locked(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := filepath.Base(path)
	s.probes[name]++
	return s.locked[name]
}

func (s *lockSet) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, name)
}

func (s *lockSet) probeCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes[name]
}

type fakeHistory struct {
	mu       sync.Mutex
	uploaded []string
	failed   []string
}

func (h *fakeHistory) MarkUploaded(path, destination string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uploaded = append(h.uploaded, path)
	return nil
}

func (h *fakeHistory) MarkFailed(path, destination, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, path)
	return nil
}

func (h *fakeHistory) snapshot() (uploaded, failed []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.uploaded...), append([]string(nil), h.failed...)
}

type testEnv struct {
	dir    string
	logDir string
	conn   *fakeConn
	l      *Listener
}

func newTestEnv(t *testing.T, mutate func(*config.ListenerConfig), opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		dir:    t.TempDir(),
		logDir: t.TempDir(),
		conn:   &fakeConn{},
	}
	cfg := config.ListenerConfig{
		Name:                   "test",
		Path:                   env.dir,
		Destination:            "uploads",
		LogDir:                 env.logDir,
		MaxThreads:             10,
		MaxLockedFileTries:     10,
		PollInterval:           10 * time.Millisecond,
		LockedFilePollInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	l, err := New(env.conn, cfg, opts...)
	require.NoError(t, err)
	env.l = l

	t.Cleanup(func() {
		l.Stop()
		l.CancelPollers()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Wait(ctx)
		_ = l.Close()
	})
	return env
}

// start runs the listener in the background and waits until it is listening.
func (e *testEnv) start(t *testing.T, ctx context.Context) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- e.l.Start(ctx) }()
	require.Eventually(t, e.l.Listening, 2*time.Second, time.Millisecond)
	return errc
}

// drop writes content outside the watched directory and renames it in, so the
// creation event never exposes a half-written file.
func (e *testEnv) drop(t *testing.T, name, content string) string {
	t.Helper()
	staged := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(staged, []byte(content), 0o644))
	target := filepath.Join(e.dir, name)
	require.NoError(t, os.Rename(staged, target))
	return target
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Start to return")
		return nil
	}
}
