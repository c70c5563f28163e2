package core

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/cleverdata/jsonlistener/internal/api"
	"github.com/cleverdata/jsonlistener/internal/config"
	"github.com/cleverdata/jsonlistener/internal/failures"
	"github.com/cleverdata/jsonlistener/internal/lockfile"
)

type countingProbe struct {
	n atomic.Int64
}

func (c *countingProbe) Locked(path string) bool {
	c.n.Add(1)
	return lockfile.Probe{}.Locked(path)
}

func TestListenerScenario(t *testing.T) {
	probe := &countingProbe{}
	env := newTestEnv(t, nil, WithDetector(probe))
	errc := env.start(t, context.Background())

	env.drop(t, "a.json", `{"id":"a"}`)
	require.Eventually(t, func() bool { return len(env.conn.Posts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	posts := env.conn.Posts()
	assert.Equal(t, "uploads", posts[0].Destination)
	assert.Equal(t, "a", posts[0].Body["id"])

	env.drop(t, "b.txt", `{"id":"b"}`)

	// c.json is held by a writer for 50ms.
	staged := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, os.WriteFile(staged, []byte(`{"id":"c"}`), 0o644))
	writer := flock.New(staged)
	require.NoError(t, writer.Lock())
	probesBefore := probe.n.Load()
	require.NoError(t, os.Rename(staged, filepath.Join(env.dir, "c.json")))
	time.AfterFunc(50*time.Millisecond, func() { writer.Unlock() })

	require.Eventually(t, func() bool { return len(env.conn.Posts()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "c", env.conn.Posts()[1].Body["id"])
	assert.GreaterOrEqual(t, probe.n.Load()-probesBefore, int64(2), "c.json should have been probed more than once")

	// b.txt never reaches the sink.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, env.conn.Posts(), 2)
	assert.Empty(t, env.l.Failed())
	assert.True(t, env.l.Listening())

	env.l.Stop()
	require.NoError(t, waitErr(t, errc))
	assert.False(t, env.l.Listening())
}

func TestNonJSONEntriesAreDiscarded(t *testing.T) {
	locks := newLockSet()
	env := newTestEnv(t, nil, WithDetector(locks))
	env.start(t, context.Background())

	for _, name := range []string{"b.txt", "A.JSON", "data.json.tmp", "json"} {
		env.drop(t, name, `{}`)
	}
	require.NoError(t, os.Mkdir(filepath.Join(env.dir, "dir.json"), 0o755))
	env.drop(t, "marker.json", `{"last":true}`)

	require.Eventually(t, func() bool { return len(env.conn.Posts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, true, env.conn.Posts()[0].Body["last"])
	for _, name := range []string{"b.txt", "A.JSON", "data.json.tmp", "json", "dir.json"} {
		assert.Zero(t, locks.probeCount(name), "%s should not be probed", name)
	}
	assert.Empty(t, env.l.Failed())
}

func TestUploadFailuresAreRecordedOnce(t *testing.T) {
	tests := []struct {
		name    string
		content string
		setup   func(*fakeConn)
	}{
		{name: "sink_error", content: `{"id":1}`, setup: func(c *fakeConn) { c.err = errors.Errorf("%w: status 503", api.ErrSink) }},
		{name: "not_connected", content: `{"id":1}`, setup: func(c *fakeConn) { c.down = true }},
		{name: "parse_error", content: `{"id":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := &fakeHistory{}
			env := newTestEnv(t, nil, WithDetector(newLockSet()), WithHistory(history))
			if tt.setup != nil {
				tt.setup(env.conn)
			}
			env.start(t, context.Background())

			path := env.drop(t, "bad.json", tt.content)
			require.Eventually(t, func() bool { return len(env.l.Failed()) == 1 }, 2*time.Second, 5*time.Millisecond)

			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, []string{path}, env.l.Failed())
			entries, err := failures.ReadLog(env.logDir)
			require.NoError(t, err)
			assert.Equal(t, []string{path}, entries)
			assert.Empty(t, env.conn.Posts())

			_, failed := history.snapshot()
			assert.Equal(t, []string{path}, failed)
			assert.True(t, env.l.Listening(), "per-file failures must not stop the loop")
		})
	}
}

func TestLockedFileExhaustedIsRecorded(t *testing.T) {
	locks := newLockSet("stuck.json")
	env := newTestEnv(t, func(c *config.ListenerConfig) {
		c.MaxLockedFileTries = 3
		c.LockedFilePollInterval = 5 * time.Millisecond
	}, WithDetector(locks))
	env.start(t, context.Background())

	path := env.drop(t, "stuck.json", `{}`)
	require.Eventually(t, func() bool { return len(env.l.Failed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.l.ActivePollers() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{path}, env.l.Failed())
	assert.Equal(t, 1+3, locks.probeCount("stuck.json"), "one probe from the loop plus one per attempt")
	assert.Empty(t, env.conn.Posts())
}

func TestPollerLimitIsFatal(t *testing.T) {
	locks := newLockSet("1.json", "2.json", "3.json", "4.json")
	env := newTestEnv(t, func(c *config.ListenerConfig) {
		c.MaxThreads = 3
		c.LockedFilePollInterval = time.Hour
	}, WithDetector(locks))
	errc := env.start(t, context.Background())

	for _, name := range []string{"1.json", "2.json", "3.json"} {
		env.drop(t, name, `{}`)
	}
	require.Eventually(t, func() bool { return env.l.ActivePollers() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, env.l.Listening())

	overflow := env.drop(t, "4.json", `{}`)
	err := waitErr(t, errc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceExhausted), "got %v", err)
	assert.False(t, env.l.Listening())
	assert.Equal(t, []string{overflow}, env.l.Failed())

	// Pollers outlive the loop until interrupted.
	assert.Equal(t, 3, env.l.ActivePollers())
	env.l.CancelPollers()
	require.NoError(t, env.l.Wait(context.Background()))
	assert.Len(t, env.l.Failed(), 4)
}

func TestStopLeavesPollersRunning(t *testing.T) {
	locks := newLockSet("slow.json")
	env := newTestEnv(t, func(c *config.ListenerConfig) {
		c.MaxLockedFileTries = 1000
	}, WithDetector(locks))
	errc := env.start(t, context.Background())

	env.drop(t, "slow.json", `{"id":"slow"}`)
	require.Eventually(t, func() bool { return env.l.ActivePollers() == 1 }, 2*time.Second, 5*time.Millisecond)

	env.l.Stop()
	assert.False(t, env.l.Listening())
	require.NoError(t, waitErr(t, errc))
	assert.Equal(t, 1, env.l.ActivePollers())

	locks.release("slow.json")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.l.Wait(ctx))

	require.Len(t, env.conn.Posts(), 1)
	assert.Equal(t, "slow", env.conn.Posts()[0].Body["id"])
	assert.Empty(t, env.l.Failed())
}

func TestStopDuringSleepSkipsNextDrain(t *testing.T) {
	env := newTestEnv(t, func(c *config.ListenerConfig) {
		c.PollInterval = 200 * time.Millisecond
	}, WithDetector(newLockSet()))
	errc := env.start(t, context.Background())

	env.l.Stop()
	env.drop(t, "late.json", `{}`)

	require.NoError(t, waitErr(t, errc))
	assert.Empty(t, env.conn.Posts())
	assert.False(t, env.l.Listening())
}

func TestDuplicateEventsPostTwice(t *testing.T) {
	env := newTestEnv(t, nil, WithDetector(newLockSet()))
	env.start(t, context.Background())

	path := env.drop(t, "a.json", `{"id":"a"}`)
	require.Eventually(t, func() bool { return len(env.conn.Posts()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.Remove(path))
	env.drop(t, "a.json", `{"id":"a"}`)
	require.Eventually(t, func() bool { return len(env.conn.Posts()) == 2 }, 2*time.Second, 5*time.Millisecond)

	posts := env.conn.Posts()
	assert.Equal(t, posts[0], posts[1], "no dedup: the same file is posted again")
}

func TestSetDestinationIsLive(t *testing.T) {
	env := newTestEnv(t, nil, WithDetector(newLockSet()))
	env.start(t, context.Background())

	env.l.SetDestination("listener/v2")
	env.drop(t, "a.json", `{}`)
	require.Eventually(t, func() bool { return len(env.conn.Posts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "listener/v2", env.conn.Posts()[0].Destination)
	assert.Equal(t, "listener/v2", env.l.Config().Destination)
}

func TestWatchedDirectoryRemoved(t *testing.T) {
	env := newTestEnv(t, nil, WithDetector(newLockSet()))
	errc := env.start(t, context.Background())

	require.NoError(t, os.RemoveAll(env.dir))

	err := waitErr(t, errc)
	assert.True(t, errors.Is(err, ErrWatchRegistration), "got %v", err)
	assert.False(t, env.l.Listening())
}

func TestContextCancelInterruptsLoop(t *testing.T) {
	env := newTestEnv(t, nil, WithDetector(newLockSet()))
	ctx, cancel := context.WithCancel(context.Background())
	errc := env.start(t, ctx)

	cancel()
	err := waitErr(t, errc)
	assert.True(t, errors.Is(err, ErrInterrupted), "got %v", err)
	assert.False(t, env.l.Listening())
}

func TestDrainModeInterruptsSurvivors(t *testing.T) {
	locks := newLockSet("held.json")
	env := newTestEnv(t, func(c *config.ListenerConfig) {
		c.LockedFilePollInterval = time.Hour
		c.ShutdownMode = config.ShutdownDrain
		c.ShutdownTimeout = 50 * time.Millisecond
	}, WithDetector(locks))
	errc := env.start(t, context.Background())

	path := env.drop(t, "held.json", `{}`)
	require.Eventually(t, func() bool { return env.l.ActivePollers() == 1 }, 2*time.Second, 5*time.Millisecond)

	env.l.Stop()
	require.NoError(t, waitErr(t, errc))
	assert.Equal(t, 0, env.l.ActivePollers())
	assert.Equal(t, []string{path}, env.l.Failed())
}

func TestHistoryRecordsUploads(t *testing.T) {
	history := &fakeHistory{}
	env := newTestEnv(t, nil, WithDetector(newLockSet()), WithHistory(history))
	env.start(t, context.Background())

	path := env.drop(t, "a.json", `{}`)
	require.Eventually(t, func() bool {
		uploaded, _ := history.snapshot()
		return len(uploaded) == 1
	}, 2*time.Second, 5*time.Millisecond)
	uploaded, _ := history.snapshot()
	assert.Equal(t, []string{path}, uploaded)
}

func TestNewRejectsBadInput(t *testing.T) {
	base := func() config.ListenerConfig {
		return config.ListenerConfig{Name: "x", Path: t.TempDir(), LogDir: t.TempDir()}
	}

	_, err := New(nil, base())
	assert.True(t, errors.Is(err, ErrConfiguration))

	cfg := base()
	cfg.MaxThreads = 2
	_, err = New(&fakeConn{}, cfg)
	assert.True(t, errors.Is(err, ErrConfiguration))

	cfg = base()
	cfg.Path = filepath.Join(cfg.Path, "missing")
	_, err = New(&fakeConn{}, cfg)
	assert.True(t, errors.Is(err, ErrWatchRegistration))

	file := filepath.Join(t.TempDir(), "file.json")
	require.NoError(t, os.WriteFile(file, []byte(`{}`), 0o644))
	cfg = base()
	cfg.Path = file
	_, err = New(&fakeConn{}, cfg)
	assert.True(t, errors.Is(err, ErrWatchRegistration))
}

func TestSettersValidateAndFreeze(t *testing.T) {
	env := newTestEnv(t, nil, WithDetector(newLockSet()))
	l := env.l

	assert.True(t, errors.Is(l.SetMaxThreads(2), ErrConfiguration))
	assert.True(t, errors.Is(l.SetMaxLockedFileTries(0), ErrConfiguration))
	assert.True(t, errors.Is(l.SetPollInterval(0), ErrConfiguration))
	assert.True(t, errors.Is(l.SetLockedFilePollInterval(-time.Second), ErrConfiguration))

	require.NoError(t, l.SetMaxThreads(5))
	require.NoError(t, l.SetMaxLockedFileTries(7))
	require.NoError(t, l.SetPollInterval(20*time.Millisecond))
	require.NoError(t, l.SetLockedFilePollInterval(30*time.Millisecond))
	cfg := l.Config()
	assert.Equal(t, 5, cfg.MaxThreads)
	assert.Equal(t, 7, cfg.MaxLockedFileTries)
	assert.Equal(t, 20*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 30*time.Millisecond, cfg.LockedFilePollInterval)

	env.start(t, context.Background())
	assert.True(t, errors.Is(l.SetMaxThreads(50), ErrRunning))
	assert.True(t, errors.Is(l.Start(context.Background()), ErrRunning))
}

func TestStopBeforeStart(t *testing.T) {
	env := newTestEnv(t, nil, WithDetector(newLockSet()))
	env.l.Stop()

	require.NoError(t, env.l.Start(context.Background()))
	assert.False(t, env.l.Listening())
}
