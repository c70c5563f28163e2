// Package failures keeps the trail of files that could not be delivered.
//
// Every failure is appended to <logDir>/json-listener-failed-files.txt (one path per
// line, never rewritten) and kept in memory sorted by path. Nothing here retries.
package failures

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gitlab.com/tozd/go/errors"
)

const LogFileName = "json-listener-failed-files.txt"

type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	failed []string
}

// Open creates logDir if needed and opens the failure log for appending.
func Open(logDir string) (*Recorder, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, errors.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Errorf("failed to open failure log: %w", err)
	}
	return &Recorder{file: f}, nil
}

// Record appends path to the log and the in-memory collection. The path is kept in
// memory even if the write fails; the write error is returned to the caller.
func (r *Recorder) Record(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.SearchStrings(r.failed, path)
	r.failed = append(r.failed, "")
	copy(r.failed[i+1:], r.failed[i:])
	r.failed[i] = path

	if r.file == nil {
		return errors.New("failure log is closed")
	}
	if _, err := r.file.WriteString(path + "\n"); err != nil {
		return errors.Errorf("append %s: %w", path, err)
	}
	if err := r.file.Sync(); err != nil {
		return errors.Errorf("sync failure log: %w", err)
	}
	return nil
}

// Failed returns a copy of the recorded paths in path order.
func (r *Recorder) Failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.failed))
	copy(out, r.failed)
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failed)
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// ReadLog returns the persisted entries of the failure log in logDir, oldest first.
// A missing log reads as empty.
func ReadLog(logDir string) ([]string, error) {
	f, err := os.Open(filepath.Join(logDir, LogFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Errorf("open failure log: %w", err)
	}
	defer f.Close()

	var entries []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			entries = append(entries, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Errorf("read failure log: %w", err)
	}
	return entries, nil
}
