// Package logging writes the operational log to <logDir>/json-listener-log.log.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/kardianos/service"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

const LogFileName = "json-listener-log.log"

// FileLogger satisfies core.Logger. Lines go to a rotating file and are echoed to the
// service logger when one is attached, or to the console writer otherwise.
type FileLogger struct {
	mu      sync.Mutex
	file    *lumberjack.Logger
	out     *log.Logger
	svc     service.Logger
	console io.Writer
	debug   bool
}

type Options struct {
	Service service.Logger // nil when running interactively
	Console io.Writer      // defaults to os.Stderr when Service is nil
	Debug   bool
}

func Open(logDir string, opts Options) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, errors.Errorf("failed to create log directory: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, LogFileName),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
	}
	console := opts.Console
	if console == nil && opts.Service == nil {
		console = os.Stderr
	}
	return &FileLogger{
		file:    file,
		out:     log.New(file, "", log.LstdFlags|log.Lmicroseconds),
		svc:     opts.Service,
		console: console,
		debug:   opts.Debug,
	}, nil
}

func (l *FileLogger) write(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("%s: %s", level, msg)
	if l.console != nil {
		fmt.Fprintf(l.console, "%s: %s\n", level, msg)
	}
}

func (l *FileLogger) Info(v ...interface{}) error {
	msg := fmt.Sprint(v...)
	l.write("INFO", msg)
	if l.svc != nil {
		return l.svc.Info(msg)
	}
	return nil
}

func (l *FileLogger) Infof(format string, v ...interface{}) error {
	return l.Info(fmt.Sprintf(format, v...))
}

func (l *FileLogger) Warning(v ...interface{}) error {
	msg := fmt.Sprint(v...)
	l.write("WARNING", msg)
	if l.svc != nil {
		return l.svc.Warning(msg)
	}
	return nil
}

func (l *FileLogger) Warningf(format string, v ...interface{}) error {
	return l.Warning(fmt.Sprintf(format, v...))
}

// Error logs at SEVERE, the level name the failure tooling greps for.
func (l *FileLogger) Error(v ...interface{}) error {
	msg := fmt.Sprint(v...)
	l.write("SEVERE", msg)
	if l.svc != nil {
		return l.svc.Error(msg)
	}
	return nil
}

func (l *FileLogger) Errorf(format string, v ...interface{}) error {
	return l.Error(fmt.Sprintf(format, v...))
}

// Debugf only writes when debug logging is enabled, and never to the service logger.
func (l *FileLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.write("DEBUG", fmt.Sprintf(format, v...))
	}
}

func (l *FileLogger) Close() error {
	return l.file.Close()
}
