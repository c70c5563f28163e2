package config

import (
	"path/filepath"
	"time"

	"gitlab.com/tozd/go/errors"
)

// ErrInvalid is returned for any tunable or required field that is out of range.
var ErrInvalid = errors.Base("invalid configuration")

const (
	DefaultMaxThreads             = 100
	DefaultMaxLockedFileTries     = 100
	DefaultPollInterval           = 100 * time.Millisecond
	DefaultLockedFilePollInterval = 100 * time.Millisecond
	DefaultShutdownTimeout        = 30 * time.Second
	DefaultSinkTimeout            = 30 * time.Second
	DefaultHeartbeatInterval      = time.Minute
)

// ShutdownMode controls what happens to in-flight pollers when the watch loop exits.
type ShutdownMode string

const (
	// ShutdownDetach leaves pollers running to their own completion.
	ShutdownDetach ShutdownMode = "detach"
	// ShutdownDrain waits up to ShutdownTimeout for pollers, then interrupts the rest.
	ShutdownDrain ShutdownMode = "drain"
)

type ListenerConfig struct {
	Name                   string        `mapstructure:"name"`
	Path                   string        `mapstructure:"path"`        // Watched directory
	Destination            string        `mapstructure:"destination"` // Path in the remote database
	LogDir                 string        `mapstructure:"log_dir"`
	MaxThreads             int           `mapstructure:"max_threads"`           // Max concurrent lock pollers
	MaxLockedFileTries     int           `mapstructure:"max_locked_file_tries"` // Probes before a locked file is given up
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	LockedFilePollInterval time.Duration `mapstructure:"locked_file_poll_interval"`
	ShutdownMode           ShutdownMode  `mapstructure:"shutdown_mode"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
}

type SinkConfig struct {
	URL               string        `mapstructure:"url"`
	Auth              string        `mapstructure:"auth"`
	Timeout           time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type Config struct {
	LogDir    string           `mapstructure:"log_dir"`
	DBPath    string           `mapstructure:"db_path"`
	Sink      SinkConfig       `mapstructure:"sink"`
	Listeners []ListenerConfig `mapstructure:"listeners"`
}

// ApplyDefaults fills zero-valued tunables. Listener log directories default to
// <log_dir>/<name>.
func (c *Config) ApplyDefaults() {
	if c.Sink.Timeout == 0 {
		c.Sink.Timeout = DefaultSinkTimeout
	}
	if c.Sink.HeartbeatInterval == 0 {
		c.Sink.HeartbeatInterval = DefaultHeartbeatInterval
	}
	for i := range c.Listeners {
		l := &c.Listeners[i]
		if l.LogDir == "" && c.LogDir != "" {
			l.LogDir = filepath.Join(c.LogDir, l.Name)
		}
		l.ApplyDefaults()
	}
}

func (c *Config) Validate() error {
	if c.Sink.URL == "" {
		return errors.Errorf("sink url is required: %w", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Listeners))
	for _, l := range c.Listeners {
		if seen[l.Name] {
			return errors.Errorf("duplicate listener %q: %w", l.Name, ErrInvalid)
		}
		seen[l.Name] = true
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Listener(name string) (ListenerConfig, bool) {
	for _, l := range c.Listeners {
		if l.Name == name {
			return l, true
		}
	}
	return ListenerConfig{}, false
}

func (l *ListenerConfig) ApplyDefaults() {
	if l.MaxThreads == 0 {
		l.MaxThreads = DefaultMaxThreads
	}
	if l.MaxLockedFileTries == 0 {
		l.MaxLockedFileTries = DefaultMaxLockedFileTries
	}
	if l.PollInterval == 0 {
		l.PollInterval = DefaultPollInterval
	}
	if l.LockedFilePollInterval == 0 {
		l.LockedFilePollInterval = DefaultLockedFilePollInterval
	}
	if l.ShutdownMode == "" {
		l.ShutdownMode = ShutdownDetach
	}
	if l.ShutdownTimeout == 0 {
		l.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate checks required fields and every tunable. It does not touch the filesystem.
func (l *ListenerConfig) Validate() error {
	if l.Path == "" {
		return errors.Errorf("listener %q: path is required: %w", l.Name, ErrInvalid)
	}
	if l.LogDir == "" {
		return errors.Errorf("listener %q: log directory is required: %w", l.Name, ErrInvalid)
	}
	if err := ValidateMaxThreads(l.MaxThreads); err != nil {
		return err
	}
	if err := ValidateMaxLockedFileTries(l.MaxLockedFileTries); err != nil {
		return err
	}
	if err := ValidatePollInterval(l.PollInterval); err != nil {
		return err
	}
	if err := ValidateLockedFilePollInterval(l.LockedFilePollInterval); err != nil {
		return err
	}
	switch l.ShutdownMode {
	case ShutdownDetach, ShutdownDrain:
	default:
		return errors.Errorf("unknown shutdown mode %q: %w", l.ShutdownMode, ErrInvalid)
	}
	if l.ShutdownTimeout < 0 {
		return errors.Errorf("shutdown timeout must not be negative: %w", ErrInvalid)
	}
	return nil
}

func ValidateMaxThreads(n int) error {
	if n <= 2 {
		return errors.Errorf("maximum threads must be greater than 2, got %d: %w", n, ErrInvalid)
	}
	return nil
}

func ValidateMaxLockedFileTries(n int) error {
	if n < 1 {
		return errors.Errorf("maximum tries for locked files must be at least 1, got %d: %w", n, ErrInvalid)
	}
	return nil
}

func ValidatePollInterval(d time.Duration) error {
	if d <= 0 {
		return errors.Errorf("directory poll interval must be greater than 0, got %s: %w", d, ErrInvalid)
	}
	return nil
}

func ValidateLockedFilePollInterval(d time.Duration) error {
	if d <= 0 {
		return errors.Errorf("locked file poll interval must be greater than 0, got %s: %w", d, ErrInvalid)
	}
	return nil
}
