package tail

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/slackmgr/pgstream/logging"
	"github.com/slackmgr/types"
)

const defaultPollInterval = time.Second

var defaultPatterns = []string{"*.txt"}

// Option configures a Tailer or a Watcher.
type Option func(*options)

type options struct {
	logger       types.Logger
	patterns     []string
	recursive    bool
	pollInterval time.Duration
}

func newOptions() *options {
	return &options{
		logger:       logging.Nop(),
		patterns:     defaultPatterns,
		pollInterval: defaultPollInterval,
	}
}

func WithLogger(logger types.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPatterns sets the file name globs a Watcher reports changes for.
// Patterns are matched against the base name. Defaults to "*.txt".
func WithPatterns(patterns ...string) Option {
	return func(o *options) { o.patterns = patterns }
}

// WithRecursive makes a Watcher descend into subdirectories.
func WithRecursive(recursive bool) Option {
	return func(o *options) { o.recursive = recursive }
}

// WithPollInterval sets how often a Watcher rescans its directory in
// addition to listening for file system events. Zero disables polling.
// Defaults to one second.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func (o *options) validate() error {
	if len(o.patterns) == 0 {
		return errors.New("at least one file pattern is required")
	}

	for _, p := range o.patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("invalid file pattern %q: %w", p, err)
		}
	}

	if o.pollInterval < 0 {
		return errors.New("poll interval must not be negative")
	}

	return nil
}

func (o *options) matches(path string) bool {
	name := filepath.Base(path)

	for _, p := range o.patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}

	return false
}
