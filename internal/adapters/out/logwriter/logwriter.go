// Package logwriter captures resource output into rotating files.
package logwriter

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/logging"
)

// Config holds the configuration for the log writer.
type Config struct {
	// Dir is the directory where resource logs are stored.
	Dir string
	// MaxSize is the maximum size in megabytes before rotation.
	MaxSize int
	// MaxBackups is the number of old log files to retain.
	MaxBackups int
	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int
}

// LogWriter hands out file-backed output consumers, one per resource name.
type LogWriter struct {
	config    Config
	consumers map[string]*FileConsumer
	mu        sync.Mutex
}

// FileConsumer writes both output streams of one resource to a single
// rotating file. Stderr lines are written unchanged; the file interleaves
// them in arrival order.
type FileConsumer struct {
	name   string
	path   string
	logger *lumberjack.Logger
}

var _ out.OutputConsumer = (*FileConsumer)(nil)

// Stdout returns the writer for the resource's standard output.
func (c *FileConsumer) Stdout() io.Writer { return c.logger }

// Stderr returns the writer for the resource's standard error.
func (c *FileConsumer) Stderr() io.Writer { return c.logger }

// Path returns the log file location.
func (c *FileConsumer) Path() string { return c.path }

// New creates a new LogWriter.
func New(config Config) (*LogWriter, error) {
	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		return nil, err
	}

	return &LogWriter{
		config:    config,
		consumers: make(map[string]*FileConsumer),
	}, nil
}

// Consumer returns the output consumer for name, replacing any previous one.
func (w *LogWriter) Consumer(ctx context.Context, name string) *FileConsumer {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "logwriter",
		logging.FieldAction:  "Consumer",
		"name":               name,
	})
	log := logging.FromCtx(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.consumers[name]; ok {
		log.Debug().Msg("closing existing consumer before opening a new one")
		_ = existing.logger.Close()
	}

	logPath := filepath.Join(w.config.Dir, sanitizeName(name)+".log")
	consumer := &FileConsumer{
		name: name,
		path: logPath,
		logger: &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    w.config.MaxSize,
			MaxBackups: w.config.MaxBackups,
			MaxAge:     w.config.MaxAge,
			Compress:   true,
		},
	}
	w.consumers[name] = consumer

	log.Info().Str("path", logPath).Msg("started resource output capture")
	return consumer
}

// Release closes the consumer for name. Unknown names are ignored.
func (w *LogWriter) Release(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	consumer, ok := w.consumers[name]
	if !ok {
		return nil
	}
	delete(w.consumers, name)
	return consumer.logger.Close()
}

// Open returns the names of the consumers not yet released, sorted.
func (w *LogWriter) Open() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.consumers))
	for name := range w.consumers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every consumer.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	for name, consumer := range w.consumers {
		err = multierr.Append(err, consumer.logger.Close())
		delete(w.consumers, name)
	}
	return err
}

// sanitizeName turns a container name into a file stem. The engine's leading
// slash is dropped and anything outside [A-Za-z0-9_-] becomes an underscore.
func sanitizeName(name string) string {
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return "container"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
