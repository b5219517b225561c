// Package file records scene render calls to a JSON-lines journal.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/metric"
	"github.com/CMCRobotics/save-the-reef/processor/scene"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

// Record types, one per scene.Renderer method.
const (
	RecordTeams     = "teams"
	RecordAnimation = "animation"
	RecordSkin      = "skin"
	RecordMode      = "mode"
	RecordCoral     = "coral"
)

// Config holds configuration for the scene journal
type Config struct {
	Enabled       bool          `json:"enabled"`
	Directory     string        `json:"directory"`
	FilePrefix    string        `json:"file_prefix"`
	Append        bool          `json:"append"`
	BufferSize    int           `json:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// DefaultConfig returns a disabled journal writing journal/scene.jsonl.
func DefaultConfig() Config {
	return Config{
		Directory:     "journal",
		FilePrefix:    "scene",
		Append:        true,
		BufferSize:    100,
		FlushInterval: time.Second,
	}
}

// Validate checks the configuration for errors. A disabled journal is
// always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Directory == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "journal directory is required")
	}
	if c.FilePrefix == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "journal file_prefix is required")
	}
	if c.BufferSize < 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "journal buffer_size cannot be negative")
	}
	if c.FlushInterval < 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "journal flush_interval cannot be negative")
	}
	return nil
}

// Record is one journal line.
type Record struct {
	Time    time.Time       `json:"time"`
	Type    string          `json:"type"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithMetrics exports journal counters.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(j *Journal) {
		j.registry = registry
	}
}

// Journal appends every render call as a Record. Writes are buffered and
// flushed when BufferSize records are pending, every FlushInterval, and on
// Close.
type Journal struct {
	cfg      Config
	path     string
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *journalMetrics
	now      func() time.Time

	mu     sync.Mutex
	file   *os.File
	buffer [][]byte
	closed bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ scene.Renderer = (*Journal)(nil)

// NewJournal opens the journal file, creating the directory as needed.
func NewJournal(cfg Config, opts ...Option) (*Journal, error) {
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	j := &Journal{
		cfg:    cfg,
		path:   filepath.Join(cfg.Directory, cfg.FilePrefix+".jsonl"),
		logger: slog.Default().With("component", "scene-journal"),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}

	metrics, err := newJournalMetrics(j.registry)
	if err != nil {
		return nil, errors.Wrap(err, "Journal", "NewJournal", "register metrics")
	}
	j.metrics = metrics

	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "Journal", "NewJournal", "create directory")
	}
	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(j.path, flags, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "Journal", "NewJournal", "open "+j.path)
	}
	j.file = f

	if cfg.FlushInterval > 0 {
		go j.flushLoop()
	} else {
		close(j.done)
	}

	j.logger.Info("Scene journal opened", "path", j.path, "append", cfg.Append)
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) record(typ, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		j.metrics.recordError("marshal")
		return errors.WrapInvalid(err, "Journal", "record", "marshal "+typ)
	}
	line, err := json.Marshal(Record{Time: j.now().UTC(), Type: typ, Key: key, Payload: data})
	if err != nil {
		j.metrics.recordError("marshal")
		return errors.WrapInvalid(err, "Journal", "record", "marshal record")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Journal", "record", "journal closed")
	}
	j.buffer = append(j.buffer, line)
	if len(j.buffer) >= j.cfg.BufferSize {
		return j.flushLocked()
	}
	return nil
}

// Flush writes pending records.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 || j.file == nil {
		return nil
	}

	var out bytes.Buffer
	for _, line := range j.buffer {
		out.Write(line)
		out.WriteByte('\n')
	}
	n, err := j.file.Write(out.Bytes())
	if err != nil {
		j.metrics.recordError("write")
		return errors.WrapTransient(err, "Journal", "flush", "write "+j.path)
	}
	j.metrics.written(len(j.buffer), n)
	j.buffer = j.buffer[:0]
	return nil
}

func (j *Journal) flushLoop() {
	defer close(j.done)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				j.logger.Warn("Journal flush failed", "error", err)
			}
		}
	}
}

// Close flushes and closes the file. Render calls after Close fail with
// ErrShuttingDown.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.stop)
		<-j.done

		j.mu.Lock()
		defer j.mu.Unlock()
		j.closed = true
		err = j.flushLocked()
		if cerr := j.file.Close(); cerr != nil && err == nil {
			err = errors.WrapTransient(cerr, "Journal", "Close", "close "+j.path)
		}
		j.file = nil
	})
	return err
}

// RenderTeams implements scene.Renderer.
func (j *Journal) RenderTeams(_ context.Context, layout scene.TeamLayout) error {
	return j.record(RecordTeams, "", layout)
}

// UpdateAnimation implements scene.Renderer.
func (j *Journal) UpdateAnimation(_ context.Context, p scene.PlayerView) error {
	return j.record(RecordAnimation, p.NodeID, p)
}

// UpdateSkin implements scene.Renderer.
func (j *Journal) UpdateSkin(_ context.Context, p scene.PlayerView) error {
	return j.record(RecordSkin, p.NodeID, p)
}

// UpdateMode implements scene.Renderer.
func (j *Journal) UpdateMode(_ context.Context, mode string) error {
	return j.record(RecordMode, "", map[string]string{"mode": mode})
}

// UpdateCoral implements scene.Renderer.
func (j *Journal) UpdateCoral(_ context.Context, c fact.Coral) error {
	return j.record(RecordCoral, c.ID, c)
}
