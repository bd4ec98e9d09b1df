package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const filePrefix = "cpflow-"

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID        string
	traceID      string
	spanID       string
	dir          string
	maxSizeBytes int64
	maxFiles     int
	mirror       io.Writer
	level        log.Level
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithTraceID configures the trace_id field used in emitted log records.
func WithTraceID(traceID string) Option {
	return func(opts *newOptions) {
		opts.traceID = strings.TrimSpace(traceID)
	}
}

// WithSpanID configures the span_id field used in emitted log records.
func WithSpanID(spanID string) Option {
	return func(opts *newOptions) {
		opts.spanID = strings.TrimSpace(spanID)
	}
}

// WithDir overrides the ~/.cpflow/logs directory.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithRetention rotates the file once it reaches maxSizeBytes and keeps at
// most maxFiles log files in the directory. Zero disables either limit.
func WithRetention(maxSizeBytes int64, maxFiles int) Option {
	return func(opts *newOptions) {
		opts.maxSizeBytes = maxSizeBytes
		opts.maxFiles = maxFiles
	}
}

// WithMirror also writes every record to w.
func WithMirror(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.mirror = w
	}
}

// WithLevel sets the minimum level written.
func WithLevel(level log.Level) Option {
	return func(opts *newOptions) {
		opts.level = level
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *rotatingFile
	baseLogger *log.Logger
	runID      string
	traceID    string
	spanID     string
}

// New initializes logging under ~/.cpflow/logs. Nothing is written to
// stdout; stderr only receives records when WithMirror asks for it.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".cpflow", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	baseName := filePrefix + timestamp
	if resolved.runID != "" {
		baseName = fmt.Sprintf("%s%s-%s", filePrefix, timestamp, resolved.runID)
	}
	file, err := openRotatingFile(logDir, baseName, resolved.maxSizeBytes, resolved.maxFiles)
	if err != nil {
		return nil, err
	}

	var out io.Writer = file
	if resolved.mirror != nil {
		out = io.MultiWriter(file, resolved.mirror)
	}
	logger := log.NewWithOptions(out, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		baseLogger: logger,
		runID:      resolved.runID,
		traceID:    resolved.traceID,
		spanID:     resolved.spanID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", file.Path()).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// WithRunID updates the run_id field for subsequent log records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.runID = strings.TrimSpace(runID)
	r.rebuildLogger()
	return r
}

// WithTraceID updates the trace_id field for subsequent log records.
func (r *RuntimeLogger) WithTraceID(traceID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.traceID = strings.TrimSpace(traceID)
	r.rebuildLogger()
	return r
}

// WithSpanID updates the span_id field for subsequent log records.
func (r *RuntimeLogger) WithSpanID(spanID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.spanID = strings.TrimSpace(spanID)
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil || r.file == nil {
		return ""
	}
	return r.file.Path()
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"run_id", r.runID,
		"trace_id", r.traceID,
		"span_id", r.spanID,
	)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}

// rotatingFile is an io.Writer over numbered log files sharing one base name.
type rotatingFile struct {
	mu       sync.Mutex
	dir      string
	baseName string
	maxSize  int64
	maxFiles int
	file     *os.File
	path     string
	size     int64
	seq      int
}

func openRotatingFile(dir, baseName string, maxSize int64, maxFiles int) (*rotatingFile, error) {
	rf := &rotatingFile{dir: dir, baseName: baseName, maxSize: maxSize, maxFiles: maxFiles}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.maxSize > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.maxSize {
		if err := rf.file.Close(); err != nil {
			return 0, fmt.Errorf("close log file: %w", err)
		}
		rf.seq++
		if err := rf.open(); err != nil {
			return 0, err
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

func (rf *rotatingFile) Path() string {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.path
}

func (rf *rotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

func (rf *rotatingFile) open() error {
	name := rf.baseName + ".log"
	if rf.seq > 0 {
		name = fmt.Sprintf("%s.%d.log", rf.baseName, rf.seq)
	}
	path := filepath.Join(rf.dir, name)
	// #nosec G304 -- path is built from the log directory and a generated name.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rf.file = file
	rf.path = path
	rf.size = info.Size()
	return prune(rf.dir, rf.maxFiles, path)
}

// prune deletes the oldest log files beyond maxFiles, never touching keep.
func prune(dir string, maxFiles int, keep string) error {
	if maxFiles <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*.log"))
	if err != nil {
		return fmt.Errorf("list log files: %w", err)
	}
	if len(matches) <= maxFiles {
		return nil
	}

	type entry struct {
		path    string
		modTime time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: match, modTime: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].modTime.Before(entries[j].modTime)
		}
		return entries[i].path < entries[j].path
	})

	excess := len(entries) - maxFiles
	for _, e := range entries {
		if excess <= 0 {
			break
		}
		if e.path == keep {
			continue
		}
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old log file %q: %w", e.path, err)
		}
		excess--
	}
	return nil
}
