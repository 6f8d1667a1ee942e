// Package logging implements the three-tier structured logger from
// spec.md §4.3: system, business-operations and business-monitoring
// streams at the process level, an operations/monitoring pair per
// strategy instance, and an aggregated errors stream that every other
// stream echoes into. Directory creation is crash-safe: it retries a
// few times before falling back to a synchronous, unrotated writer so
// a missing data directory never takes the process down.
package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogSizeMB  = 50
	maxBackups    = 5
	maxAgeDays    = 30
	dirRetries    = 3
	dirRetryDelay = 50 * time.Millisecond
)

// Category tags a log line's stream, used by the read-back methods.
type Category string

const (
	CategorySystem             Category = "system"
	CategoryBusinessOperations Category = "business_operations"
	CategoryBusinessMonitoring Category = "business_monitoring"
	CategoryInstanceOperations Category = "instance_operations"
	CategoryInstanceMonitoring Category = "instance_monitoring"
	CategoryError              Category = "error"
)

// Logger is the process-level logging facility.
type Logger struct {
	dataDir string

	System             *zap.Logger
	BusinessOperations *zap.Logger
	BusinessMonitoring *zap.Logger
	Errors             *zap.Logger

	errorsPath string

	mu        sync.Mutex
	instances map[string]*InstanceLogger
}

// InstanceLogger is the operations/monitoring pair for a single
// strategy instance.
type InstanceLogger struct {
	InstanceID string
	Operations *zap.Logger
	Monitoring *zap.Logger

	parent     *Logger
	opsPath    string
	monPath    string
}

// New builds the three process-level streams under dataDir/logs. If
// the directory cannot be created after retrying, it falls back to a
// synchronous stderr-only logger rather than failing startup.
func New(dataDir, level string) (*Logger, error) {
	logDir := filepath.Join(dataDir, "logs")
	zapLevel := parseLevel(level)

	if !ensureDir(logDir) {
		fallback := fallbackLogger(zapLevel)
		fallback.Warn("log directory unavailable after retries, falling back to synchronous stderr logging",
			zap.String("dir", logDir))
		return &Logger{
			dataDir:   dataDir,
			System:    fallback,
			BusinessOperations: fallback,
			BusinessMonitoring: fallback,
			Errors:    fallback,
			instances: make(map[string]*InstanceLogger),
		}, nil
	}

	errorsPath := filepath.Join(logDir, "errors.log")
	l := &Logger{
		dataDir:            dataDir,
		System:             buildLogger(filepath.Join(logDir, "system.log"), zapLevel),
		BusinessOperations: buildLogger(filepath.Join(logDir, "business_operations.log"), zapLevel),
		BusinessMonitoring: buildLogger(filepath.Join(logDir, "business_monitoring.log"), zapLevel),
		Errors:             buildLogger(errorsPath, zapLevel),
		errorsPath:         errorsPath,
		instances:          make(map[string]*InstanceLogger),
	}
	return l, nil
}

// ensureDir attempts to create dir, retrying a handful of times before
// giving up. Returns false if the directory still doesn't exist.
func ensureDir(dir string) bool {
	var lastErr error
	for i := 0; i < dirRetries; i++ {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			return true
		} else {
			lastErr = err
		}
		time.Sleep(dirRetryDelay)
	}
	_ = lastErr
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return true
	}
	return false
}

func buildLogger(path string, level zapcore.Level) *zap.Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	writer := &dirEnsuringWriter{dir: filepath.Dir(path), sink: zapcore.AddSync(rotator)}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), writer, level)
	return zap.New(core)
}

// dirEnsuringWriter recreates its log file's parent directory before
// every write, per spec.md §9 — a log directory removed out from
// under a running process (e.g. an operator clearing a disk, a
// container volume remount) doesn't silently stop logging until the
// process restarts.
type dirEnsuringWriter struct {
	dir  string
	sink zapcore.WriteSyncer
}

func (w *dirEnsuringWriter) Write(p []byte) (int, error) {
	ensureDir(w.dir)
	return w.sink.Write(p)
}

func (w *dirEnsuringWriter) Sync() error {
	return w.sink.Sync()
}

func fallbackLogger(level zapcore.Level) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stderr), level)
	return zap.New(core)
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// ForInstance returns (creating if necessary) the operations/
// monitoring logger pair for instanceID.
func (l *Logger) ForInstance(instanceID string) *InstanceLogger {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.instances[instanceID]; ok {
		return existing
	}

	dir := filepath.Join(l.dataDir, "logs", "instances", instanceID)
	var ops, mon *zap.Logger
	opsPath := filepath.Join(dir, "operations.log")
	monPath := filepath.Join(dir, "monitoring.log")
	if ensureDir(dir) {
		ops = buildLogger(opsPath, zapcore.DebugLevel)
		mon = buildLogger(monPath, zapcore.DebugLevel)
	} else {
		ops = l.System
		mon = l.System
	}

	il := &InstanceLogger{
		InstanceID: instanceID,
		Operations: ops,
		Monitoring: mon,
		parent:     l,
		opsPath:    opsPath,
		monPath:    monPath,
	}
	l.instances[instanceID] = il
	return il
}

// EchoError logs msg+err to stream and additionally echoes it, tagged
// with the instance ID and originating category, into the aggregated
// errors stream — so any subsystem's failures are all visible from one
// place without readers having to know which per-instance file to
// open.
func (l *Logger) EchoError(stream *zap.Logger, instanceID string, category Category, msg string, err error, fields ...zap.Field) {
	all := append([]zap.Field{
		zap.String("instance_id", instanceID),
		zap.String("category", string(category)),
		zap.Error(err),
	}, fields...)
	stream.Error(msg, all...)
	if stream != l.Errors {
		l.Errors.Error(msg, all...)
	}
}

// Sync flushes all underlying writers.
func (l *Logger) Sync() {
	l.System.Sync()
	l.BusinessOperations.Sync()
	l.BusinessMonitoring.Sync()
	l.Errors.Sync()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, il := range l.instances {
		il.Operations.Sync()
		il.Monitoring.Sync()
	}
}

// LogEntry is one parsed JSON line from an on-disk log file.
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Category  string                 `json:"category,omitempty"`
	Fields    map[string]interface{} `json:"-"`
}

// Recent returns the most recent n entries from the aggregated errors
// stream, oldest first.
func (l *Logger) Recent(n int) ([]LogEntry, error) {
	return readTailJSONLines(l.errorsPath, n, nil)
}

// ErrorsOnly returns the most recent n error-level entries from the
// aggregated errors stream.
func (l *Logger) ErrorsOnly(n int) ([]LogEntry, error) {
	return readTailJSONLines(l.errorsPath, n, func(e LogEntry) bool { return e.Level == "error" })
}

// ByCategory returns the most recent n entries from the aggregated
// errors stream matching category.
func (l *Logger) ByCategory(category Category, n int) ([]LogEntry, error) {
	cat := string(category)
	return readTailJSONLines(l.errorsPath, n, func(e LogEntry) bool { return e.Category == cat })
}

// Mixed returns the most recent n entries across both the aggregated
// errors stream and instanceID's own operations log, merged and
// sorted oldest-first by timestamp.
func (l *Logger) Mixed(instanceID string, n int) ([]LogEntry, error) {
	l.mu.Lock()
	il, ok := l.instances[instanceID]
	l.mu.Unlock()

	errs, err := readTailJSONLines(l.errorsPath, n, nil)
	if err != nil {
		return nil, err
	}
	var ops []LogEntry
	if ok {
		ops, err = readTailJSONLines(il.opsPath, n, nil)
		if err != nil {
			return nil, err
		}
	}
	merged := append(errs, ops...)
	sortByTimestamp(merged)
	if len(merged) > n {
		merged = merged[len(merged)-n:]
	}
	return merged, nil
}

func sortByTimestamp(entries []LogEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Timestamp < entries[j-1].Timestamp; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// readTailJSONLines reads the last n JSON lines from path matching an
// optional filter, oldest first. Missing files return an empty slice,
// not an error — a fresh instance has no log file yet.
func readTailJSONLines(path string, n int, filter func(LogEntry) bool) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	var all []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var raw map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
			continue
		}
		entry := LogEntry{Fields: raw}
		if ts, ok := raw["ts"].(string); ok {
			entry.Timestamp = ts
		}
		if lvl, ok := raw["level"].(string); ok {
			entry.Level = lvl
		}
		if msg, ok := raw["msg"].(string); ok {
			entry.Message = msg
		}
		if cat, ok := raw["category"].(string); ok {
			entry.Category = cat
		}
		if filter == nil || filter(entry) {
			all = append(all, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
