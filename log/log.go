package log

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"log/syslog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the minimum level that will be emitted.
type Level int32

const (
	LevelSilent Level = iota - 1
	LevelError
	LevelInfo
	LevelTrace
	LevelDebug
)

// Kind tags a single emitted line. LevelBypass lines are the "bypass action
// taken" events; they share the info threshold but are tagged separately so
// hooks can count them.
type Kind string

const (
	KindError  Kind = "error"
	KindWarn   Kind = "warning"
	KindInfo   Kind = "info"
	KindBypass Kind = "bypass"
	KindTrace  Kind = "trace"
	KindDebug  Kind = "debug"
)

// Hook observes emitted lines. Hooks run synchronously and must not log.
type Hook func(kind Kind, msg string)

var (
	CurLevel  atomic.Int32
	errFile   *os.File
	errLogger *log.Logger
	errMu     sync.Mutex

	hooksMu sync.RWMutex
	hooks   []Hook
)

func init() {
	CurLevel.Store(int32(LevelInfo))
}

// multi is a simple fan-out writer (stderr + optional syslog).
type multi struct {
	mu sync.Mutex
	ws []io.Writer
}

func (m *multi) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.ws {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

var (
	mu         sync.Mutex
	origStderr io.Writer = os.Stderr
	base                 = &multi{ws: []io.Writer{os.Stderr}}
	buf        *bufio.Writer
	logger     *log.Logger
	flushTimer *time.Ticker
	insta      = true
)

// OrigStderr returns the process stderr captured before any redirection.
func OrigStderr() io.Writer { return origStderr }

// Init sets the base writer, level, and instaflush behavior.
func Init(w io.Writer, level Level, instaflush bool) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	base.ws = []io.Writer{w}
	insta = instaflush
	CurLevel.Store(int32(level))
	rebuildLocked()
}

// AttachWriter adds an extra sink.
func AttachWriter(w io.Writer) {
	if w == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	base.ws = append(base.ws, w)
	rebuildLocked()
}

// EnableSyslog connects to the local syslog and attaches it as a sink.
func EnableSyslog(tag string) error {
	sw, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return err
	}
	AttachWriter(sw)
	return nil
}

// AddHook registers h for every line that passes the level filter.
func AddHook(h Hook) {
	if h == nil {
		return
	}
	hooksMu.Lock()
	hooks = append(hooks, h)
	hooksMu.Unlock()
}

// ResetHooks drops all registered hooks.
func ResetHooks() {
	hooksMu.Lock()
	hooks = nil
	hooksMu.Unlock()
}

// SetLevel changes the active level.
func SetLevel(l Level) { CurLevel.Store(int32(l)) }

// Enabled reports whether lines at l are currently emitted.
func Enabled(l Level) bool { return Level(CurLevel.Load()) >= l }

// SetInstaflush toggles line buffering. Switching to instaflush flushes any
// pending buffered data immediately.
func SetInstaflush(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if insta == v {
		return
	}
	insta = v
	if buf != nil && v {
		_ = buf.Flush()
	}
	rebuildLocked()
}

// Flush forces a flush when buffering is enabled.
func Flush() {
	mu.Lock()
	defer mu.Unlock()
	if buf != nil {
		_ = buf.Flush()
	}
}

func InitErrorFile(path string) error {
	if path == "" {
		return nil
	}
	errMu.Lock()
	defer errMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	errFile = f
	errLogger = log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	return nil
}

func CloseErrorFile() {
	errMu.Lock()
	defer errMu.Unlock()
	if errFile != nil {
		_ = errFile.Sync()
		_ = errFile.Close()
		errFile = nil
		errLogger = nil
	}
}

// ---- printing ------------------------------------------------------------

// Errorf logs at error level and returns the formatted error, so call sites
// can write `return log.Errorf(...)`.
func Errorf(format string, a ...any) error {
	err := fmt.Errorf(format, a...)
	if Enabled(LevelError) {
		emit(KindError, "[ERROR] ", err.Error())
	}

	errMu.Lock()
	if errLogger != nil {
		errLogger.Println("[ERROR] " + err.Error())
	}
	errMu.Unlock()

	return err
}

func Warnf(format string, a ...any) {
	if Enabled(LevelError) {
		emit(KindWarn, "[WARN] ", fmt.Sprintf(format, a...))
	}
}

func Infof(format string, a ...any) {
	if Enabled(LevelInfo) {
		emit(KindInfo, "[INFO] ", fmt.Sprintf(format, a...))
	}
}

// Bypassf reports a deliberate evasion or policy action (split, delay,
// decoy, block, resolver rewrite).
func Bypassf(format string, a ...any) {
	if Enabled(LevelInfo) {
		emit(KindBypass, "[BYPASS] ", fmt.Sprintf(format, a...))
	}
}

func Tracef(format string, a ...any) {
	if Enabled(LevelTrace) {
		emit(KindTrace, "[TRACE] ", fmt.Sprintf(format, a...))
	}
}

func Debugf(format string, a ...any) {
	if Enabled(LevelDebug) {
		emit(KindDebug, "[DEBUG] ", fmt.Sprintf(format, a...))
	}
}

func emit(kind Kind, prefix, msg string) {
	mu.Lock()
	if logger == nil {
		rebuildLocked()
	}
	logger.Print(prefix + msg)
	mu.Unlock()

	hooksMu.RLock()
	hs := hooks
	hooksMu.RUnlock()
	for _, h := range hs {
		h(kind, msg)
	}
}

// ---- internals -----------------------------------------------------------

func rebuildLocked() {
	var w io.Writer = base
	if insta {
		buf = nil
		logger = log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)
		stopFlusherLocked()
		return
	}

	buf = bufio.NewWriterSize(w, 16*1024)
	logger = log.New(buf, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	startFlusherLocked()
}

func startFlusherLocked() {
	stopFlusherLocked()
	flushTimer = time.NewTicker(2 * time.Second)
	go func(t *time.Ticker) {
		for range t.C {
			mu.Lock()
			if buf != nil {
				_ = buf.Flush()
			}
			mu.Unlock()
		}
	}(flushTimer)
}

func stopFlusherLocked() {
	if flushTimer != nil {
		flushTimer.Stop()
		flushTimer = nil
	}
}

// ParseLevel maps a verbosity name to a Level. Unknown names map to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	case "error":
		return LevelError
	case "silent":
		return LevelSilent
	default:
		return LevelInfo
	}
}
