package logger

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// current is swapped by InitWithSink while other goroutines log.
var current atomic.Pointer[slog.Logger]

type asyncWriter struct {
	ch chan []byte
}

func (a *asyncWriter) Write(p []byte) (n int, err error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case a.ch <- cp:
		return len(p), nil
	default:
		// drop if queue full to avoid blocking
		return len(p), nil
	}
}

var (
	mu        sync.Mutex
	logCh     chan []byte
	logStopCh chan struct{}
	logWG     sync.WaitGroup
)

// Init initializes the global logger using GOTCHAT_LOG_LEVEL (default info).
func Init() {
	InitWithLevel("")
}

// InitWithLevel initializes the global logger at level ("debug", "info",
// "warn", "error"). An empty level falls back to GOTCHAT_LOG_LEVEL. The sink
// is stdout unless GOTCHAT_LOG_SINK is "file:<path>".
func InitWithLevel(level string) {
	sink := os.Getenv("GOTCHAT_LOG_SINK")
	InitWithSink(level, sink)
}

// InitWithSink is InitWithLevel with an explicit sink ("", "stdout", "stderr",
// "discard" or "file:<path>").
func InitWithSink(level, sink string) {
	lvl := strings.TrimSpace(level)
	if lvl == "" {
		lvl = os.Getenv("GOTCHAT_LOG_LEVEL")
	}

	mu.Lock()
	defer mu.Unlock()
	stopLocked()

	logCh = make(chan []byte, 10000)
	logStopCh = make(chan struct{})
	aw := &asyncWriter{ch: logCh}
	current.Store(slog.New(slog.NewTextHandler(aw, &slog.HandlerOptions{Level: ParseLevel(lvl)})))

	ch, stop := logCh, logStopCh
	logWG.Add(1)
	go func() {
		defer logWG.Done()
		out, closer := openSink(sink)
		buf := bufio.NewWriterSize(out, 8192)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case b := <-ch:
				buf.Write(b)
			case <-ticker.C:
				buf.Flush()
			case <-stop:
				// drain what is already queued
				for {
					select {
					case b := <-ch:
						buf.Write(b)
						continue
					default:
					}
					break
				}
				buf.Flush()
				if closer != nil {
					closer.Close()
				}
				return
			}
		}
	}()
}

func openSink(sink string) (io.Writer, io.Closer) {
	switch {
	case sink == "discard":
		return io.Discard, nil
	case sink == "stderr":
		return os.Stderr, nil
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
			return os.Stdout, nil
		}
		return f, f
	default:
		return os.Stdout, nil
	}
}

// ParseLevel maps a level name to slog; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Sync flushes any buffered logs and stops the writer.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	stopLocked()
}

func stopLocked() {
	if logStopCh != nil {
		close(logStopCh)
		logWG.Wait()
		logStopCh = nil
	}
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) {
	if l := current.Load(); l != nil {
		l.Debug(msg, args...)
	}
}

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) {
	if l := current.Load(); l != nil {
		l.Info(msg, args...)
	}
}

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) {
	if l := current.Load(); l != nil {
		l.Warn(msg, args...)
	}
}

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) {
	if l := current.Load(); l != nil {
		l.Error(msg, args...)
	}
}

// LogConfigSummary prints a human-friendly block of configuration results
// to stdout, regardless of the configured sink.
func LogConfigSummary(title string, items []string) {
	if len(items) == 0 {
		return
	}
	human := strings.ReplaceAll(title, "_", " ")
	header := "== " + strings.ToUpper(human[:1]) + human[1:] + " "
	const width = 60
	if len(header) < width {
		header = header + strings.Repeat("=", width-len(header))
	}
	fmt.Fprintln(os.Stdout, header)
	for _, it := range items {
		fmt.Fprintln(os.Stdout, "- "+it)
	}
	fmt.Fprintln(os.Stdout)
}
