package logger

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/davdef/airlift-node-sub001/internal/errors"
)

const (
	// DefaultBufferSize batches file writes without holding much memory.
	DefaultBufferSize = 32 * 1024
	// DefaultFlushInterval bounds how long a line can sit in the buffer.
	DefaultFlushInterval = 5 * time.Second

	logFilePermissions = 0o600
)

// BufferedFileWriter is a goroutine-safe buffered appender with periodic flush.
type BufferedFileWriter struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	stop    chan struct{}
	done    chan struct{}
	closeMu sync.Once
}

// NewBufferedFileWriter opens path for append. A non-positive interval
// disables the background flush.
func NewBufferedFileWriter(path string, interval time.Duration) (*BufferedFileWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions) //nolint:gosec // path from config
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	w := &BufferedFileWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, DefaultBufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if interval > 0 {
		go w.flushLoop(interval)
	} else {
		close(w.done)
	}
	return w, nil
}

func (w *BufferedFileWriter) flushLoop(interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			_ = w.Flush()
		}
	}
}

// Write implements io.Writer.
func (w *BufferedFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer == nil {
		return 0, errors.New(errors.NewStd("log writer is closed")).
			Component("logger").Category(errors.CategoryState).Build()
	}
	return w.writer.Write(p)
}

// Flush writes buffered data to the OS without fsync.
func (w *BufferedFileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer == nil {
		return nil
	}
	return w.writer.Flush()
}

// Close stops the flush loop, syncs and closes the file. Idempotent.
func (w *BufferedFileWriter) Close() error {
	var err error
	w.closeMu.Do(func() {
		close(w.stop)
		<-w.done

		w.mu.Lock()
		defer w.mu.Unlock()
		err = errors.Join(w.writer.Flush(), w.file.Sync(), w.file.Close())
		w.writer = nil
	})
	return err
}
