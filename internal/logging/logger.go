// Package logging provides unified logging infrastructure for flashnode
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the name of the log file written inside the log directory
const FileName = "flashnode.log"

// Logger wraps the standard logger with file output
type Logger struct {
	*log.Logger
	file *os.File
	path string
	mu   sync.Mutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// now is the clock used for rotated file names
var now = time.Now

// Initialize sets up the logging system with file output
func Initialize(logDir string) error {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = open(logDir)
	})
	return initErr
}

func open(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(logDir, FileName)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // path built from configured log dir
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	multiWriter := io.MultiWriter(os.Stdout, file)
	logger := &Logger{
		Logger: log.New(multiWriter, "", log.LstdFlags),
		file:   file,
		path:   logPath,
	}

	// Replace default logger so plain log.Printf calls land in the file too
	log.SetOutput(multiWriter)
	log.SetFlags(log.LstdFlags)

	log.Printf("Logging initialized: %s", logPath)
	return logger, nil
}

// Close closes the log file. Later output goes to stdout only.
func Close() error {
	if defaultLogger == nil {
		return nil
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if defaultLogger.file == nil {
		return nil
	}
	defaultLogger.Logger.SetOutput(os.Stdout)
	log.SetOutput(os.Stdout)
	err := defaultLogger.file.Close()
	defaultLogger.file = nil
	return err
}

// Path returns the active log file path, or "" when file logging is disabled
func Path() string {
	if defaultLogger == nil {
		return ""
	}
	return defaultLogger.path
}

// Printf logs a formatted message
func Printf(format string, v ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Printf(format, v...)
	} else {
		log.Printf(format, v...)
	}
}

func output(level, format string, v ...interface{}) {
	msg := fmt.Sprintf("["+level+"] "+format, v...)
	if defaultLogger != nil {
		defaultLogger.Println(msg)
	} else {
		log.Println(msg)
	}
}

// Errorf logs an error message
func Errorf(format string, v ...interface{}) {
	output("ERROR", format, v...)
}

// Warnf logs a warning message
func Warnf(format string, v ...interface{}) {
	output("WARN", format, v...)
}

// Infof logs an info message
func Infof(format string, v ...interface{}) {
	output("INFO", format, v...)
}

// Debugf logs a debug message (only in development mode)
func Debugf(format string, v ...interface{}) {
	if IsDevelopment() {
		output("DEBUG", format, v...)
	}
}

// IsDevelopment reports whether verbose development logging is enabled
func IsDevelopment() bool {
	return os.Getenv("FLASHNODE_ENV") == "development" || os.Getenv("DEBUG") == "true"
}

// Tail returns the last n lines of the file at path. A missing file yields no lines.
func Tail(path string, n int) ([]string, error) {
	file, err := os.Open(path) //nolint:gosec // path comes from configuration
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	// Ring buffer keeps memory bounded on large log files
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if n <= 0 {
			continue
		}
		if len(ring) == n {
			ring = append(ring[1:], scanner.Text())
		} else {
			ring = append(ring, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return ring, nil
}

// RotateLogs creates a new log file with timestamp and renames the old one
func RotateLogs(logDir string) error {
	if defaultLogger == nil {
		return fmt.Errorf("logger not initialized")
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if defaultLogger.file != nil {
		if err := defaultLogger.file.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	oldPath := filepath.Join(logDir, FileName)
	newPath := filepath.Join(logDir, fmt.Sprintf("flashnode-%s.log", now().Format("20060102-150405")))
	renameErr := os.Rename(oldPath, newPath)

	// Reopen even when the rename failed so logging keeps reaching the file
	file, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // same path as before
	if err != nil {
		defaultLogger.file = nil
		defaultLogger.Logger.SetOutput(os.Stdout)
		log.SetOutput(os.Stdout)
		return fmt.Errorf("failed to open new log file: %w", err)
	}

	defaultLogger.file = file

	multiWriter := io.MultiWriter(os.Stdout, file)
	defaultLogger.Logger.SetOutput(multiWriter)
	log.SetOutput(multiWriter)

	if renameErr != nil {
		return fmt.Errorf("failed to rotate log file: %w", renameErr)
	}

	log.Printf("Log rotation completed: %s", newPath)
	return nil
}
