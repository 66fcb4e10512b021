// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// Logger tags every line with a component prefix and a level.
type Logger struct {
	prefix string
}

var (
	mu           sync.RWMutex
	baseLogger   = log.New(os.Stdout, "", log.LstdFlags)
	logFile      *os.File
	debugEnabled = os.Getenv("DEBUG") != ""
)

// Init sends log output to stdout and to the file at logPath.
// An empty path keeps stdout only.
func Init(logPath string) error {
	if logPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	baseLogger = newBaseLogger(io.MultiWriter(os.Stdout, f))
	return nil
}

// SetOutput replaces the destination of all loggers. Tests use it to
// capture or silence output.
func SetOutput(w io.Writer) {
	mu.Lock()
	baseLogger = newBaseLogger(w)
	mu.Unlock()
}

// Close cleans up the log file (call on shutdown)
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// EnableDebug dynamically turns debug logging on/off
func EnableDebug(on bool) {
	mu.Lock()
	debugEnabled = on
	mu.Unlock()
}

func IsDebug() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugEnabled
}

func New(prefix string) *Logger {
	return &Logger{prefix: prefix}
}

func (l *Logger) Info(fmtstr string, v ...any) {
	l.output("INFO", "", fmtstr, v...)
}

func (l *Logger) Warn(fmtstr string, v ...any) {
	l.output("WARN", "", fmtstr, v...)
}

func (l *Logger) Error(fmtstr string, v ...any) {
	l.output("ERROR", caller(), fmtstr, v...)
}

// Fatal logs and panics; service.Start turns the panic into a shutdown.
func (l *Logger) Fatal(fmtstr string, v ...any) {
	formatted := fmt.Sprintf(fmtstr, v...)
	l.output("FATAL", caller(), "%s", formatted)
	panic(formatted)
}

func (l *Logger) Debug(fmtstr string, v ...any) {
	if !IsDebug() {
		return
	}
	l.output("DEBUG", "", fmtstr, v...)
}

func (l *Logger) output(level, where, fmtstr string, v ...any) {
	formatted := fmt.Sprintf(fmtstr, v...)
	mu.RLock()
	out := baseLogger
	mu.RUnlock()
	if where != "" {
		out.Printf("[%s] %s: (%s) %s", l.prefix, level, where, formatted)
		return
	}
	out.Printf("[%s] %s: %s", l.prefix, level, formatted)
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

func newBaseLogger(w io.Writer) *log.Logger {
	return log.New(w, "", log.LstdFlags)
}
