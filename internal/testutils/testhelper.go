package testutils

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// NewTestLogger creates a debug-level logger whose output goes through t.Log
func NewTestLogger(t testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	w := &testWriter{t: t}
	t.Cleanup(w.close)
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})
	return logger
}

// testWriter forwards to t.Log until the test ends; background goroutines may outlive it
type testWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.t.Log(string(bytes.TrimRight(p, "\n")))
	}
	return len(p), nil
}

func (w *testWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// Notification builds a raw device notification `9a|cmd|len|data|checksum`
func Notification(cmd byte, data ...byte) []byte {
	out := []byte{0x9a, cmd, byte(len(data))}
	out = append(out, data...)
	var cs byte
	for _, b := range out {
		cs ^= b
	}
	return append(out, cs^0xff)
}
