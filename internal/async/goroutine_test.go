package async

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *recordingLogger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, format)
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func TestGoRecoversPanicAndLogs(t *testing.T) {
	logger := &recordingLogger{}

	Go(logger, "test-task", func() {
		panic("boom")
	})

	require.Eventually(t, func() bool { return logger.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestGoRunsFunctionNormallyWithoutPanic(t *testing.T) {
	logger := &recordingLogger{}
	done := make(chan struct{})

	Go(logger, "ok-task", func() {
		close(done)
	})

	<-done
	assert.Equal(t, 0, logger.count())
}

func TestRecoverWithNilLoggerDoesNotPanic(t *testing.T) {
	func() {
		defer Recover(nil, "name")
		panic("boom")
	}()
}

func TestRecoverWithEmptyNameStillLogs(t *testing.T) {
	logger := &recordingLogger{}
	func() {
		defer Recover(logger, "")
		panic("boom")
	}()
	assert.Equal(t, 1, logger.count())
}
