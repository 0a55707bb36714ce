package lane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type logEvent struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

type logBuffer struct {
	mu  sync.Mutex
	buf []json.RawMessage
}

func (b *logBuffer) add(msg string) {
	data, err := json.Marshal(logEvent{Time: time.Now(), Message: msg})
	if err != nil {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, data)
	b.mu.Unlock()
}

func (b *logBuffer) events() []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]json.RawMessage(nil), b.buf...)
}

type logKey struct{}

func withLogs(ctx context.Context, b *logBuffer) context.Context {
	return context.WithValue(ctx, logKey{}, b)
}

// Logf records a log event on the step or assertion running under ctx. The
// events are attached to its result. Outside a step it does nothing.
func Logf(ctx context.Context, format string, args ...any) {
	b, ok := ctx.Value(logKey{}).(*logBuffer)
	if !ok {
		return
	}
	b.add(fmt.Sprintf(format, args...))
}
