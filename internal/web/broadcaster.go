package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/shgscan/internal/logic/scan"
)

// StatusEvent is one log line on the status stream.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// Broadcaster fans JSON payloads out to SSE and websocket clients. Slow
// clients miss messages rather than stall the sender.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	last    []byte
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[chan []byte]struct{})}
}

// Subscribe returns a channel of payloads and a cleanup function the caller
// must run when the client goes away.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Publish marshals v and sends it to every client.
func (b *Broadcaster) Publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.last = data
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

// Last returns the most recent payload, or nil.
func (b *Broadcaster) Last() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// Log publishes a StatusEvent.
func (b *Broadcaster) Log(level, msg string) {
	b.Publish(StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	})
}

// Telemetry publishes a controller snapshot. It matches the signature
// scan.Controller.Subscribe expects.
func (b *Broadcaster) Telemetry(t scan.Telemetry) {
	b.Publish(t)
}

// LogWriter returns an io.Writer that publishes each write as an info line,
// for use with debug.SetOutput.
func LogWriter(b *Broadcaster) *logWriter {
	return &logWriter{b: b}
}

type logWriter struct {
	b *Broadcaster
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.b.Log("info", line)
		}
	}
	return len(p), nil
}
