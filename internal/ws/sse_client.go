package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	last    time.Time
	// deadline bounds each write so a stalled reader fails the write instead
	// of holding the hub's delivery goroutine.
	deadline func(time.Time) error
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SSEClient{writer: writer, flusher: flusher, log: logger, last: time.Now().UTC()}
}

// SetWriteDeadlineFunc installs the per-write deadline hook, usually
// http.NewResponseController(w).SetWriteDeadline.
func (c *SSEClient) SetWriteDeadlineFunc(fn func(time.Time) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = fn
}

// Send emits a data event to the SSE stream.
func (c *SSEClient) Send(payload []byte) error {
	return c.write(func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
		return err
	}, "sse send failed")
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.write(func(w io.Writer) error {
		_, err := fmt.Fprint(w, ": ping\n\n")
		return err
	}, "sse heartbeat failed")
}

func (c *SSEClient) write(fn func(io.Writer) error, failure string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if c.deadline != nil {
		_ = c.deadline(time.Now().Add(writeWait))
		defer func() { _ = c.deadline(time.Time{}) }()
	}
	if err := fn(c.writer); err != nil {
		c.closed = true
		c.log.Warn(failure, "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Closed reports whether the stream stopped accepting writes.
func (c *SSEClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
