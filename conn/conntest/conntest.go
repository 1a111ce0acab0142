// Package conntest provides an in-memory conn.Connection for tests.
package conntest

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/cyberinferno/go-relay/conn"
	"github.com/cyberinferno/go-relay/frame"
	"github.com/cyberinferno/go-relay/idgenerator"
)

var ids = idgenerator.NewIdGenerator(0)

// Conn is a fake connection. Bytes written with Feed appear on the read
// side; frames passed to Send are recorded and can be decoded with Received.
type Conn struct {
	id uint32

	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool
	closes  int

	done chan struct{}
}

// New returns an open fake connection with a fresh ID.
func New() *Conn {
	pr, pw := io.Pipe()
	return &Conn{
		id:   ids.Id(),
		pr:   pr,
		pw:   pw,
		done: make(chan struct{}),
	}
}

var _ conn.Connection = (*Conn)(nil)

func (c *Conn) ID() uint32         { return c.id }
func (c *Conn) RemoteAddr() string { return "fake" }

func (c *Conn) Read(p []byte) (int, error) {
	return c.pr.Read(p)
}

// Feed writes raw bytes to the read side. It blocks until the reader has
// consumed them.
func (c *Conn) Feed(b []byte) error {
	_, err := c.pw.Write(b)
	return err
}

// FeedText encodes text as a frame and feeds it.
func (c *Conn) FeedText(text string) error {
	b, err := frame.Encode(text)
	if err != nil {
		return err
	}
	return c.Feed(b)
}

// Hangup simulates the peer closing its side: pending and future reads
// return io.EOF.
func (c *Conn) Hangup() {
	_ = c.pw.Close()
}

// FailSends makes every later Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Conn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return conn.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}

	c.sent = append(c.sent, bytes.Clone(b))
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closes++
	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)
	_ = c.pr.CloseWithError(io.ErrClosedPipe)
	_ = c.pw.Close()
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Done is closed on the first Close.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Received decodes every frame passed to Send so far.
func (c *Conn) Received() []string {
	c.mu.Lock()
	frames := make([][]byte, len(c.sent))
	copy(frames, c.sent)
	c.mu.Unlock()

	out := make([]string, 0, len(frames))
	for _, f := range frames {
		text, err := frame.DecodeOne(bytes.NewReader(f))
		if err != nil {
			out = append(out, "<undecodable>")
			continue
		}
		out = append(out, text)
	}

	return out
}

// WaitReceived polls until at least n frames were sent or the timeout passes.
func (c *Conn) WaitReceived(n int, timeout time.Duration) []string {
	deadline := time.Now().Add(timeout)
	for {
		got := c.Received()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
}
