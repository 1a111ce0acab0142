package conn

import (
	"sync"
	"time"

	"github.com/cyberinferno/go-relay/logger"
)

// WriteFunc writes one queued frame to the transport before deadline.
type WriteFunc func(frame []byte, deadline time.Time) error

// SendQueue is the bounded outbound queue behind every Connection
// implementation. Frames are written in order by one writer goroutine. A
// failed write closes the queue, and with it the transport.
type SendQueue struct {
	opts      Options
	write     WriteFunc
	closeFunc func() error

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// NewSendQueue starts the writer goroutine.
//
// Parameters:
//   - opts: Queue size, per-write timeout and logger; zero values use defaults
//   - write: Writes a frame to the transport
//   - closeFunc: Releases the transport; called once by Close
//
// Returns:
//   - The running SendQueue
func NewSendQueue(opts Options, write WriteFunc, closeFunc func() error) *SendQueue {
	opts = opts.WithDefaults()
	q := &SendQueue{
		opts:      opts,
		write:     write,
		closeFunc: closeFunc,
		send:      make(chan []byte, opts.SendQueueSize),
		done:      make(chan struct{}),
	}

	q.wg.Add(1)
	go q.run()

	return q
}

// Send queues frame without blocking.
//
// Returns:
//   - ErrClosed after Close, ErrSendQueueFull when the queue is full
func (q *SendQueue) Send(frame []byte) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.send <- frame:
		return nil
	case <-q.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// Close stops the writer, drops frames not yet written and calls closeFunc.
// Every call returns the result of that first closeFunc call.
func (q *SendQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		q.closeErr = q.closeFunc()
	})

	q.wg.Wait()
	return q.closeErr
}

// Done is closed once Close has been called.
func (q *SendQueue) Done() <-chan struct{} {
	return q.done
}

func (q *SendQueue) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			return
		case frame := <-q.send:
			if err := q.write(frame, time.Now().Add(q.opts.WriteTimeout)); err != nil {
				select {
				case <-q.done:
				default:
					q.opts.Logger.Warn("write failed, closing connection", logger.Field{Key: "error", Value: err})
				}

				// Close waits for this goroutine, so it cannot run here.
				go func() { _ = q.Close() }()
				return
			}
		}
	}
}
