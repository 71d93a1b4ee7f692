package evloop

import (
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// readBufSize is the per-read ceiling. One read per readiness event keeps
// a single busy peer from starving other channels.
const readBufSize = 32 * 1024

// ConnHandler receives the stream events of a Conn.
//
// All methods are invoked on the loop goroutine.
type ConnHandler interface {
	// ProcessIncoming is called with each chunk of bytes read from the
	// socket. The slice is only valid for the duration of the call.
	ProcessIncoming(p []byte)

	// ProcessOutgoing is called when the pending-write queue has fully
	// drained, so the handler can produce more output or close.
	ProcessOutgoing()

	// OnClose is called exactly once when the connection is fully closed.
	// err is nil for a graceful close (local close or peer EOF).
	OnClose(err error)
}

// Conn is a buffered, non-blocking stream channel.
//
// Send never blocks: output is queued in ordered chunks and flushed by
// HandleWrite as the socket accepts it. Partial writes retain the unsent
// tail, so no byte is dropped or duplicated. A Conn belongs to exactly
// one Loop and is never reused after closing.
type Conn struct {
	loop    *Loop
	fd      int
	handler ConnHandler

	// pending holds []byte chunks awaiting transmission. head is the
	// offset already written into the front chunk.
	pending *queue.Queue
	head    int
	queued  int

	readPaused bool
	readLimit  int // max bytes per read, 0 = readBufSize

	closing bool // flush remaining output, then close
	closed  bool

	lastActivity time.Time

	readBuf []byte
}

// NewConn wraps an already-connected non-blocking descriptor. The caller
// must Register the Conn with the loop afterwards.
func NewConn(loop *Loop, fd int, handler ConnHandler) *Conn {
	return &Conn{
		loop:         loop,
		fd:           fd,
		handler:      handler,
		pending:      queue.New(),
		lastActivity: time.Now(),
		readBuf:      make([]byte, readBufSize),
	}
}

func (c *Conn) Fd() int { return c.fd }

// Loop returns the loop this Conn was created for.
func (c *Conn) Loop() *Loop { return c.loop }

// LastActivity returns the time of the most recent successful read or
// write on the socket.
func (c *Conn) LastActivity() time.Time { return c.lastActivity }

// Buffered returns the number of bytes queued but not yet written.
func (c *Conn) Buffered() int { return c.queued }

// Closed reports whether the descriptor has been released.
func (c *Conn) Closed() bool { return c.closed }

// WantsRead reports read interest: reading is wanted unless the
// connection is closed, draining towards close, or explicitly paused.
func (c *Conn) WantsRead() bool {
	return !c.closed && !c.closing && !c.readPaused
}

// WantsWrite reports write interest: only while output is pending.
func (c *Conn) WantsWrite() bool {
	return !c.closed && c.queued > 0
}

// Send queues p for transmission. The bytes are copied. Sending on a
// closed or draining connection is a no-op.
func (c *Conn) Send(p []byte) {
	if c.closed || c.closing || len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	c.pending.Add(chunk)
	c.queued += len(p)
	c.loop.UpdateInterest(c)
}

// PauseRead stops delivering ProcessIncoming until ResumeRead. Used by
// throttled receive paths instead of busy-polling a readable socket.
func (c *Conn) PauseRead() {
	if c.readPaused {
		return
	}
	c.readPaused = true
	c.loop.UpdateInterest(c)
}

// ResumeRead undoes PauseRead.
func (c *Conn) ResumeRead() {
	if !c.readPaused {
		return
	}
	c.readPaused = false
	c.loop.UpdateInterest(c)
}

// SetReadLimit caps the bytes consumed per readable event. Zero restores
// the default.
func (c *Conn) SetReadLimit(n int) {
	if n < 0 {
		n = 0
	}
	c.readLimit = n
}

// HandleRead reads once from the socket and hands the bytes to the
// handler. A zero-byte read is peer half-close and shuts the connection
// down gracefully.
func (c *Conn) HandleRead() {
	if c.closed {
		return
	}

	buf := c.readBuf
	if c.readLimit > 0 && c.readLimit < len(buf) {
		buf = buf[:c.readLimit]
	}

	n, err := unix.Read(c.fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return
	case err != nil:
		c.teardown(err)
		return
	case n == 0:
		// Peer closed its end. Not an error.
		c.teardown(nil)
		return
	}

	c.lastActivity = time.Now()
	c.handler.ProcessIncoming(buf[:n])
}

// HandleWrite flushes as much pending output as the socket accepts.
func (c *Conn) HandleWrite() {
	if c.closed {
		return
	}

	for c.pending.Length() > 0 {
		chunk := c.pending.Peek().([]byte)
		n, err := unix.Write(c.fd, chunk[c.head:])
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		if err != nil {
			c.teardown(err)
			return
		}
		c.lastActivity = time.Now()
		c.queued -= n
		c.head += n
		if c.head < len(chunk) {
			// Partial write; the tail goes out on the next event.
			return
		}
		c.pending.Remove()
		c.head = 0
	}

	if c.closing {
		c.teardown(nil)
		return
	}

	c.loop.UpdateInterest(c)
	c.handler.ProcessOutgoing()
}

// HandleError force-closes the connection.
func (c *Conn) HandleError(err error) {
	c.teardown(err)
}

// Close releases the descriptor immediately, discarding any pending
// output. Idempotent.
func (c *Conn) Close() {
	c.teardown(nil)
}

// CloseWhenDone closes the connection once the pending-write queue has
// drained. If nothing is pending it closes immediately. No further reads
// are delivered and later Sends are ignored.
func (c *Conn) CloseWhenDone() {
	if c.closed || c.closing {
		return
	}
	if c.queued == 0 {
		c.teardown(nil)
		return
	}
	c.closing = true
	c.loop.UpdateInterest(c)
}

// teardown is the single close path: unregister, release the fd exactly
// once, notify the handler exactly once.
func (c *Conn) teardown(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.loop.Unregister(c)
	_ = unix.Close(c.fd)
	c.handler.OnClose(err)
}
