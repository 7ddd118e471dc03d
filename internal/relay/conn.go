package relay

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// sendQueueSize bounds the outbound frames buffered per connection before a
// receiver that has fallen behind starts losing frames instead of stalling
// the goroutines trying to reach it.
const sendQueueSize = 64

// closeGrace bounds how long a closing connection waits for the peer's half
// of the closing handshake.
const closeGrace = time.Second

// ErrSendQueueFull is returned by Write when the connection's outbound queue
// is saturated. The frame is dropped; the receiver is too far behind.
var ErrSendQueueFull = errors.New("relay: send queue full")

type frame struct {
	op   ws.OpCode
	data []byte
}

// Connection is one participant's live attachment to a session: the
// underlying transport plus the identities captured at join time. All
// transport writes go through a single writer goroutine fed by a bounded
// queue, so a stalled receiver holds up only its own writer, never the
// goroutine fanning a message out.
type Connection struct {
	ID        string    // connection id (UUID), for registry identity and logs
	UserID    string    // owning participant
	PartnerID string    // partner captured at join time
	SessionID string    // canonical session this connection belongs to
	Conn      net.Conn  // underlying transport
	CreatedAt time.Time // when the connection joined

	// WriteTimeout bounds each transport write so a dead peer cannot pin
	// the writer goroutine. Zero disables the deadline.
	WriteTimeout time.Duration

	outbound   chan frame
	stop       chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once
	closed     int32
}

// start launches the writer goroutine that drains the outbound queue. Must
// be called before any Write.
func (c *Connection) start() {
	c.outbound = make(chan frame, sendQueueSize)
	c.stop = make(chan struct{})
	c.writerDone = make(chan struct{})
	go c.writeLoop()
}

// writeLoop owns every transport write for the connection, preserving frame
// order per receiver. It exits after a close frame has been flushed, after a
// transport error, or once the connection is closed and the queue drained.
func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case f := <-c.outbound:
			if !c.deliver(f) {
				return
			}
		case <-c.stop:
			// Flush whatever is already queued, then exit.
			for {
				select {
				case f := <-c.outbound:
					if !c.deliver(f) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// deliver performs one transport write and reports whether the writer should
// keep running. A transport error closes the connection so the read loop
// unblocks and the lifecycle unwinds.
func (c *Connection) deliver(f frame) bool {
	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	err := wsutil.WriteServerMessage(c.Conn, f.op, f.data)
	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		log.Printf("relay: write conn=%s failed: %v", c.ID, err)
		c.Close()
		return false
	}
	return f.op != ws.OpClose
}

// Write queues one frame for delivery by the connection's writer. It never
// blocks: when the queue is full the frame is dropped and ErrSendQueueFull
// returned so callers can treat this receiver as stalled.
func (c *Connection) Write(op ws.OpCode, data []byte) error {
	if !c.Open() {
		return net.ErrClosed
	}
	select {
	case c.outbound <- frame{op: op, data: data}:
		return nil
	case <-c.stop:
		return net.ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// WriteText queues a WebSocket text frame for this connection.
func (c *Connection) WriteText(data []byte) error {
	return c.Write(ws.OpText, data)
}

// writeWait queues a frame, waiting for queue space to free up. Only the
// connection's own goroutine may use it, where blocking stalls nobody else;
// replay uses it so long histories survive a full queue.
func (c *Connection) writeWait(op ws.OpCode, data []byte) error {
	if !c.Open() {
		return net.ErrClosed
	}
	select {
	case c.outbound <- frame{op: op, data: data}:
		return nil
	case <-c.stop:
		return net.ErrClosed
	case <-c.writerDone:
		return net.ErrClosed
	}
}

// WriteClose queues a close frame carrying the given status code and reason,
// then waits for the writer to flush it behind any frames already queued.
func (c *Connection) WriteClose(code ws.StatusCode, reason string) error {
	if err := c.Write(ws.OpClose, ws.NewCloseFrameBody(code, reason)); err != nil {
		return err
	}
	select {
	case <-c.writerDone:
		return nil
	case <-time.After(closeGrace):
		return errors.New("relay: close frame not flushed")
	}
}

// Close closes the underlying transport and stops the writer once its queue
// is drained. Safe to call more than once.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.stopOnce.Do(func() {
		if c.stop != nil {
			close(c.stop)
		}
	})
	return c.Conn.Close()
}

// Open reports whether Close has not yet been called on this connection.
func (c *Connection) Open() bool {
	return atomic.LoadInt32(&c.closed) == 0
}
