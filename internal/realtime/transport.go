package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrTransportClosed is returned by Send after the transport closed.
	ErrTransportClosed = errors.New("transport closed")
	// ErrSlowConsumer is returned when the client's send buffer is full.
	// The transport is marked closed and the socket is torn down in the
	// background.
	ErrSlowConsumer = errors.New("client send buffer full")
)

// TransportOptions tunes a websocket transport.
type TransportOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// DefaultTransportOptions returns the production tuning.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		SendBuffer:   64,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// SlowClientRecorder counts clients dropped for a full send buffer.
type SlowClientRecorder interface {
	IncrementSlowClientDrops()
}

// wsTransport owns the write side of a websocket. A single writer goroutine
// drains the send queue, so frames reach the client in the order they were
// queued.
type wsTransport struct {
	conn     *websocket.Conn
	opts     TransportOptions
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	teardown sync.Once
	recorder SlowClientRecorder
}

func newWSTransport(conn *websocket.Conn, opts TransportOptions, recorder SlowClientRecorder) *wsTransport {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultTransportOptions().SendBuffer
	}
	return &wsTransport{
		conn:     conn,
		opts:     opts,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		recorder: recorder,
	}
}

// Send queues frame without blocking. It may run under the registry lock,
// so a full buffer only marks the transport closed; the socket is torn
// down on another goroutine.
func (t *wsTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.send <- frame:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		if t.signal() {
			if t.recorder != nil {
				t.recorder.IncrementSlowClientDrops()
			}
			go func() { _ = t.closeConn() }()
		}
		return ErrSlowConsumer
	}
}

// Close stops the writer and closes the socket, which also ends the
// reader. Safe to call more than once.
func (t *wsTransport) Close() error {
	t.signal()
	return t.closeConn()
}

// signal closes done and reports whether this call did it.
func (t *wsTransport) signal() bool {
	first := false
	t.once.Do(func() {
		close(t.done)
		first = true
	})
	return first
}

// closeConn sends the close frame and closes the socket once. WriteControl
// may run concurrently with a write blocked in writePump; closing the
// socket unblocks that write.
func (t *wsTransport) closeConn() error {
	err := ErrTransportClosed
	t.teardown.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) writePump() {
	var tick <-chan time.Time
	if t.opts.PingInterval > 0 {
		ticker := time.NewTicker(t.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-t.done:
			return
		case frame := <-t.send:
			if err := t.write(websocket.TextMessage, frame); err != nil {
				_ = t.Close()
				return
			}
		case <-tick:
			if err := t.write(websocket.PingMessage, nil); err != nil {
				_ = t.Close()
				return
			}
		}
	}
}

func (t *wsTransport) write(messageType int, data []byte) error {
	if t.opts.WriteTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	}
	return t.conn.WriteMessage(messageType, data)
}
