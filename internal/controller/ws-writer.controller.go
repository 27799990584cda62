package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/protocol"
)

var errConnClosed = errors.New("connection closed")

// connWriters serializes writes per connection; gorilla connections allow a
// single concurrent writer. Only registered connections can be written to.
type connWriters struct {
	mu sync.Mutex
	m  map[*websocket.Conn]*sync.Mutex
}

func newConnWriters() *connWriters {
	return &connWriters{m: make(map[*websocket.Conn]*sync.Mutex)}
}

func (w *connWriters) add(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.m[conn]; !ok {
		w.m[conn] = &sync.Mutex{}
	}
}

func (w *connWriters) get(conn *websocket.Conn) (*sync.Mutex, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	mu, ok := w.m[conn]
	return mu, ok
}

func (w *connWriters) remove(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.m, conn)
}

func (c controller) writeRaw(conn *websocket.Conn, messageType int, data []byte) error {
	mu, ok := c.writers.get(conn)
	if !ok {
		return errConnClosed
	}
	mu.Lock()
	defer mu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}

	return conn.WriteMessage(messageType, data)
}

func (c controller) writeToConn(ctx context.Context, conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	if err := c.writeRaw(conn, websocket.TextMessage, data); err != nil {
		c.logger.InfoContext(ctx, "failed to write to conn", "type", msg.Type(), "error", err)
		return fmt.Errorf("failed to write %s: %w", msg.Type(), err)
	}

	return nil
}

// broadcast writes msg to every conn. A failing connection does not stop the
// others; its reader notices and leaves the room.
func (c controller) broadcast(ctx context.Context, conns []*websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	for _, conn := range conns {
		if err := c.writeRaw(conn, websocket.TextMessage, data); err != nil {
			c.logger.InfoContext(ctx, "failed to write to conn", "type", msg.Type(), "error", err)
		}
	}

	return nil
}

func (c controller) writeError(ctx context.Context, conn *websocket.Conn, code, message string) {
	if err := c.writeToConn(ctx, conn, protocol.Error{Code: code, Message: message}); err != nil {
		c.logger.DebugContext(ctx, "failed to write error", "error", err)
	}
}

func (c controller) closeConn(conn *websocket.Conn, code int, text string) {
	c.writeRaw(conn, websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	c.writers.remove(conn)
	conn.Close()
}
