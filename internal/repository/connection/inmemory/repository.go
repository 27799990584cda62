package inmemory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/repository/connection"
)

type member struct {
	roomId   string
	memberId string
}

func key(roomId, memberId string) member {
	return member{roomId: roomId, memberId: memberId}
}

// repo maps open websocket connections to the room member they belong to.
type repo struct {
	connList map[*websocket.Conn]member
	idList   map[member]*websocket.Conn
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewRepo(logger *slog.Logger) *repo {
	return &repo{
		connList: make(map[*websocket.Conn]member),
		idList:   make(map[member]*websocket.Conn),
		logger:   logger,
	}
}

func (r *repo) Add(ctx context.Context, conn *websocket.Conn, roomId, memberId string) error {
	r.logger.DebugContext(ctx, "called", "room_id", roomId, "member_id", memberId)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connList[conn]; ok {
		r.logger.DebugContext(ctx, "returned", "error", connection.ErrAlreadyExists)
		return connection.ErrAlreadyExists
	}
	if _, ok := r.idList[key(roomId, memberId)]; ok {
		r.logger.DebugContext(ctx, "returned", "error", connection.ErrAlreadyExists)
		return connection.ErrAlreadyExists
	}

	r.connList[conn] = key(roomId, memberId)
	r.idList[key(roomId, memberId)] = conn

	return nil
}

// RemoveByConn forgets conn. The connection itself is left open.
func (r *repo) RemoveByConn(ctx context.Context, conn *websocket.Conn) error {
	r.logger.DebugContext(ctx, "called")
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.connList[conn]
	if !ok {
		r.logger.DebugContext(ctx, "returned", "error", connection.ErrNotFound)
		return connection.ErrNotFound
	}

	delete(r.connList, conn)
	delete(r.idList, m)

	return nil
}

func (r *repo) GetMember(ctx context.Context, conn *websocket.Conn) (string, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.connList[conn]
	if !ok {
		r.logger.DebugContext(ctx, "returned", "error", connection.ErrNotFound)
		return "", "", connection.ErrNotFound
	}

	return m.roomId, m.memberId, nil
}

func (r *repo) GetConn(ctx context.Context, roomId, memberId string) (*websocket.Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.idList[key(roomId, memberId)]
	if !ok {
		r.logger.DebugContext(ctx, "returned", "error", connection.ErrNotFound)
		return nil, connection.ErrNotFound
	}

	return conn, nil
}

func (r *repo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connList)
}
