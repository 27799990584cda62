package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/service/room"
	"github.com/sharetube/lockstep/pkg/ctxlogger"
	"golang.org/x/time/rate"
)

const (
	closeRoomNotFound = 4004
	closeReplaced     = 4001
)

// serveWs upgrades the request and runs one participant session. The first
// frame must be room.join.
func (c controller) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(r.Context(), "failed to upgrade to websocket", "error", err)
		return
	}
	c.writers.add(conn)

	ctx := context.WithoutCancel(r.Context())

	join, err := c.readJoin(conn)
	if err != nil {
		c.logger.InfoContext(ctx, "invalid join", "error", err)
		c.writeError(ctx, conn, protocol.ErrorCodeInvalidMessage, "first message must be room.join")
		c.closeConn(conn, websocket.ClosePolicyViolation, "join required")
		return
	}

	joinRoomResp, err := c.roomService.JoinRoom(ctx, &room.JoinRoomParams{
		Conn:          conn,
		RoomId:        join.RoomId,
		ParticipantId: join.ParticipantId,
		Username:      join.Username,
	})
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			c.writeError(ctx, conn, protocol.ErrorCodeRoomNotFound, "room not found")
			c.closeConn(conn, closeRoomNotFound, "room not found")
			return
		}
		c.logger.WarnContext(ctx, "failed to join room", "error", err)
		c.writeError(ctx, conn, protocol.ErrorCodeInternal, "failed to join room")
		c.closeConn(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	if joinRoomResp.Replaced != nil {
		c.closeConn(joinRoomResp.Replaced, closeReplaced, "replaced by a newer connection")
	}

	ctx = context.WithValue(ctx, roomIdCtxKey, join.RoomId)
	ctx = context.WithValue(ctx, memberIdCtxKey, joinRoomResp.Self.Id)
	ctx = context.WithValue(ctx, limiterCtxKey, rate.NewLimiter(c.cfg.WsRateLimit, c.cfg.WsRateBurst))
	ctx = ctxlogger.AppendCtx(ctx, slog.String("room_id", join.RoomId))
	ctx = ctxlogger.AppendCtx(ctx, slog.String("member_id", joinRoomResp.Self.Id))

	defer c.leave(ctx, conn)

	if err := c.sendJoined(ctx, conn, joinRoomResp); err != nil {
		c.logger.InfoContext(ctx, "failed to send room state", "error", err)
		return
	}

	if err := c.wsmux.ServeConn(ctx, conn); err != nil {
		c.logger.InfoContext(ctx, "connection closed", "error", err)
	}
}

func (c controller) readJoin(conn *websocket.Conn) (protocol.RoomJoin, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.JoinTimeout)); err != nil {
		return protocol.RoomJoin{}, err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.RoomJoin{}, fmt.Errorf("failed to read join: %w", err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return protocol.RoomJoin{}, err
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		return protocol.RoomJoin{}, err
	}

	join, ok := msg.(protocol.RoomJoin)
	if !ok {
		return protocol.RoomJoin{}, fmt.Errorf("%w: expected %s, got %s", protocol.ErrInvalidMessage, protocol.TypeRoomJoin, msg.Type())
	}

	return join, nil
}

// sendJoined gives the joiner its state and history, then tells the others.
func (c controller) sendJoined(ctx context.Context, conn *websocket.Conn, resp room.JoinRoomResponse) error {
	if err := c.writeToConn(ctx, conn, protocol.RoomState{Room: resp.Room, SelfId: resp.Self.Id}); err != nil {
		return err
	}

	for _, msg := range resp.History {
		if err := c.writeToConn(ctx, conn, msg); err != nil {
			return err
		}
	}

	others := make([]*websocket.Conn, 0, len(resp.Conns))
	for _, other := range resp.Conns {
		if other != conn {
			others = append(others, other)
		}
	}

	if err := c.broadcast(ctx, others, protocol.RoomState{Room: resp.Room}); err != nil {
		return err
	}

	if resp.Event != nil {
		return c.broadcast(ctx, resp.Conns, *resp.Event)
	}

	return nil
}

func (c controller) leave(ctx context.Context, conn *websocket.Conn) {
	leaveRoomResp, err := c.roomService.LeaveRoom(ctx, &room.LeaveRoomParams{Conn: conn})

	c.writers.remove(conn)
	conn.Close()

	if err != nil {
		if !errors.Is(err, room.ErrMemberNotFound) {
			c.logger.InfoContext(ctx, "failed to leave room", "error", err)
		}
		return
	}

	if leaveRoomResp.Event != nil {
		c.broadcast(ctx, leaveRoomResp.Conns, *leaveRoomResp.Event)
	}
	c.broadcast(ctx, leaveRoomResp.Conns, protocol.RoomState{Room: leaveRoomResp.Room})
}
