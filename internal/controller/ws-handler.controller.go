package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/service/room"
)

// dropOrFail swallows the errors that mean "ignore this message" so that a
// harmless race never tears a connection down.
func (c controller) dropOrFail(ctx context.Context, err error, msg string) error {
	if errors.Is(err, room.ErrPermissionDenied) || errors.Is(err, room.ErrStaleUpdate) {
		c.logger.DebugContext(ctx, "message dropped", "reason", err)
		return nil
	}

	return fmt.Errorf("%s: %w", msg, err)
}

func (c controller) deliverRelay(ctx context.Context, resp room.RelayResponse) error {
	if err := c.broadcast(ctx, resp.ViewerConns, resp.Message); err != nil {
		return fmt.Errorf("failed to broadcast %s: %w", resp.Message.Type(), err)
	}

	for _, ev := range resp.Events {
		if err := c.broadcast(ctx, resp.Conns, ev); err != nil {
			return fmt.Errorf("failed to broadcast system event: %w", err)
		}
	}

	if resp.StateChanged {
		if err := c.broadcast(ctx, resp.Conns, protocol.RoomState{Room: resp.Room}); err != nil {
			return fmt.Errorf("failed to broadcast room state: %w", err)
		}
	}

	return nil
}

func (c controller) handleRoomJoin(ctx context.Context, _ *websocket.Conn, _ protocol.RoomJoin) error {
	c.logger.DebugContext(ctx, "ignored room.join on joined connection")
	return nil
}

func (c controller) handleHostSnapshot(ctx context.Context, _ *websocket.Conn, input protocol.HostSnapshot) error {
	return c.relaySnapshot(ctx, input, false)
}

func (c controller) handleForceSnapshot(ctx context.Context, _ *websocket.Conn, input protocol.ForceSnapshot) error {
	return c.relaySnapshot(ctx, input.HostSnapshot, true)
}

func (c controller) relaySnapshot(ctx context.Context, snap protocol.HostSnapshot, forced bool) error {
	relayResp, err := c.roomService.RelaySnapshot(ctx, &room.RelaySnapshotParams{
		RoomId:   c.getRoomIdFromCtx(ctx),
		SenderId: c.getMemberIdFromCtx(ctx),
		Snapshot: snap,
		Forced:   forced,
	})
	if err != nil {
		return c.dropOrFail(ctx, err, "failed to relay snapshot")
	}

	return c.deliverRelay(ctx, relayResp)
}

func (c controller) handleNavigate(ctx context.Context, _ *websocket.Conn, input protocol.Navigate) error {
	relayResp, err := c.roomService.RelayNavigate(ctx, &room.RelayNavigateParams{
		RoomId:   c.getRoomIdFromCtx(ctx),
		SenderId: c.getMemberIdFromCtx(ctx),
		Navigate: input,
	})
	if err != nil {
		return c.dropOrFail(ctx, err, "failed to relay navigate")
	}

	return c.deliverRelay(ctx, relayResp)
}

func (c controller) handlePlayIntent(ctx context.Context, _ *websocket.Conn, input protocol.PlayIntent) error {
	return c.relayIntent(ctx, input)
}

func (c controller) handlePauseIntent(ctx context.Context, _ *websocket.Conn, input protocol.PauseIntent) error {
	return c.relayIntent(ctx, input)
}

func (c controller) handleSetReferenceTime(ctx context.Context, _ *websocket.Conn, input protocol.SetReferenceTime) error {
	return c.relayIntent(ctx, input)
}

func (c controller) relayIntent(ctx context.Context, intent protocol.Message) error {
	relayResp, err := c.roomService.RelayIntent(ctx, &room.RelayIntentParams{
		RoomId:   c.getRoomIdFromCtx(ctx),
		SenderId: c.getMemberIdFromCtx(ctx),
		Intent:   intent,
	})
	if err != nil {
		return c.dropOrFail(ctx, err, "failed to relay intent")
	}

	return c.deliverRelay(ctx, relayResp)
}

func (c controller) handleUpdateUrl(ctx context.Context, _ *websocket.Conn, input protocol.RoomUpdateUrl) error {
	updateUrlResp, err := c.roomService.UpdateUrl(ctx, &room.UpdateUrlParams{
		RoomId:   c.getRoomIdFromCtx(ctx),
		SenderId: c.getMemberIdFromCtx(ctx),
		Url:      input.Url,
		Title:    input.Title,
		Platform: input.Platform,
	})
	if err != nil {
		return c.dropOrFail(ctx, err, "failed to update url")
	}

	if updateUrlResp.Event != nil {
		if err := c.broadcast(ctx, updateUrlResp.Conns, *updateUrlResp.Event); err != nil {
			return fmt.Errorf("failed to broadcast system event: %w", err)
		}
	}

	if err := c.broadcast(ctx, updateUrlResp.Conns, protocol.RoomState{Room: updateUrlResp.Room}); err != nil {
		return fmt.Errorf("failed to broadcast room state: %w", err)
	}

	return nil
}

func (c controller) handleViewerStatus(ctx context.Context, _ *websocket.Conn, input protocol.ViewerStatus) error {
	statusResp, err := c.roomService.ViewerStatus(ctx, &room.ViewerStatusParams{
		RoomId:   c.getRoomIdFromCtx(ctx),
		SenderId: c.getMemberIdFromCtx(ctx),
		Status:   input,
	})
	if err != nil {
		return fmt.Errorf("failed to handle viewer status: %w", err)
	}

	if statusResp.Event == nil {
		return nil
	}

	if err := c.broadcast(ctx, statusResp.Conns, *statusResp.Event); err != nil {
		return fmt.Errorf("failed to broadcast system event: %w", err)
	}

	return nil
}

func (c controller) handleViewerRequestSync(ctx context.Context, _ *websocket.Conn, input protocol.ViewerRequestSync) error {
	requestSyncResp, err := c.roomService.RequestSync(ctx, &room.RequestSyncParams{
		RoomId:   c.getRoomIdFromCtx(ctx),
		SenderId: c.getMemberIdFromCtx(ctx),
		Reason:   input.Reason,
	})
	if err != nil {
		return fmt.Errorf("failed to request sync: %w", err)
	}

	if requestSyncResp.HostConn == nil {
		return nil
	}

	return c.writeToConn(ctx, requestSyncResp.HostConn, requestSyncResp.Request)
}

func (c controller) handleChatSend(ctx context.Context, _ *websocket.Conn, input protocol.ChatSend) error {
	sendChatResp, err := c.roomService.SendChat(ctx, &room.SendChatParams{
		RoomId:   c.getRoomIdFromCtx(ctx),
		SenderId: c.getMemberIdFromCtx(ctx),
		Text:     input.Text,
	})
	if err != nil {
		return fmt.Errorf("failed to send chat: %w", err)
	}

	if err := c.broadcast(ctx, sendChatResp.Conns, sendChatResp.Message); err != nil {
		return fmt.Errorf("failed to broadcast chat message: %w", err)
	}

	return nil
}
