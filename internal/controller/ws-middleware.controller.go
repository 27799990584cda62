package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/metrics"
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/pkg/ctxlogger"
	"github.com/sharetube/lockstep/pkg/wsrouter"
)

var errRateLimited = errors.New("rate limited")

func (c controller) wsRequestIdWSMw() wsrouter.Middleware {
	return func(next wsrouter.HandlerFunc[any]) wsrouter.HandlerFunc[any] {
		return func(ctx context.Context, conn *websocket.Conn, payload any) error {
			ctx = ctxlogger.AppendCtx(ctx, slog.String("ws_request_id", c.generateTimeBasedId()))
			return next(ctx, conn, payload)
		}
	}
}

func (c controller) loggerWSMw() wsrouter.Middleware {
	return func(next wsrouter.HandlerFunc[any]) wsrouter.HandlerFunc[any] {
		return func(ctx context.Context, conn *websocket.Conn, payload any) error {
			messageType := wsrouter.GetMessageTypeFromCtx(ctx)
			metrics.MessagesReceived.WithLabelValues(messageType).Inc()

			ctx = ctxlogger.AppendCtx(ctx, slog.String("message_type", messageType))
			c.logger.DebugContext(ctx, "websocket message received", "payload", payload)

			start := time.Now()
			err := next(ctx, conn, payload)

			c.logger.DebugContext(ctx, "websocket message handled",
				"processing_time_us", time.Since(start).Microseconds(),
			)

			return err
		}
	}
}

func (c controller) rateLimitWSMw() wsrouter.Middleware {
	return func(next wsrouter.HandlerFunc[any]) wsrouter.HandlerFunc[any] {
		return func(ctx context.Context, conn *websocket.Conn, payload any) error {
			if limiter := c.getLimiterFromCtx(ctx); limiter != nil && !limiter.Allow() {
				metrics.MessagesDropped.WithLabelValues("rate_limited").Inc()
				return errRateLimited
			}
			return next(ctx, conn, payload)
		}
	}
}

func (c controller) validateWSMw() wsrouter.Middleware {
	return func(next wsrouter.HandlerFunc[any]) wsrouter.HandlerFunc[any] {
		return func(ctx context.Context, conn *websocket.Conn, payload any) error {
			if err := protocol.Validate(payload); err != nil {
				return err
			}
			return next(ctx, conn, payload)
		}
	}
}

// handleWSError drops the offending message and keeps the connection open.
func (c controller) handleWSError(ctx context.Context, _ *websocket.Conn, err error) {
	switch {
	case errors.Is(err, errRateLimited):
		c.logger.DebugContext(ctx, "dropped rate limited message")
	case errors.Is(err, wsrouter.ErrInvalidPayload),
		errors.Is(err, wsrouter.ErrUnknownMessageType),
		errors.Is(err, protocol.ErrInvalidMessage):
		metrics.MessagesDropped.WithLabelValues("invalid").Inc()
		c.logger.InfoContext(ctx, "dropped invalid message", "error", err)
	default:
		c.logger.WarnContext(ctx, "failed to handle message", "error", err)
	}
}
