package wsrouter

import (
	"context"
	"errors"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingInput struct {
	Value int `json:"value"`
}

func TestDispatch(t *testing.T) {
	r := New()

	var got pingInput
	var seenType string
	var order []string

	r.Use(func(next HandlerFunc[any]) HandlerFunc[any] {
		return func(ctx context.Context, conn *websocket.Conn, payload any) error {
			order = append(order, "outer")
			return next(ctx, conn, payload)
		}
	}, func(next HandlerFunc[any]) HandlerFunc[any] {
		return func(ctx context.Context, conn *websocket.Conn, payload any) error {
			order = append(order, "inner")
			return next(ctx, conn, payload)
		}
	})

	Handle(r, "ping", func(ctx context.Context, _ *websocket.Conn, input pingInput) error {
		got = input
		seenType = GetMessageTypeFromCtx(ctx)
		return nil
	})

	err := r.Dispatch(context.Background(), nil, []byte(`{"type":"ping","payload":{"value":7}}`))
	require.NoError(t, err)
	assert.Equal(t, 7, got.Value)
	assert.Equal(t, "ping", seenType)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestDispatchErrors(t *testing.T) {
	r := New()
	Handle(r, "ping", func(context.Context, *websocket.Conn, pingInput) error { return nil })

	err := r.Dispatch(context.Background(), nil, []byte(`{"type":"nope"}`))
	assert.True(t, errors.Is(err, ErrUnknownMessageType))

	err = r.Dispatch(context.Background(), nil, []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = r.Dispatch(context.Background(), nil, []byte(`{"type":"ping","payload":{"value":"x"}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = r.Dispatch(context.Background(), nil, []byte(`{"type":"ping"}`))
	assert.NoError(t, err)
}
