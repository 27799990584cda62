package inmemory

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/repository/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndLookup(t *testing.T) {
	r := NewRepo(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	conn := &websocket.Conn{}

	require.NoError(t, r.Add(ctx, conn, "room", "alice"))
	assert.ErrorIs(t, r.Add(ctx, conn, "room", "bob"), connection.ErrAlreadyExists)
	assert.ErrorIs(t, r.Add(ctx, &websocket.Conn{}, "room", "alice"), connection.ErrAlreadyExists)
	// Same member id in another room is a different member.
	require.NoError(t, r.Add(ctx, &websocket.Conn{}, "other", "alice"))

	roomId, memberId, err := r.GetMember(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "room", roomId)
	assert.Equal(t, "alice", memberId)

	got, err := r.GetConn(ctx, "room", "alice")
	require.NoError(t, err)
	assert.Same(t, conn, got)
	assert.Equal(t, 2, r.Count())

	require.NoError(t, r.RemoveByConn(ctx, conn))
	assert.ErrorIs(t, r.RemoveByConn(ctx, conn), connection.ErrNotFound)
	_, err = r.GetConn(ctx, "room", "alice")
	assert.ErrorIs(t, err, connection.ErrNotFound)
}
