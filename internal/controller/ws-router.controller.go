package controller

import (
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/pkg/wsrouter"
)

func (c controller) getWSRouter() *wsrouter.WSRouter {
	r := wsrouter.New()

	r.Use(
		c.wsRequestIdWSMw(),
		c.loggerWSMw(),
		c.rateLimitWSMw(),
		c.validateWSMw(),
	)
	r.OnError(c.handleWSError)

	wsrouter.Handle(r, protocol.TypeRoomJoin, c.handleRoomJoin)
	wsrouter.Handle(r, protocol.TypeRoomUpdateUrl, c.handleUpdateUrl)
	wsrouter.Handle(r, protocol.TypeHostSnapshot, c.handleHostSnapshot)
	wsrouter.Handle(r, protocol.TypeForceSnapshot, c.handleForceSnapshot)
	wsrouter.Handle(r, protocol.TypeNavigate, c.handleNavigate)
	wsrouter.Handle(r, protocol.TypePlayIntent, c.handlePlayIntent)
	wsrouter.Handle(r, protocol.TypePauseIntent, c.handlePauseIntent)
	wsrouter.Handle(r, protocol.TypeSetReferenceTime, c.handleSetReferenceTime)
	wsrouter.Handle(r, protocol.TypeViewerStatus, c.handleViewerStatus)
	wsrouter.Handle(r, protocol.TypeViewerRequestSync, c.handleViewerRequestSync)
	wsrouter.Handle(r, protocol.TypeChatSend, c.handleChatSend)

	return r
}
