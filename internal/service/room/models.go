package room

import (
	"slices"
	"strings"
	"time"

	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/sequencer"
)

type member struct {
	id       string
	username string
	// joinedAt is kept across reconnects so that a returning participant
	// regains its place in host order.
	joinedAt        int64
	present         bool
	lastOutOfSyncAt time.Time
}

type liveRoom struct {
	id           string
	hostId       string
	members      map[string]*member
	currentUrl   string
	currentTitle string
	platform     string
	syncProfile  string
	refTime      float64
	refUpdatedAt int64
	isPlaying    bool
	createdAt    time.Time
	lastActivity time.Time
	// emptySince is zero while anybody is connected.
	emptySince time.Time
	seq        *sequencer.Store
	history    *history
}

func newLiveRoom(id string, now time.Time, historySize int) *liveRoom {
	return &liveRoom{
		id:           id,
		members:      make(map[string]*member),
		createdAt:    now,
		lastActivity: now,
		emptySince:   now,
		seq:          sequencer.New(),
		history:      newHistory(historySize),
	}
}

func (r *liveRoom) present() []*member {
	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		if m.present {
			out = append(out, m)
		}
	}

	slices.SortFunc(out, func(a, b *member) int {
		if a.joinedAt != b.joinedAt {
			if a.joinedAt < b.joinedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(a.id, b.id)
	})

	return out
}

// electHost recomputes hostId as the present member with the earliest join
// time, ties broken by id. It reports whether the host changed.
func (r *liveRoom) electHost() bool {
	prev := r.hostId

	present := r.present()
	if len(present) == 0 {
		r.hostId = ""
	} else {
		r.hostId = present[0].id
	}

	return prev != r.hostId
}

func (r *liveRoom) view() protocol.Room {
	present := r.present()
	participants := make([]protocol.Participant, 0, len(present))
	for _, m := range present {
		role := protocol.RoleViewer
		if m.id == r.hostId {
			role = protocol.RoleHost
		}
		participants = append(participants, protocol.Participant{
			Id:       m.id,
			Username: m.username,
			Role:     role,
			JoinedAt: m.joinedAt,
		})
	}

	return protocol.Room{
		Id:                   r.id,
		HostId:               r.hostId,
		Participants:         participants,
		CurrentUrl:           r.currentUrl,
		CurrentPlatform:      r.platform,
		SyncProfile:          r.syncProfile,
		ReferenceTimeSeconds: r.refTime,
		ReferenceUpdatedAt:   r.refUpdatedAt,
		IsPlaying:            r.isPlaying,
		LastActivity:         r.lastActivity.UnixMilli(),
	}
}

// history is a bounded ring of chat and system messages replayed to joiners.
type history struct {
	items []protocol.ChatMessage
	next  int
	full  bool
}

func newHistory(size int) *history {
	return &history{items: make([]protocol.ChatMessage, size)}
}

func (h *history) add(msg protocol.ChatMessage) {
	h.items[h.next] = msg
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) list() []protocol.ChatMessage {
	if !h.full {
		return slices.Clone(h.items[:h.next])
	}

	out := make([]protocol.ChatMessage, 0, len(h.items))
	out = append(out, h.items[h.next:]...)
	out = append(out, h.items[:h.next]...)
	return out
}
