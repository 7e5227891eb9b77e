package queuemgr

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cobalt-rm/cobalt/pkg/log"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// Event is one job-state change pushed to subscribers. cqwait holds a
// websocket open against this stream instead of polling get_jobs.
type Event struct {
	JobID      int            `json:"jobid"`
	State      types.JobState `json:"state"`
	ExitStatus *int           `json:"exit_status,omitempty"`
}

// EventHub fans job-state events out to websocket subscribers. Slow
// subscribers are dropped rather than allowed to block the publisher,
// since every publish happens on QM's critical path.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEventHub returns an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every live subscriber without blocking.
func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Subscribe returns a buffered event channel and a cancel function.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscribers authenticate with the same bearer token as RPC calls;
	// origin checking adds nothing for a non-browser client set.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request to a websocket and streams events until
// the client goes away.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := log.WithComponent("qm")
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := h.Subscribe()
	defer cancel()

	// Drain (and discard) client frames so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
