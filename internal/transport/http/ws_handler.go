package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"nadfeud/internal/auth"
	"nadfeud/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type snapshotPayload struct {
	Live *domain.Question `json:"live"`
}

// ServeEvents upgrades to a websocket and streams lifecycle events.
// The first message is a snapshot holding the live question, if any. Client messages are ignored.
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFrom(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	updates, cancel := h.hub.Subscribe()
	defer cancel()

	snapshot := snapshotPayload{}
	live, err := h.lifecycle.LiveQuestion(r.Context())
	switch {
	case err == nil:
		snapshot.Live = &live
	case !errors.Is(err, domain.ErrQuestionNotFound):
		h.log.WithError(err).Warn("ws snapshot failed")
	}
	if err := h.write(conn, outboundMessage[snapshotPayload]{Type: "snapshot", Payload: snapshot}); err != nil {
		return
	}

	// the reader only drains control frames and notices disconnects
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if ev.Type == domain.EventQuestionCreated && !session.IsAdmin {
				continue
			}
			if err := h.write(conn, outboundMessage[domain.Event]{Type: string(ev.Type), Payload: ev}); err != nil {
				h.log.WithError(err).Debug("ws write error")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
