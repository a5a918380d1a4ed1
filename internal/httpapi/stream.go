package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleActivityStream upgrades to a WebSocket and pushes each recorded
// activity as a JSON message. The recent backlog is sent first so a client
// reconnecting after a gap sees what it missed.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()
	updates, cancel := s.engine.SubscribeActivities(128)
	defer cancel()

	for _, activity := range reverseActivities(s.engine.Recent(25)) {
		if err := writeActivity(ctx, conn, activity); err != nil {
			return
		}
	}

	pings := time.NewTicker(30 * time.Second)
	defer pings.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-pings.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case activity, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeActivity(ctx, conn, activity); err != nil {
				return
			}
		}
	}
}

func writeActivity(ctx context.Context, conn *websocket.Conn, activity any) error {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, activity)
}

// reverseActivities flips newest-first history into replay order.
func reverseActivities[T any](items []T) []T {
	out := make([]T, len(items))
	for i, item := range items {
		out[len(items)-1-i] = item
	}
	return out
}
