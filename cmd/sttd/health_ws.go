package main

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleHealthStream upgrades to a websocket connection and pushes a health
// payload every healthPushInterval until the client disconnects, the way a
// dashboard or load balancer can watch status drift without polling.
const healthPushInterval = 2 * time.Second

func (s *healthServer) handleHealthStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	ctx := r.Context()
	ticker := time.NewTicker(healthPushInterval)
	defer ticker.Stop()

	if err := wsjson.Write(ctx, conn, s.buildPayload(s.mon.Snapshot())); err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "failed to write")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, s.buildPayload(s.mon.Snapshot())); err != nil {
				conn.Close(websocket.StatusAbnormalClosure, "failed to write")
				return
			}
		}
	}
}
