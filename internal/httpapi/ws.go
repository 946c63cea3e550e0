package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"evcentral/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type statusFrame struct {
	CPs      []models.ChargingPoint `json:"cps"`
	Sessions []models.Session       `json:"sessions"`
	TS       int64                  `json:"ts"`
}

// StatusFeed pushes a full state snapshot every second, the dashboard's
// refresh source.
func (s *Server) StatusFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads only exist to notice the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(s.wsPeriod)
	defer ticker.Stop()
	for {
		if err := conn.WriteJSON(statusFrame{
			CPs:      s.orch.CPs().Snapshot(),
			Sessions: s.orch.Sessions().Snapshot(),
			TS:       time.Now().UnixMilli(),
		}); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
