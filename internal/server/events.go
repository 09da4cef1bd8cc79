package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camwatch/zonewatch/internal/logger"
	"github.com/camwatch/zonewatch/internal/stats"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Viewers embed the stream from anywhere; same policy as the MJPEG
	// endpoint, which has no origin check either.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	eventWriteTimeout  = 10 * time.Second
	eventPingInterval  = 30 * time.Second
	eventPongWait      = 60 * time.Second
	maxEventMessageLen = 512
)

// Event is one per-frame analytics update pushed to websocket clients.
type Event struct {
	CameraID    string         `json:"camera_id"`
	Seq         uint64         `json:"seq"`
	Timestamp   int64          `json:"timestamp"`
	IngestState string         `json:"ingest_state"`
	Stats       stats.Snapshot `json:"stats"`
}

// handleEvents upgrades to a websocket and pushes one event per published
// frame. Slow clients see gaps, never a stalled session loop.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("cameraID")
	sess, err := s.registry.GetOrCreate(cameraID)
	if err != nil {
		s.sessionError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Events", "camera %s: upgrade: %v", cameraID, err)
		return
	}
	defer conn.Close()

	id, frameCh, err := sess.Subscribe()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
			time.Now().Add(eventWriteTimeout))
		return
	}
	defer sess.Unsubscribe(id)

	// Read pump: clients send nothing meaningful, but reading is how we
	// notice a close and how pongs refresh the deadline.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxEventMessageLen)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case frame, ok := <-frameCh:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(eventWriteTimeout))
				return
			}
			ev := Event{
				CameraID:    cameraID,
				Seq:         frame.Seq,
				Timestamp:   frame.Timestamp.Unix(),
				IngestState: sess.IngestState().String(),
				Stats:       sess.Stats().Snapshot(),
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("Events", "camera %s: client gone: %v", cameraID, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
