package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/camwatch/zonewatch/internal/cameras"
	"github.com/camwatch/zonewatch/internal/logger"
	"github.com/camwatch/zonewatch/internal/metrics"
	"github.com/camwatch/zonewatch/internal/session"
	"github.com/camwatch/zonewatch/internal/stats"
	"github.com/camwatch/zonewatch/internal/zones"
)

// Server exposes the streaming and analytics endpoints over HTTP.
type Server struct {
	store    *cameras.Store
	registry *session.Registry
	metrics  *metrics.Metrics
	dataDir  string
}

// New returns a configured server.
func New(store *cameras.Store, registry *session.Registry, m *metrics.Metrics, dataDir string) *Server {
	return &Server{
		store:    store,
		registry: registry,
		metrics:  m,
		dataDir:  dataDir,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /stream/{cameraID}", s.handleStream)
	mux.HandleFunc("GET /api/stats/{cameraID}", s.handleStats)
	mux.HandleFunc("GET /api/zones/{cameraID}", s.handleZonesGet)
	mux.HandleFunc("POST /api/zones/{cameraID}", s.handleZonesPost)
	mux.HandleFunc("GET /api/events/{cameraID}", s.handleEvents)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return mux
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.GetOrCreate(r.PathValue("cameraID"))
	if err != nil {
		s.sessionError(w, err)
		return
	}

	id, frameCh, err := sess.Subscribe()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}
	defer sess.Unsubscribe(id)

	streamMJPEG(r.Context(), w, sess, frameCh)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("cameraID")
	if _, err := s.store.Get(cameraID); err != nil {
		s.sessionError(w, err)
		return
	}

	// A live session answers from memory; otherwise serve the last
	// flushed snapshot without spinning up an ingest connection.
	if sess, ok := s.registry.Get(cameraID); ok {
		writeJSON(w, sess.Stats().Snapshot())
		return
	}
	snap, err := stats.ReadSnapshot(session.StatsFilePath(s.dataDir, cameraID))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleZonesGet(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("cameraID")
	if _, err := s.store.Get(cameraID); err != nil {
		s.sessionError(w, err)
		return
	}

	zs, err := zones.Load(session.ZonesFilePath(s.dataDir, cameraID))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, zones.File{Zones: zs})
}

func (s *Server) handleZonesPost(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("cameraID")
	if _, err := s.store.Get(cameraID); err != nil {
		s.sessionError(w, err)
		return
	}

	var f zones.File
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid zone data"}, http.StatusBadRequest)
		return
	}

	path := session.ZonesFilePath(s.dataDir, cameraID)
	if err := zones.Save(path, f.Zones); err != nil {
		var cfgErr *zones.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
			return
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	// A running loop picks up the new drawing before its next frame.
	if sess, ok := s.registry.Get(cameraID); ok {
		sess.MarkZonesStale()
	}

	logger.Info("Server", "camera %s: saved %d zones", cameraID, len(f.Zones))
	writeJSON(w, map[string]any{"status": "ok", "zones": len(f.Zones)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.List()
	sessions := lo.FilterMap(ids, func(id string, _ int) (map[string]any, bool) {
		sess, ok := s.registry.Get(id)
		if !ok {
			return nil, false
		}
		_, hasFrame := sess.LatestFrame()
		return map[string]any{
			"camera_id":    sess.CameraID,
			"ingest_state": sess.IngestState().String(),
			"viewers":      sess.ViewerCount(),
			"has_frame":    hasFrame,
		}, true
	})

	writeJSON(w, map[string]any{
		"sessions":  sessions,
		"cameras":   s.store.List(),
		"timestamp": float64(time.Now().Unix()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, cameras.ErrNotFound) {
		writeJSONWithStatus(w, map[string]any{"error": "camera not found"}, http.StatusNotFound)
		return
	}
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debug("Server", "write response: %v", err)
	}
}
