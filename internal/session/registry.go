package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/camwatch/zonewatch/internal/cameras"
	"github.com/camwatch/zonewatch/internal/detect"
	"github.com/camwatch/zonewatch/internal/ingest"
	"github.com/camwatch/zonewatch/internal/logger"
	"github.com/camwatch/zonewatch/internal/metrics"
	"github.com/camwatch/zonewatch/internal/stats"
	"github.com/camwatch/zonewatch/internal/zones"
)

// Config carries the knobs shared by every session the registry creates.
type Config struct {
	DataDir       string
	Ingest        ingest.Config
	NotReadyDelay time.Duration
	IdleTimeout   time.Duration
	ReapInterval  time.Duration

	// IngestFactory overrides the default source backend, used by tests
	// to feed synthetic frames.
	IngestFactory func(rec cameras.Record) Ingestor
}

// Registry maps camera ids to their live sessions. Creation is
// single-flight per id: concurrent lookups for the same camera share one
// session and one ingest connection.
type Registry struct {
	store    *cameras.Store
	pipeline *detect.Pipeline
	metrics  *metrics.Metrics
	cfg      Config

	newIngestor func(rec cameras.Record) Ingestor

	mu       sync.Mutex
	sessions map[string]*Session
	creating map[string]chan struct{}
}

// NewRegistry builds a registry over the given camera store.
func NewRegistry(store *cameras.Store, pipeline *detect.Pipeline, m *metrics.Metrics, cfg Config) *Registry {
	r := &Registry{
		store:    store,
		pipeline: pipeline,
		metrics:  m,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		creating: make(map[string]chan struct{}),
	}
	r.newIngestor = cfg.IngestFactory
	if r.newIngestor == nil {
		r.newIngestor = func(rec cameras.Record) Ingestor {
			return ingest.New(rec.SourceURL, cfg.Ingest)
		}
	}
	return r
}

// GetOrCreate returns the session for a camera, starting one if none is
// live. Unknown cameras return cameras.ErrNotFound; a broken zone file
// fails the creation rather than silently running without zones.
//
// Creation is single-flight per camera id and the registry lock is not
// held across the record and zone file loads, so a slow creation never
// serializes other cameras behind it.
func (r *Registry) GetOrCreate(cameraID string) (*Session, error) {
	for {
		r.mu.Lock()
		if s, ok := r.sessions[cameraID]; ok {
			r.mu.Unlock()
			return s, nil
		}
		if wait, ok := r.creating[cameraID]; ok {
			r.mu.Unlock()
			<-wait
			continue
		}
		done := make(chan struct{})
		r.creating[cameraID] = done
		r.mu.Unlock()

		s, err := r.createSession(cameraID)

		r.mu.Lock()
		delete(r.creating, cameraID)
		close(done)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.sessions[cameraID] = s
		r.metrics.ActiveSessions.Add(1)
		r.mu.Unlock()

		go s.run()
		logger.Info("Registry", "started session for camera %s", cameraID)
		return s, nil
	}
}

func (r *Registry) createSession(cameraID string) (*Session, error) {
	rec, err := r.store.Get(cameraID)
	if err != nil {
		return nil, err
	}

	zonesPath := ZonesFilePath(r.cfg.DataDir, cameraID)
	zs, err := zones.Load(zonesPath)
	if err != nil {
		return nil, err
	}

	agg := stats.New(StatsFilePath(r.cfg.DataDir, cameraID))
	return newSession(rec.CameraID, rec.OwnerID, rec.SourceURL, zs,
		r.newIngestor(rec), r.pipeline, agg, r.metrics, r.cfg.NotReadyDelay, zonesPath), nil
}

// Get returns the live session for a camera, if any.
func (r *Registry) Get(cameraID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[cameraID]
	return s, ok
}

// Remove tears down a camera's session. Removing an id with no live
// session is a no-op.
func (r *Registry) Remove(cameraID string) {
	r.mu.Lock()
	s, ok := r.sessions[cameraID]
	if ok {
		delete(r.sessions, cameraID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	r.metrics.ActiveSessions.Add(^uint64(0))
	logger.Info("Registry", "removed session for camera %s", cameraID)
}

// List returns the ids of all live sessions, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// CloseAll tears down every live session; used at shutdown.
func (r *Registry) CloseAll() {
	for _, id := range r.List() {
		r.Remove(id)
	}
}

// StartReaper launches the idle-session reaper. Sessions with no viewers
// for longer than IdleTimeout are torn down so abandoned cameras do not
// hold ingest connections open. Disabled when IdleTimeout is zero.
func (r *Registry) StartReaper(ctx context.Context) {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	interval := r.cfg.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reapIdle()
			}
		}
	}()
}

func (r *Registry) reapIdle() {
	for _, id := range r.List() {
		s, ok := r.Get(id)
		if !ok {
			continue
		}
		if idle := s.IdleFor(); idle > r.cfg.IdleTimeout {
			logger.Info("Registry", "camera %s idle for %s, reaping", id, idle.Round(time.Second))
			r.Remove(id)
		}
	}
}
