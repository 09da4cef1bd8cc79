package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/camwatch/zonewatch/internal/annotate"
	"github.com/camwatch/zonewatch/internal/detect"
	"github.com/camwatch/zonewatch/internal/ingest"
	"github.com/camwatch/zonewatch/internal/logger"
	"github.com/camwatch/zonewatch/internal/metrics"
	"github.com/camwatch/zonewatch/internal/stats"
	"github.com/camwatch/zonewatch/internal/zones"
	"github.com/camwatch/zonewatch/pkg/types"
)

// Ingestor is the slice of the stream ingestor the session loop drives.
// The concrete implementation is internal/ingest; tests inject fakes.
type Ingestor interface {
	Open() error
	ReadFrame() (*types.Frame, error)
	Close() error
	State() ingest.State
	Reconnects() uint64
}

// Session is the live runtime state for one camera being actively
// ingested and viewed: one ingest connection, one detection loop, one
// latest-frame slot shared by all viewers.
type Session struct {
	CameraID  string
	OwnerID   string
	SourceURL string

	zonesPath string
	ing       Ingestor
	pipeline  *detect.Pipeline
	stats     *stats.Aggregator
	metrics   *metrics.Metrics

	notReadyDelay time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	seenReconnects uint64

	mu         sync.Mutex
	zs         []zones.Zone
	zonesStale bool
	latest     types.AnnotatedFrame
	hasFrame   bool
	clients    map[int]chan types.AnnotatedFrame
	nextID     int
	closed     bool
	idleSince  time.Time
}

func newSession(cameraID, ownerID, sourceURL string, zs []zones.Zone, ing Ingestor, pipeline *detect.Pipeline, agg *stats.Aggregator, m *metrics.Metrics, notReadyDelay time.Duration, zonesPath string) *Session {
	if notReadyDelay <= 0 {
		notReadyDelay = 200 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		CameraID:      cameraID,
		OwnerID:       ownerID,
		SourceURL:     sourceURL,
		zonesPath:     zonesPath,
		ing:           ing,
		pipeline:      pipeline,
		stats:         agg,
		metrics:       m,
		notReadyDelay: notReadyDelay,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		zs:            zs,
		clients:       make(map[int]chan types.AnnotatedFrame),
		idleSince:     time.Now(),
	}
}

// run is the per-session orchestrator loop: ingest, detect, classify,
// record, annotate, publish. It owns the ingest backend and releases it
// on every exit path.
func (s *Session) run() {
	defer close(s.done)
	defer s.closeClients()
	defer func() {
		if err := s.ing.Close(); err != nil {
			logger.Warn("Session", "camera %s: ingest close: %v", s.CameraID, err)
		}
	}()
	defer func() {
		if err := s.stats.Flush(); err != nil {
			logger.Warn("Session", "camera %s: final stats flush: %v", s.CameraID, err)
		}
	}()

	logger.Info("Session", "camera %s: loop started for %s", s.CameraID, s.SourceURL)

	opened := false
	for {
		select {
		case <-s.ctx.Done():
			logger.Info("Session", "camera %s: loop stopping", s.CameraID)
			return
		default:
		}

		if !opened {
			if err := s.ing.Open(); err != nil {
				if errors.Is(err, ingest.ErrClosed) {
					return
				}
				// Stream unavailable: non-fatal. Further attempts are
				// paced by the ingest backoff, not by this loop.
				logger.Warn("Session", "camera %s: %v", s.CameraID, err)
			}
			opened = true
		}

		frame, err := s.ing.ReadFrame()
		if err != nil {
			if errors.Is(err, ingest.ErrClosed) {
				return
			}
			s.metrics.FramesSkipped.Add(1)
			s.sleep(s.notReadyDelay)
			continue
		}
		s.metrics.FramesRead.Add(1)
		if rc := s.ing.Reconnects(); rc > s.seenReconnects {
			s.metrics.Reconnects.Add(rc - s.seenReconnects)
			s.seenReconnects = rc
		}

		s.processFrame(frame)
	}
}

func (s *Session) processFrame(frame *types.Frame) {
	zs := s.currentZones()

	rawJPEG, err := annotate.RenderRaw(frame)
	if err != nil {
		s.metrics.AnnotateErrors.Add(1)
		logger.Warn("Session", "camera %s: encode frame %d: %v", s.CameraID, frame.FrameNum, err)
		return
	}

	detectStart := time.Now()
	dets, err := s.pipeline.Detect(s.ctx, rawJPEG)
	s.metrics.UpdateDetectLatency(time.Since(detectStart))
	if err != nil {
		// One bad frame never terminates the session; the viewer still
		// gets the unannotated picture.
		s.metrics.DetectionErrors.Add(1)
		logger.Warn("Session", "camera %s: detect frame %d: %v", s.CameraID, frame.FrameNum, err)
		s.publish(rawJPEG, frame.Timestamp)
		return
	}
	s.metrics.Detections.Add(uint64(len(dets)))

	for _, d := range dets {
		x, y := d.RefPoint()
		for _, zoneID := range zones.Classify(x, y, zs) {
			s.stats.Record(zoneID, d.ClassName)
			s.metrics.ZoneHits.Add(1)
		}
	}

	if err := s.stats.Flush(); err != nil {
		s.metrics.FlushErrors.Add(1)
	}

	snap := s.stats.Snapshot()
	zoneTotals := make(map[string]uint64, len(snap.ZoneVehicleCounts))
	for zoneID, classes := range snap.ZoneVehicleCounts {
		zoneTotals[zoneID] = lo.Sum(lo.Values(classes))
	}

	annotated, err := annotate.Render(frame, dets, zs, zoneTotals)
	if err != nil {
		s.metrics.AnnotateErrors.Add(1)
		annotated = rawJPEG
	}

	s.publish(annotated, frame.Timestamp)
}

// publish swaps the latest-frame slot and fans the frame out to all
// subscribers. Slow viewers drop frames; the loop never blocks on them.
func (s *Session) publish(jpeg []byte, captured time.Time) {
	s.mu.Lock()
	s.latest = types.AnnotatedFrame{
		JPEG:      jpeg,
		Seq:       s.latest.Seq + 1,
		Timestamp: time.Now(),
	}
	s.hasFrame = true
	frame := s.latest
	for _, ch := range s.clients {
		select {
		case ch <- frame:
		default:
			s.metrics.FramesDropped.Add(1)
		}
	}
	s.mu.Unlock()

	s.metrics.FramesProcessed.Add(1)
	s.metrics.UpdateFrameLatency(captured)
}

// Subscribe registers a viewer and returns its frame channel. The channel
// is closed when the viewer unsubscribes or the session is torn down.
func (s *Session) Subscribe() (int, <-chan types.AnnotatedFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, nil, fmt.Errorf("session %s closed", s.CameraID)
	}

	id := s.nextID
	s.nextID++
	ch := make(chan types.AnnotatedFrame, 2)
	s.clients[id] = ch

	s.metrics.ActiveViewers.Add(1)
	s.metrics.TotalViewers.Add(1)
	logger.Debug("Session", "camera %s: viewer #%d subscribed (total %d)", s.CameraID, id, len(s.clients))
	return id, ch, nil
}

// Unsubscribe removes a viewer.
func (s *Session) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.clients[id]
	if !ok {
		return
	}
	close(ch)
	delete(s.clients, id)
	s.metrics.ActiveViewers.Add(^uint64(0))
	if len(s.clients) == 0 {
		s.idleSince = time.Now()
	}
	logger.Debug("Session", "camera %s: viewer #%d unsubscribed (remaining %d)", s.CameraID, id, len(s.clients))
}

func (s *Session) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
		s.metrics.ActiveViewers.Add(^uint64(0))
	}
}

// LatestFrame returns the most recent published frame, if any.
func (s *Session) LatestFrame() (types.AnnotatedFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasFrame
}

// ViewerCount reports the number of live subscriptions.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// IdleFor reports how long the session has had zero viewers; zero while
// any viewer is connected.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) > 0 {
		return 0
	}
	return time.Since(s.idleSince)
}

// Stats exposes the session's aggregator for the stats-query surface.
func (s *Session) Stats() *stats.Aggregator {
	return s.stats
}

// IngestState reports the ingest connection state.
func (s *Session) IngestState() ingest.State {
	return s.ing.State()
}

// Zones returns the zone set the loop currently classifies against.
func (s *Session) Zones() []zones.Zone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zs
}

// MarkZonesStale makes the loop reload the zone file before the next
// frame, picking up an updated drawing without a session restart.
func (s *Session) MarkZonesStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zonesStale = true
}

func (s *Session) currentZones() []zones.Zone {
	s.mu.Lock()
	stale := s.zonesStale
	zs := s.zs
	s.mu.Unlock()

	if !stale {
		return zs
	}

	reloaded, err := zones.Load(s.zonesPath)
	if err != nil {
		// Keep classifying against the last good set.
		logger.Warn("Session", "camera %s: zone reload: %v", s.CameraID, err)
		return zs
	}

	s.mu.Lock()
	s.zs = reloaded
	s.zonesStale = false
	s.mu.Unlock()
	logger.Info("Session", "camera %s: reloaded %d zones", s.CameraID, len(reloaded))
	return reloaded
}

// Close stops the loop, releases the ingest backend, performs a final
// stats flush and signals all viewers. It blocks until the loop exits and
// is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.ing.Close()
	})
	<-s.done
}

func (s *Session) sleep(d time.Duration) {
	select {
	case <-s.ctx.Done():
	case <-time.After(d):
	}
}

// ZonesFilePath returns the zone configuration path for a camera id under
// the given data directory.
func ZonesFilePath(dataDir, cameraID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("zones_%s.json", cameraID))
}

// StatsFilePath returns the stats snapshot path for a camera id under the
// given data directory.
func StatsFilePath(dataDir, cameraID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("stats_%s.json", cameraID))
}
