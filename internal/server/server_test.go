package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camwatch/zonewatch/internal/cameras"
	"github.com/camwatch/zonewatch/internal/detect"
	"github.com/camwatch/zonewatch/internal/ingest"
	"github.com/camwatch/zonewatch/internal/metrics"
	"github.com/camwatch/zonewatch/internal/session"
	"github.com/camwatch/zonewatch/internal/stats"
	"github.com/camwatch/zonewatch/internal/zones"
	"github.com/camwatch/zonewatch/pkg/types"
)

type fakeIngest struct {
	frames chan *types.Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeIngest() *fakeIngest {
	return &fakeIngest{
		frames: make(chan *types.Frame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeIngest) Open() error { return nil }

func (f *fakeIngest) ReadFrame() (*types.Frame, error) {
	select {
	case <-f.closed:
		return nil, ingest.ErrClosed
	case fr := <-f.frames:
		return fr, nil
	}
}

func (f *fakeIngest) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeIngest) State() ingest.State { return ingest.Streaming }

func (f *fakeIngest) Reconnects() uint64 { return 0 }

func (f *fakeIngest) push(n uint64) {
	f.frames <- &types.Frame{
		Data:      make([]byte, 16*16*3),
		Timestamp: time.Now(),
		FrameNum:  n,
		Width:     16,
		Height:    16,
	}
}

type fixedDetector struct {
	dets []types.Detection
}

func (d *fixedDetector) Detect(_ context.Context, _ []byte) ([]types.Detection, error) {
	return d.dets, nil
}

type fixture struct {
	srv      *httptest.Server
	store    *cameras.Store
	registry *session.Registry
	dataDir  string
	ingest   *fakeIngest
	cameraID string
}

func newFixture(t *testing.T, det detect.Detector) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := cameras.Open(filepath.Join(dir, "cameras.json"))
	if err != nil {
		t.Fatalf("open camera store: %v", err)
	}
	rec, err := store.Add("owner-1", "rtsp://cam.local/live")
	if err != nil {
		t.Fatalf("add camera: %v", err)
	}

	fi := newFakeIngest()
	if det == nil {
		det = &fixedDetector{}
	}
	pipeline := detect.NewPipeline(det, detect.DefaultVehicleClasses(), 0.5)
	m := metrics.New()
	registry := session.NewRegistry(store, pipeline, m, session.Config{
		DataDir:       dir,
		NotReadyDelay: 5 * time.Millisecond,
		IngestFactory: func(cameras.Record) session.Ingestor { return fi },
	})
	t.Cleanup(registry.CloseAll)

	srv := httptest.NewServer(New(store, registry, m, dir).Handler())
	t.Cleanup(srv.Close)

	return &fixture{
		srv:      srv,
		store:    store,
		registry: registry,
		dataDir:  dir,
		ingest:   fi,
		cameraID: rec.CameraID,
	}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	var body map[string]any
	resp := getJSON(t, f.srv.URL+"/health", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatsUnknownCamera(t *testing.T) {
	f := newFixture(t, nil)

	resp := getJSON(t, f.srv.URL+"/api/stats/no-such-camera", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStatsServedFromDiskWithoutSession(t *testing.T) {
	f := newFixture(t, nil)

	agg := stats.New(session.StatsFilePath(f.dataDir, f.cameraID))
	agg.Record("z1", "car")
	agg.Record("z1", "truck")
	if err := agg.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var snap stats.Snapshot
	resp := getJSON(t, f.srv.URL+"/api/stats/"+f.cameraID, &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if snap.TotalVehicles != 2 {
		t.Fatalf("total_vehicles = %d, want 2", snap.TotalVehicles)
	}
	if snap.ZoneVehicleCounts["z1"]["car"] != 1 {
		t.Fatalf("zone counts = %v", snap.ZoneVehicleCounts)
	}
}

func TestZonesRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	url := f.srv.URL + "/api/zones/" + f.cameraID

	payload := `{"zones":[{"id":"z1","name":"Gate","points":[[0,0],[10,0],[10,10],[0,10]]}]}`
	resp, err := http.Post(url, "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST zones: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}

	var f2 zones.File
	if resp := getJSON(t, url, &f2); resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	if len(f2.Zones) != 1 || f2.Zones[0].ID != "z1" || len(f2.Zones[0].Points) != 4 {
		t.Fatalf("round trip gave %+v", f2.Zones)
	}
}

func TestZonesPostRejectsInvalidPolygon(t *testing.T) {
	f := newFixture(t, nil)
	url := f.srv.URL + "/api/zones/" + f.cameraID

	payload := `{"zones":[{"id":"z1","name":"Line","points":[[0,0],[10,0]]}]}`
	resp, err := http.Post(url, "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST zones: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	// Nothing must have been written.
	zs, err := zones.Load(session.ZonesFilePath(f.dataDir, f.cameraID))
	if err != nil {
		t.Fatalf("load after rejected post: %v", err)
	}
	if len(zs) != 0 {
		t.Fatalf("rejected post left %d zones on disk", len(zs))
	}
}

func TestStreamServesMultipartJPEG(t *testing.T) {
	f := newFixture(t, nil)

	// Prime the session so the handler can serve the latest frame
	// without waiting on the loop.
	sess, err := f.registry.GetOrCreate(f.cameraID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	f.ingest.push(1)
	waitFor(t, func() bool { _, ok := sess.LatestFrame(); return ok })

	resp, err := http.Get(f.srv.URL + "/stream/" + f.cameraID)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("parse content type: %v", err)
	}
	if mediaType != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Fatalf("content type = %q", resp.Header.Get("Content-Type"))
	}

	// A second frame terminates the first multipart part.
	f.ingest.push(2)

	mr := multipart.NewReader(resp.Body, params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("read part: %v", err)
	}
	if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("part content type = %q", ct)
	}
	data, err := io.ReadAll(part)
	if err != nil {
		t.Fatalf("read part body: %v", err)
	}
	if !bytes.HasPrefix(data, []byte{0xff, 0xd8}) {
		t.Fatalf("part body is not a JPEG (%d bytes)", len(data))
	}
}

func TestEventsWebsocket(t *testing.T) {
	det := &fixedDetector{dets: []types.Detection{{
		ClassName:  "car",
		Confidence: 0.9,
		BBox:       types.BoundingBox{X: 2, Y: 4, W: 4, H: 4},
	}}}
	f := newFixture(t, det)

	left := zones.Zone{
		ID:     "z-left",
		Name:   "Left Half",
		Points: [][2]float64{{0, 0}, {8, 0}, {8, 16}, {0, 16}},
	}
	if err := zones.Save(session.ZonesFilePath(f.dataDir, f.cameraID), []zones.Zone{left}); err != nil {
		t.Fatalf("save zones: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events/" + f.cameraID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	sess, ok := f.registry.Get(f.cameraID)
	if !ok {
		t.Fatal("no session after dial")
	}
	waitFor(t, func() bool { return sess.ViewerCount() == 1 })
	f.ingest.push(1)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.CameraID != f.cameraID {
		t.Fatalf("camera_id = %q, want %q", ev.CameraID, f.cameraID)
	}
	if ev.Seq == 0 {
		t.Fatal("event seq not set")
	}
	if ev.IngestState != "streaming" {
		t.Fatalf("ingest_state = %q", ev.IngestState)
	}
	if ev.Stats.ZoneVehicleCounts["z-left"]["car"] == 0 {
		t.Fatalf("event stats missing zone count: %+v", ev.Stats)
	}
}

func TestStatusListsSessions(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.registry.GetOrCreate(f.cameraID); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	var body struct {
		Sessions []map[string]any `json:"sessions"`
		Cameras  []string         `json:"cameras"`
	}
	resp := getJSON(t, f.srv.URL+"/api/status", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body.Sessions) != 1 || body.Sessions[0]["camera_id"] != f.cameraID {
		t.Fatalf("sessions = %v", body.Sessions)
	}
	if len(body.Cameras) != 1 {
		t.Fatalf("cameras = %v", body.Cameras)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
