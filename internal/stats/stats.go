package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/camwatch/zonewatch/internal/logger"
)

// Snapshot is the persisted shape of a camera's counters, consumed by the
// polling stats-query collaborator.
type Snapshot struct {
	TotalVehicles     uint64                       `json:"total_vehicles"`
	VehicleTypeCounts map[string]uint64            `json:"vehicle_type_counts"`
	ZoneVehicleCounts map[string]map[string]uint64 `json:"zone_vehicle_counts"`
}

// Aggregator accumulates per-zone per-class counts for one camera session
// and persists them incrementally. Counters only ever grow; no object
// identity is tracked across frames, so a stationary vehicle is counted
// once per frame it appears in a zone.
type Aggregator struct {
	path string

	mu       sync.Mutex
	total    uint64
	byClass  map[string]uint64
	byZone   map[string]map[string]uint64
	dirty    bool
	flushErr error
}

// New creates an aggregator that persists to the given file path.
func New(path string) *Aggregator {
	return &Aggregator{
		path:    path,
		byClass: make(map[string]uint64),
		byZone:  make(map[string]map[string]uint64),
	}
}

// Record increments the counter for one zone membership by 1.
func (a *Aggregator) Record(zoneID, class string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.byClass[class]++
	zc := a.byZone[zoneID]
	if zc == nil {
		zc = make(map[string]uint64)
		a.byZone[zoneID] = zc
	}
	zc[class]++
	a.dirty = true
}

// Snapshot returns a copy of the current counters. The critical section is
// a map copy; it never blocks the ingestion loop for long.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	snap := Snapshot{
		TotalVehicles:     a.total,
		VehicleTypeCounts: make(map[string]uint64, len(a.byClass)),
		ZoneVehicleCounts: make(map[string]map[string]uint64, len(a.byZone)),
	}
	for class, n := range a.byClass {
		snap.VehicleTypeCounts[class] = n
	}
	for zone, classes := range a.byZone {
		zc := make(map[string]uint64, len(classes))
		for class, n := range classes {
			zc[class] = n
		}
		snap.ZoneVehicleCounts[zone] = zc
	}
	return snap
}

// Flush persists the counter snapshot to durable storage. A write failure
// is remembered and retried on the next Flush; it never aborts the caller.
// Flushes with no new records since the last successful write are skipped.
func (a *Aggregator) Flush() error {
	a.mu.Lock()
	if !a.dirty && a.flushErr == nil {
		a.mu.Unlock()
		return nil
	}
	snap := a.snapshotLocked()
	a.mu.Unlock()

	err := writeSnapshot(a.path, snap)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		if a.flushErr == nil {
			logger.Warn("Stats", "flush to %s failed: %v", a.path, err)
		}
		a.flushErr = err
		return err
	}
	if a.flushErr != nil {
		logger.Info("Stats", "flush to %s recovered", a.path)
	}
	a.flushErr = nil
	a.dirty = false
	return nil
}

// LastFlushError reports the error from the most recent failed flush, or
// nil when the last flush succeeded.
func (a *Aggregator) LastFlushError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushErr
}

// ReadSnapshot loads a previously flushed snapshot from disk. A missing
// file yields zeroed counters, not an error.
func ReadSnapshot(path string) (Snapshot, error) {
	snap := Snapshot{
		VehicleTypeCounts: make(map[string]uint64),
		ZoneVehicleCounts: make(map[string]map[string]uint64),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return snap, fmt.Errorf("read stats: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse stats %s: %w", path, err)
	}
	return snap, nil
}

func writeSnapshot(path string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create stats dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename stats: %w", err)
	}
	return nil
}
