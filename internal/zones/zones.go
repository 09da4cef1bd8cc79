package zones

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Zone is a user-drawn polygon over the frame, used to scope detection
// counts spatially. Points are vertices in frame pixel space, in draw order.
type Zone struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Points [][2]float64 `json:"points"`
}

// File is the on-disk zone configuration shape.
type File struct {
	Zones []Zone `json:"zones"`
}

// ConfigError reports a malformed zone configuration. It always fails the
// load; malformed zones are never silently skipped.
type ConfigError struct {
	Path   string
	ZoneID string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.ZoneID != "" {
		return fmt.Sprintf("zone config %s: zone %q: %s", e.Path, e.ZoneID, e.Reason)
	}
	return fmt.Sprintf("zone config %s: %s", e.Path, e.Reason)
}

// Load reads the zone configuration file at path. A missing file is not an
// error: it yields an empty zone list, matching a camera that has no zones
// drawn yet. Malformed JSON, zones with fewer than 3 vertices, or
// non-finite coordinates fail with a ConfigError.
func Load(path string) ([]Zone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Zone{}, nil
		}
		return nil, fmt.Errorf("read zone config: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	for _, z := range f.Zones {
		if err := validate(path, z); err != nil {
			return nil, err
		}
	}
	if f.Zones == nil {
		f.Zones = []Zone{}
	}
	return f.Zones, nil
}

// Save writes zones to path atomically. Zone and vertex order are preserved
// so repeated save/load round-trips produce identical output.
func Save(path string, zs []Zone) error {
	for _, z := range zs {
		if err := validate(path, z); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(File{Zones: zs}, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal zones: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create zone dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write zones: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename zones: %w", err)
	}
	return nil
}

func validate(path string, z Zone) error {
	if len(z.Points) < 3 {
		return &ConfigError{Path: path, ZoneID: z.ID, Reason: fmt.Sprintf("polygon needs at least 3 vertices, got %d", len(z.Points))}
	}
	for _, p := range z.Points {
		if math.IsNaN(p[0]) || math.IsInf(p[0], 0) || math.IsNaN(p[1]) || math.IsInf(p[1], 0) {
			return &ConfigError{Path: path, ZoneID: z.ID, Reason: "non-finite vertex coordinate"}
		}
	}
	return nil
}

// Classify returns the ids of every zone whose polygon contains the point
// (x, y). Membership is decided by the even-odd ray-casting rule: a
// horizontal ray cast from the point crosses the polygon's edges an odd
// number of times for interior points.
//
// Boundary rule: an edge is counted only when y > min(ey) && y <= max(ey),
// so a point lying exactly on a zone's top horizontal edge is outside and
// one on its bottom edge is inside. The outcome is deterministic for any
// boundary point. Self-intersecting polygons are not validated against.
func Classify(x, y float64, zs []Zone) []string {
	ids := make([]string, 0, len(zs))
	for _, z := range zs {
		if containsPoint(x, y, z.Points) {
			ids = append(ids, z.ID)
		}
	}
	return ids
}

func containsPoint(x, y float64, poly [][2]float64) bool {
	if len(poly) < 3 {
		return false
	}

	inside := false
	p1x, p1y := poly[0][0], poly[0][1]
	n := len(poly)
	for i := 1; i <= n; i++ {
		p2x, p2y := poly[i%n][0], poly[i%n][1]
		if y > math.Min(p1y, p2y) && y <= math.Max(p1y, p2y) && x <= math.Max(p1x, p2x) {
			var xinters float64
			if p1y != p2y {
				xinters = (y-p1y)*(p2x-p1x)/(p2y-p1y) + p1x
			} else {
				xinters = p1x
			}
			if p1x == p2x || x <= xinters {
				inside = !inside
			}
		}
		p1x, p1y = p2x, p2y
	}
	return inside
}
