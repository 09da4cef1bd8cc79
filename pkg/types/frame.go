package types

import "time"

// Frame represents a decoded video frame in packed BGR24 layout,
// the format both decode backends produce.
type Frame struct {
	Data      []byte    // Raw BGR24 pixels, len == Width*Height*3
	Timestamp time.Time // Frame capture timestamp
	FrameNum  uint64    // Sequential frame number within one connection
	Width     int       // Frame width in pixels
	Height    int       // Frame height in pixels
}

// BoundingBox is an axis-aligned detection box in frame pixel space.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Detection is one detected object on a single frame. Detections are
// transient; they live only for the duration of one frame's processing.
type Detection struct {
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// RefPoint returns the detection's zone-membership reference point:
// the bottom-center of the bounding box, which best approximates
// ground contact for vehicles.
func (d Detection) RefPoint() (float64, float64) {
	return float64(d.BBox.X) + float64(d.BBox.W)/2, float64(d.BBox.Y + d.BBox.H)
}

// AnnotatedFrame is one published entry of a session's latest-frame slot.
type AnnotatedFrame struct {
	JPEG      []byte    // Encoded annotated frame
	Seq       uint64    // Monotonic publish sequence number
	Timestamp time.Time // Publish time
}
