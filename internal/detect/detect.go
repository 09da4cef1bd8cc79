package detect

import (
	"context"

	"github.com/camwatch/zonewatch/pkg/types"
)

// Detector is the external object-detection capability: given an encoded
// JPEG frame it returns detected objects with class labels, confidence
// scores and bounding boxes. Implementations must be safe for concurrent
// use; a single Detector is shared by every camera session.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte) ([]types.Detection, error)
}

// Pipeline wraps a Detector and filters its raw output to a configured
// class set and confidence floor. It holds no state between calls.
type Pipeline struct {
	detector      Detector
	allowedClass  map[string]struct{}
	minConfidence float64
}

// DefaultVehicleClasses are the class labels counted by default,
// matching the COCO vehicle categories.
func DefaultVehicleClasses() []string {
	return []string{"car", "motorcycle", "bus", "truck"}
}

// NewPipeline builds a filtering pipeline over the given detector.
func NewPipeline(d Detector, allowedClasses []string, minConfidence float64) *Pipeline {
	allowed := make(map[string]struct{}, len(allowedClasses))
	for _, c := range allowedClasses {
		allowed[c] = struct{}{}
	}
	return &Pipeline{
		detector:      d,
		allowedClass:  allowed,
		minConfidence: minConfidence,
	}
}

// Detect runs the detector on one frame and drops detections outside the
// allowed class set or below the confidence floor. Detector-reported
// ordering is preserved for the survivors.
func (p *Pipeline) Detect(ctx context.Context, jpeg []byte) ([]types.Detection, error) {
	raw, err := p.detector.Detect(ctx, jpeg)
	if err != nil {
		return nil, err
	}

	out := make([]types.Detection, 0, len(raw))
	for _, d := range raw {
		if d.Confidence < p.minConfidence {
			continue
		}
		if _, ok := p.allowedClass[d.ClassName]; !ok {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
