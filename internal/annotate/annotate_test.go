package annotate

import (
	"bytes"
	"image/jpeg"
	"testing"
	"time"

	"github.com/camwatch/zonewatch/internal/zones"
	"github.com/camwatch/zonewatch/pkg/types"
)

func testFrame(w, h int) *types.Frame {
	return &types.Frame{
		Data:      make([]byte, w*h*3),
		Width:     w,
		Height:    h,
		Timestamp: time.Now(),
	}
}

func TestRenderProducesDecodableJPEG(t *testing.T) {
	frame := testFrame(64, 48)
	dets := []types.Detection{{
		ClassName:  "car",
		Confidence: 0.91,
		BBox:       types.BoundingBox{X: 10, Y: 10, W: 20, H: 15},
	}}
	zs := []zones.Zone{{
		ID:     "z1",
		Name:   "lane",
		Points: [][2]float64{{0, 0}, {0, 40}, {30, 40}, {30, 0}},
	}}

	data, err := Render(frame, dets, zs, map[string]uint64{"z1": 7})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("rendered output not a JPEG: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Fatalf("rendered size = %v", img.Bounds())
	}
}

func TestRenderZoneFillChangesPixels(t *testing.T) {
	frame := testFrame(32, 32)
	zs := []zones.Zone{{
		ID:     "z1",
		Name:   "z",
		Points: [][2]float64{{4, 4}, {4, 28}, {28, 28}, {28, 4}},
	}}

	img, err := toRGBA(frame)
	if err != nil {
		t.Fatal(err)
	}
	before := img.RGBAAt(16, 16)

	fillPolygon(img, zs[0].Points)
	after := img.RGBAAt(16, 16)
	if before == after {
		t.Fatal("zone fill did not blend interior pixels")
	}

	corner := img.RGBAAt(1, 1)
	if corner != before {
		t.Fatal("zone fill leaked outside the polygon")
	}
}

func TestRenderRaw(t *testing.T) {
	data, err := RenderRaw(testFrame(16, 16))
	if err != nil {
		t.Fatalf("RenderRaw: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("raw output not a JPEG: %v", err)
	}
}

func TestRenderRejectsSizeMismatch(t *testing.T) {
	frame := &types.Frame{Data: make([]byte, 10), Width: 64, Height: 48}
	if _, err := Render(frame, nil, nil, nil); err == nil {
		t.Fatal("Render accepted truncated frame data")
	}
}

func TestBlank(t *testing.T) {
	data, err := Blank()
	if err != nil {
		t.Fatalf("Blank: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("blank output not a JPEG: %v", err)
	}
	if img.Bounds().Dx() != 640 || img.Bounds().Dy() != 480 {
		t.Fatalf("blank size = %v", img.Bounds())
	}
}
