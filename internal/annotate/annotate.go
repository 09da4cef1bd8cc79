package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/camwatch/zonewatch/internal/zones"
	"github.com/camwatch/zonewatch/pkg/types"
)

const jpegQuality = 75

var (
	boxColor      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	zoneColor     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	labelText     = color.RGBA{A: 255}
	zoneFillAlpha = 51 // ~0.2 overlay weight
)

// Render draws detections and zone overlays onto the frame and returns it
// as encoded JPEG. zoneCounts carries the live per-zone totals shown next
// to each zone's name.
func Render(frame *types.Frame, dets []types.Detection, zs []zones.Zone, zoneCounts map[string]uint64) ([]byte, error) {
	img, err := toRGBA(frame)
	if err != nil {
		return nil, err
	}

	for _, z := range zs {
		fillPolygon(img, z.Points)
		outlinePolygon(img, z.Points)
		cx, cy := centroid(z.Points)
		label := fmt.Sprintf("%s: %d", z.Name, zoneCounts[z.ID])
		drawLabel(img, cx, cy, label, false)
	}

	for _, d := range dets {
		drawRect(img, d.BBox.X, d.BBox.Y, d.BBox.W, d.BBox.H, 2)
		label := fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
		labelY := d.BBox.Y - 4
		if labelY < basicfont.Face7x13.Height {
			labelY = d.BBox.Y + d.BBox.H + basicfont.Face7x13.Height
		}
		drawLabel(img, d.BBox.X, labelY, label, true)
	}

	return EncodeJPEG(img)
}

// RenderRaw encodes the frame without annotations. Used when detection
// fails on a frame: the viewer still gets the live picture.
func RenderRaw(frame *types.Frame) ([]byte, error) {
	img, err := toRGBA(frame)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(img)
}

// EncodeJPEG encodes an image at the streaming quality setting.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Blank returns a 640x480 color-bar test card, served while no live frame
// is available.
func Blank() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))

	// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
	colors := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}

	barWidth := 640 / len(colors)
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			barIndex := x / barWidth
			if barIndex >= len(colors) {
				barIndex = len(colors) - 1
			}
			img.Set(x, y, colors[barIndex])
		}
	}

	return EncodeJPEG(img)
}

func toRGBA(frame *types.Frame) (*image.RGBA, error) {
	if len(frame.Data) != frame.Width*frame.Height*3 {
		return nil, fmt.Errorf("frame size mismatch: %d bytes for %dx%d", len(frame.Data), frame.Width, frame.Height)
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for i := 0; i < frame.Width*frame.Height; i++ {
		// BGR24 in, RGBA out.
		img.Pix[i*4+0] = frame.Data[i*3+2]
		img.Pix[i*4+1] = frame.Data[i*3+1]
		img.Pix[i*4+2] = frame.Data[i*3+0]
		img.Pix[i*4+3] = 255
	}
	return img, nil
}

func drawRect(img *image.RGBA, x, y, w, h, thickness int) {
	for t := 0; t < thickness; t++ {
		drawHLine(img, x, x+w, y+t)
		drawHLine(img, x, x+w, y+h-t)
		drawVLine(img, x+t, y, y+h)
		drawVLine(img, x+w-t, y, y+h)
	}
}

func drawHLine(img *image.RGBA, x0, x1, y int) {
	for x := x0; x <= x1; x++ {
		setIfInside(img, x, y, boxColor)
	}
}

func drawVLine(img *image.RGBA, x, y0, y1 int) {
	for y := y0; y <= y1; y++ {
		setIfInside(img, x, y, boxColor)
	}
}

func setIfInside(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}

func outlinePolygon(img *image.RGBA, pts [][2]float64) {
	n := len(pts)
	for i := 0; i < n; i++ {
		drawLine(img,
			int(pts[i][0]), int(pts[i][1]),
			int(pts[(i+1)%n][0]), int(pts[(i+1)%n][1]))
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		setIfInside(img, x0, y0, zoneColor)
		setIfInside(img, x0+1, y0, zoneColor)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

// fillPolygon blends a translucent white fill over the zone's interior
// using even-odd scanline filling.
func fillPolygon(img *image.RGBA, pts [][2]float64) {
	if len(pts) < 3 {
		return
	}

	minY, maxY := pts[0][1], pts[0][1]
	for _, p := range pts {
		if p[1] < minY {
			minY = p[1]
		}
		if p[1] > maxY {
			maxY = p[1]
		}
	}

	n := len(pts)
	for y := int(minY); y <= int(maxY); y++ {
		var xs []float64
		fy := float64(y) + 0.5
		for i := 0; i < n; i++ {
			y1, y2 := pts[i][1], pts[(i+1)%n][1]
			if (y1 <= fy) == (y2 <= fy) {
				continue
			}
			x1, x2 := pts[i][0], pts[(i+1)%n][0]
			xs = append(xs, x1+(fy-y1)/(y2-y1)*(x2-x1))
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			for x := int(xs[i]); x <= int(xs[i+1]); x++ {
				blendWhite(img, x, y)
			}
		}
	}
}

func blendWhite(img *image.RGBA, x, y int) {
	if !image.Pt(x, y).In(img.Rect) {
		return
	}
	i := img.PixOffset(x, y)
	a := zoneFillAlpha
	img.Pix[i+0] = uint8((int(img.Pix[i+0])*(255-a) + 255*a) / 255)
	img.Pix[i+1] = uint8((int(img.Pix[i+1])*(255-a) + 255*a) / 255)
	img.Pix[i+2] = uint8((int(img.Pix[i+2])*(255-a) + 255*a) / 255)
}

// drawLabel renders text at (x, y). With background set, black text is
// drawn on a white band, matching the detection label style; otherwise
// white text is drawn directly.
func drawLabel(img *image.RGBA, x, y int, text string, background bool) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()

	if background {
		for by := y - face.Ascent; by <= y+face.Descent; by++ {
			for bx := x - 1; bx <= x+width+1; bx++ {
				setIfInside(img, bx, by, boxColor)
			}
		}
	}

	src := image.NewUniform(labelText)
	if !background {
		src = image.NewUniform(boxColor)
	}
	d := font.Drawer{
		Dst:  img,
		Src:  src,
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func centroid(pts [][2]float64) (int, int) {
	var sx, sy float64
	for _, p := range pts {
		sx += p[0]
		sy += p[1]
	}
	n := float64(len(pts))
	return int(sx / n), int(sy / n)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
