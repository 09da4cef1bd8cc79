package ingest

import (
	"fmt"
	"io"
	"time"

	"gocv.io/x/gocv"

	"github.com/camwatch/zonewatch/pkg/types"
)

// openCVBackend decodes the source with OpenCV's VideoCapture. The capture
// buffer is pinned to one frame so reads track the live edge of the stream
// instead of draining a stale queue.
type openCVBackend struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

func newOpenCVBackend(url string) (backend, error) {
	capture, err := gocv.OpenVideoCapture(url)
	if err != nil {
		return nil, fmt.Errorf("open video capture: %w", err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, fmt.Errorf("video capture not opened for %s", url)
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	return &openCVBackend{
		capture: capture,
		mat:     gocv.NewMat(),
	}, nil
}

func (b *openCVBackend) ReadFrame() (*types.Frame, error) {
	if ok := b.capture.Read(&b.mat); !ok {
		return nil, io.EOF
	}
	if b.mat.Empty() {
		return nil, io.EOF
	}

	data, err := b.mat.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("frame data: %w", err)
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	return &types.Frame{
		Data:      buf,
		Timestamp: time.Now(),
		Width:     b.mat.Cols(),
		Height:    b.mat.Rows(),
	}, nil
}

func (b *openCVBackend) Close() error {
	_ = b.mat.Close()
	return b.capture.Close()
}
