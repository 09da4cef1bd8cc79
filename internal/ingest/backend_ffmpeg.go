package ingest

import (
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/camwatch/zonewatch/pkg/types"
)

const (
	ffmpegWidth  = 1280
	ffmpegHeight = 720
	ffmpegFPS    = 10
)

// ffmpegBackend covers sources OpenCV cannot negotiate: an ffmpeg
// subprocess decodes the stream and pipes raw BGR24 frames at a fixed
// 1280x720 geometry, padded to preserve aspect ratio.
type ffmpegBackend struct {
	cmd       *exec.Cmd
	pipe      io.ReadCloser
	frameSize int
}

func newFFmpegBackend(url string) (backend, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found: %w", err)
	}

	vf := fmt.Sprintf("fps=%d,scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		ffmpegFPS, ffmpegWidth, ffmpegHeight, ffmpegWidth, ffmpegHeight)
	cmd := exec.Command("ffmpeg",
		"-rtsp_transport", "tcp",
		"-i", url,
		"-vf", vf,
		"-f", "image2pipe",
		"-pix_fmt", "bgr24",
		"-vcodec", "rawvideo",
		"-an",
		"-")

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &ffmpegBackend{
		cmd:       cmd,
		pipe:      pipe,
		frameSize: ffmpegWidth * ffmpegHeight * 3,
	}, nil
}

func (b *ffmpegBackend) ReadFrame() (*types.Frame, error) {
	buf := make([]byte, b.frameSize)
	if _, err := io.ReadFull(b.pipe, buf); err != nil {
		return nil, fmt.Errorf("read ffmpeg pipe: %w", err)
	}

	return &types.Frame{
		Data:      buf,
		Timestamp: time.Now(),
		Width:     ffmpegWidth,
		Height:    ffmpegHeight,
	}, nil
}

// Close terminates the ffmpeg process, escalating to SIGKILL if it does
// not exit within the grace period. Closing the pipe first unblocks any
// in-flight ReadFrame stalled on a silent source.
func (b *ffmpegBackend) Close() error {
	_ = b.pipe.Close()

	if b.cmd.Process == nil {
		return nil
	}
	_ = b.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		_ = b.cmd.Process.Kill()
		<-done
		return nil
	}
}
