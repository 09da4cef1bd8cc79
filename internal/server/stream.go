package server

import (
	"context"
	"net/http"
	"time"

	"github.com/camwatch/zonewatch/internal/annotate"
	"github.com/camwatch/zonewatch/internal/logger"
	"github.com/camwatch/zonewatch/internal/session"
	"github.com/camwatch/zonewatch/pkg/types"
)

const keepaliveInterval = 5 * time.Second

// streamMJPEG streams a session's annotated frames as multipart MJPEG.
// When no frame arrives within the keepalive window a blank color-bar
// frame is sent so the connection stays alive while a source reconnects.
func streamMJPEG(ctx context.Context, w http.ResponseWriter, sess *session.Session, frameCh <-chan types.AnnotatedFrame) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	blank, err := annotate.Blank()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	// New viewers see the latest frame immediately instead of waiting
	// for the next publish.
	var lastSeq uint64
	if latest, ok := sess.LatestFrame(); ok {
		if !writeMJPEGPart(w, flusher, latest.JPEG) {
			return
		}
		lastSeq = latest.Seq
	}

	for {
		var jpegData []byte
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frameCh:
			if !ok {
				// Session torn down; the client should disconnect.
				return
			}
			if frame.Seq <= lastSeq {
				continue
			}
			lastSeq = frame.Seq
			jpegData = frame.JPEG
		case <-time.After(keepaliveInterval):
			jpegData = blank
		}

		if !writeMJPEGPart(w, flusher, jpegData) {
			return
		}
	}
}

func writeMJPEGPart(w http.ResponseWriter, flusher http.Flusher, jpegData []byte) bool {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		logger.Debug("MJPEG", "client disconnected during write: %v", err)
		return false
	}
	if _, err := w.Write(jpegData); err != nil {
		logger.Debug("MJPEG", "client disconnected during frame write: %v", err)
		return false
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		logger.Debug("MJPEG", "client disconnected during delimiter write: %v", err)
		return false
	}
	flusher.Flush()
	return true
}
