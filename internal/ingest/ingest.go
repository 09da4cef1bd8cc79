package ingest

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/camwatch/zonewatch/internal/logger"
	"github.com/camwatch/zonewatch/pkg/types"
)

// State is the connection state of an Ingestor.
type State int32

const (
	Disconnected State = iota
	Connecting
	Streaming
	Reconnecting
	Closed
)

var stateNames = map[State]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Streaming:    "streaming",
	Reconnecting: "reconnecting",
	Closed:       "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ErrNotReady is returned by ReadFrame while the ingestor is connecting or
// reconnecting. Callers should skip the iteration and retry, not treat it
// as fatal.
var ErrNotReady = errors.New("stream not ready")

// ErrClosed is returned by ReadFrame after Close.
var ErrClosed = errors.New("ingestor closed")

// ConnectError reports that a source could not be opened after the primary
// backend and the ffmpeg fallback were both exhausted.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// backend is one decode path producing raw BGR frames.
type backend interface {
	ReadFrame() (*types.Frame, error)
	Close() error
}

type backendFactory func(url string) (backend, error)

// Config tunes connection and reconnection behavior.
type Config struct {
	// ConnectAttempts is how many times each backend is tried per
	// connection cycle before moving on.
	ConnectAttempts int
	// BackoffBase is the first reconnect delay; it doubles per failed
	// cycle up to BackoffMax, with jitter to avoid synchronized retries
	// across cameras.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the production ingest tuning.
func DefaultConfig() Config {
	return Config{
		ConnectAttempts: 2,
		BackoffBase:     time.Second,
		BackoffMax:      30 * time.Second,
	}
}

// Ingestor maintains a live connection to one video source and exposes the
// next decoded frame on demand, masking transient network and codec
// failures. Reconnection attempts are unbounded until Close.
type Ingestor struct {
	url string
	cfg Config

	primary  backendFactory
	fallback backendFactory

	mu          sync.Mutex
	state       State
	backend     backend
	frameNum    uint64
	nextAttempt time.Time
	backoff     time.Duration
	reconnects  uint64
}

// New creates an ingestor for the given source URL. The primary decode
// backend is OpenCV; sources it cannot negotiate fall back to an ffmpeg
// subprocess piping raw frames.
func New(url string, cfg Config) *Ingestor {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = DefaultConfig().ConnectAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	return &Ingestor{
		url:      url,
		cfg:      cfg,
		state:    Disconnected,
		primary:  newOpenCVBackend,
		fallback: newFFmpegBackend,
	}
}

// Open establishes the initial connection. It fails with a ConnectError
// when neither backend can open the source within the attempt budget; the
// ingestor then moves to Reconnecting and ReadFrame drives further
// attempts on the backoff schedule.
func (in *Ingestor) Open() error {
	in.mu.Lock()
	switch in.state {
	case Closed:
		in.mu.Unlock()
		return ErrClosed
	case Streaming:
		in.mu.Unlock()
		return nil
	}
	in.state = Connecting
	in.mu.Unlock()

	b, err := in.connect()

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == Closed {
		if err == nil {
			_ = b.Close()
		}
		return ErrClosed
	}
	if err != nil {
		in.state = Reconnecting
		in.scheduleRetryLocked()
		return &ConnectError{URL: in.url, Err: err}
	}

	in.backend = b
	in.state = Streaming
	logger.Info("Ingest", "connected to %s", in.url)
	return nil
}

// ReadFrame returns the next decoded frame. While the ingestor is between
// connections it returns ErrNotReady; a mid-stream read failure releases
// the backend and schedules a reconnect instead of surfacing the error.
//
// The mutex is never held across backend I/O, so a concurrent Close can
// always cut in and release a stalled backend, which unblocks the
// in-flight read.
func (in *Ingestor) ReadFrame() (*types.Frame, error) {
	b, err := in.acquireBackend()
	if err != nil {
		return nil, err
	}

	frame, readErr := b.ReadFrame()

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == Closed {
		return nil, ErrClosed
	}
	if in.backend != b {
		// Released while the read was in flight.
		return nil, ErrNotReady
	}
	if readErr != nil {
		logger.Warn("Ingest", "read from %s failed: %v", in.url, readErr)
		in.releaseLocked()
		in.state = Reconnecting
		in.scheduleRetryLocked()
		return nil, ErrNotReady
	}

	in.frameNum++
	frame.FrameNum = in.frameNum
	return frame, nil
}

// acquireBackend returns the live backend, reconnecting first when a retry
// is due. Connection attempts run without the lock held.
func (in *Ingestor) acquireBackend() (backend, error) {
	in.mu.Lock()
	switch in.state {
	case Closed:
		in.mu.Unlock()
		return nil, ErrClosed
	case Disconnected, Connecting:
		in.mu.Unlock()
		return nil, ErrNotReady
	case Streaming:
		b := in.backend
		in.mu.Unlock()
		return b, nil
	}

	if time.Now().Before(in.nextAttempt) {
		in.mu.Unlock()
		return nil, ErrNotReady
	}
	in.state = Connecting
	in.mu.Unlock()

	b, err := in.connect()

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == Closed {
		if err == nil {
			_ = b.Close()
		}
		return nil, ErrClosed
	}
	if err != nil {
		in.state = Reconnecting
		in.scheduleRetryLocked()
		return nil, ErrNotReady
	}

	in.backend = b
	in.state = Streaming
	in.backoff = 0
	logger.Info("Ingest", "reconnected to %s", in.url)
	return b, nil
}

// State reports the current connection state.
func (in *Ingestor) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Reconnects reports how many reconnect cycles have been scheduled.
func (in *Ingestor) Reconnects() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.reconnects
}

// Close releases the active backend and makes the ingestor terminal. It is
// idempotent and safe to call from any state.
func (in *Ingestor) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state == Closed {
		return nil
	}
	in.releaseLocked()
	in.state = Closed
	logger.Debug("Ingest", "closed %s", in.url)
	return nil
}

// connect tries the primary backend, then the fallback, each up to the
// configured attempt budget. It touches only fields immutable after New,
// so it runs without the lock.
func (in *Ingestor) connect() (backend, error) {
	var lastErr error
	for attempt := 0; attempt < in.cfg.ConnectAttempts; attempt++ {
		b, err := in.primary(in.url)
		if err == nil {
			return b, nil
		}
		lastErr = err
		logger.Debug("Ingest", "primary backend attempt %d for %s: %v", attempt+1, in.url, err)
	}

	for attempt := 0; attempt < in.cfg.ConnectAttempts; attempt++ {
		b, err := in.fallback(in.url)
		if err == nil {
			logger.Info("Ingest", "using ffmpeg fallback for %s", in.url)
			return b, nil
		}
		lastErr = err
		logger.Debug("Ingest", "fallback backend attempt %d for %s: %v", attempt+1, in.url, err)
	}

	return nil, fmt.Errorf("all backends failed: %w", lastErr)
}

func (in *Ingestor) scheduleRetryLocked() {
	if in.backoff == 0 {
		in.backoff = in.cfg.BackoffBase
	} else {
		in.backoff *= 2
		if in.backoff > in.cfg.BackoffMax {
			in.backoff = in.cfg.BackoffMax
		}
	}
	// Up to +25% jitter so cameras sharing a failed uplink do not retry
	// in lockstep.
	jitter := time.Duration(rand.Int63n(int64(in.backoff/4) + 1))
	in.nextAttempt = time.Now().Add(in.backoff + jitter)
	in.reconnects++
	logger.Debug("Ingest", "retry %s in %v", in.url, in.backoff+jitter)
}

func (in *Ingestor) releaseLocked() {
	if in.backend != nil {
		if err := in.backend.Close(); err != nil {
			logger.Warn("Ingest", "backend close for %s: %v", in.url, err)
		}
		in.backend = nil
	}
}
