package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rpicam/pkg/camera"
	"rpicam/pkg/storage"
	"rpicam/pkg/types"
	"rpicam/pkg/video"
)

var (
	ErrCaptureFailed        = errors.New("capture failed")
	ErrBusyRecording        = fmt.Errorf("%w: busy recording", ErrCaptureFailed)
	ErrAlreadyRecording     = errors.New("already recording")
	ErrRecordingStartFailed = errors.New("recording start failed")
	ErrRecordingStopFailed  = errors.New("recording stop failed")
	ErrNotRecording         = errors.New("not recording")
	// ErrPreviewRestore means the operation finished but the device could not
	// be put back into the preview profile.
	ErrPreviewRestore = errors.New("preview profile not restored")
)

const (
	pumpBackoff = 100 * time.Millisecond
	resetWait   = time.Second
)

type WriterFactory func(path string, width, height, fps int) (FrameWriter, error)

func mjpegWriter(path string, width, height, fps int) (FrameWriter, error) {
	return video.NewWriter(path, width, height, fps)
}

type Option func(*Engine)

// WithClock sets the time source used to stamp file names.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithWriterFactory(f WriterFactory) Option {
	return func(e *Engine) { e.newWriter = f }
}

// Engine runs photo capture and video recording against a device. Callers
// must hold exclusive access to the device for the duration of each call.
// Device calls are made without holding the engine lock so Reset stays
// usable while a call is stuck in the driver.
type Engine struct {
	media     *storage.Media
	videoRes  types.Resolution
	fps       int
	newWriter WriterFactory
	now       func() time.Time
	logger    *zap.SugaredLogger

	lock     sync.Mutex
	rec      *Session
	starting bool
}

func New(media *storage.Media, videoRes types.Resolution, fps int, logger *zap.SugaredLogger, opts ...Option) *Engine {
	e := &Engine{
		media:     media,
		videoRes:  videoRes,
		fps:       fps,
		newWriter: mjpegWriter,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// CapturePhoto switches dev to the still profile, stores one frame as
// photo_{ts}.jpg and switches back to preview.
//
// When the photo is saved but the preview profile cannot be restored the path
// is returned together with ErrPreviewRestore.
func (e *Engine) CapturePhoto(ctx context.Context, dev camera.Device) (string, error) {
	if e.Current() != nil {
		return "", ErrBusyRecording
	}

	path, err := e.capture(ctx, dev)
	if rerr := dev.Configure(camera.ProfilePreview); rerr != nil {
		e.logger.Errorf("restore preview after capture: %s", rerr)
		if err != nil {
			return "", fmt.Errorf("%w; %w: %v", err, ErrPreviewRestore, rerr)
		}
		return path, fmt.Errorf("%w: %v", ErrPreviewRestore, rerr)
	}
	if err != nil {
		return "", err
	}
	e.logger.Infof("photo saved: %s", path)

	return path, nil
}

func (e *Engine) capture(ctx context.Context, dev camera.Device) (string, error) {
	if err := dev.Configure(camera.ProfileStill); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	frame, err := dev.NextFrame(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: read frame: %v", ErrCaptureFailed, err)
	}
	path := e.media.Allocate(storage.KindPhoto, e.now())
	if err = e.media.WriteFile(path, frame); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	return path, nil
}

// StartRecording switches dev to the video profile and starts writing its
// frames to video_{ts}.mp4 until StopRecording.
func (e *Engine) StartRecording(ctx context.Context, dev camera.Device) (*Session, error) {
	e.lock.Lock()
	if e.rec != nil || e.starting {
		e.lock.Unlock()
		return nil, ErrAlreadyRecording
	}
	e.starting = true
	e.lock.Unlock()
	defer func() {
		e.lock.Lock()
		e.starting = false
		e.lock.Unlock()
	}()

	fail := func(err error) (*Session, error) {
		if rerr := dev.Configure(camera.ProfilePreview); rerr != nil {
			e.logger.Errorf("restore preview after failed start: %s", rerr)
			return nil, fmt.Errorf("%w: %v; %w: %v", ErrRecordingStartFailed, err, ErrPreviewRestore, rerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrRecordingStartFailed, err)
	}

	if err := dev.Configure(camera.ProfileVideo); err != nil {
		return fail(err)
	}
	path := e.media.Allocate(storage.KindVideo, e.now())
	writer, err := e.newWriter(path, e.videoRes.Width(), e.videoRes.Height(), e.fps)
	if err != nil {
		return fail(err)
	}
	// the caller gave up while we were configuring; do not leave a recording
	// running that nobody knows about
	if err = ctx.Err(); err != nil {
		_ = writer.Close()
		_ = os.Remove(path)
		return fail(err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	rec := &Session{
		id:        uuid.New(),
		path:      path,
		startedAt: e.now(),
		dev:       dev,
		writer:    writer,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     Recording,
	}
	go e.pump(pumpCtx, rec)

	e.lock.Lock()
	e.rec = rec
	e.lock.Unlock()
	e.logger.Infof("recording started: %s (%s)", path, rec.ID())

	return rec, nil
}

func (e *Engine) pump(ctx context.Context, rec *Session) {
	defer close(rec.done)
	for {
		frame, err := rec.dev.NextFrame(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Warnf("recording frame: %s", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pumpBackoff):
			}
			continue
		}
		if err = rec.writer.Add(frame); err != nil {
			e.logger.Warnf("write frame: %s", err)
			continue
		}
		rec.frames.Add(1)
		rec.latest.Store(&frame)
	}
}

// StopRecording finalizes the current recording and restores the preview
// profile. Calling it while idle returns ErrNotRecording and changes nothing.
//
// On failure the session stays in StoppingError until Reset.
func (e *Engine) StopRecording(ctx context.Context) (string, error) {
	e.lock.Lock()
	rec := e.rec
	if rec == nil || rec.State() != Recording || rec.stopping {
		e.lock.Unlock()
		return "", ErrNotRecording
	}
	rec.stopping = true
	e.lock.Unlock()

	rec.cancel()
	select {
	case <-rec.done:
	case <-ctx.Done():
		rec.setState(StoppingError)
		return "", fmt.Errorf("%w: %v", ErrRecordingStopFailed, ctx.Err())
	}
	if err := rec.writer.Close(); err != nil {
		rec.setState(StoppingError)
		return "", fmt.Errorf("%w: finalize %s: %v", ErrRecordingStopFailed, rec.Filename(), err)
	}
	if err := rec.dev.Configure(camera.ProfilePreview); err != nil {
		rec.setState(StoppingError)
		return rec.path, fmt.Errorf("%w: %w: %v", ErrRecordingStopFailed, ErrPreviewRestore, err)
	}

	rec.setState(Idle)
	e.lock.Lock()
	if e.rec == rec {
		e.rec = nil
	}
	e.lock.Unlock()
	e.logger.Infof("recording saved: %s (%d frames)", rec.path, rec.Frames())

	return rec.path, nil
}

// Current returns the active or failed session, nil when idle.
func (e *Engine) Current() *Session {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.rec
}

// Reset drops any session left behind by a failed stop. The file is closed
// best effort and kept on disk.
func (e *Engine) Reset() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.resetLocked()
}

// Discard drops rec if it is still the current session. It is used for a
// recording whose start was abandoned by the caller.
func (e *Engine) Discard(rec *Session) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if rec != nil && e.rec == rec {
		e.logger.Warnf("discard abandoned recording %s", rec.Filename())
		e.resetLocked()
	}
}

func (e *Engine) resetLocked() {
	if e.rec == nil {
		return
	}
	e.rec.cancel()
	select {
	case <-e.rec.done:
	case <-time.After(resetWait):
		e.logger.Warnf("recording pump for %s did not stop", e.rec.Filename())
	}
	if err := e.rec.writer.Close(); err != nil {
		e.logger.Warnf("close abandoned recording %s: %s", e.rec.Filename(), err)
	}
	e.rec.setState(Idle)
	e.rec = nil
}
