package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"rpicam/pkg/camera"
	"rpicam/pkg/capture"
	"rpicam/pkg/display"
	"rpicam/pkg/ov"
	"rpicam/pkg/preview"
)

var (
	ErrDeviceUnrecoverable = errors.New("camera unrecoverable")
	ErrInvalidState        = errors.New("operation not allowed in current state")
	ErrTimeout             = errors.New("camera operation timed out")
	ErrLaunch              = errors.New("launch failed")
)

const (
	DefaultOpTimeout = 10 * time.Second
	commandQueueSize = 16
)

// Launcher starts external processes without waiting for them.
type Launcher interface {
	Launch(argv []string) error
}

type Config struct {
	CameraIndex            int
	OpTimeout              time.Duration
	PreviewDuringRecording bool
	AuxCommand             []string
	PowerOffCommand        []string
}

type Option func(*Controller)

// WithClock sets the time source of the tap gesture.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the camera for the whole session. Every device mutation
// runs under devMu; the preview source only try-locks it and skips the tick
// when an operation holds it.
type Controller struct {
	cfg      Config
	driver   camera.Driver
	engine   *capture.Engine
	sink     display.Sink
	launcher Launcher
	logger   *zap.SugaredLogger
	now      func() time.Time

	devMu sync.Mutex
	dev   camera.Device
	index atomic.Int64
	state *fsm.FSM

	previewDuringRec atomic.Bool

	cmds     chan Command
	taps     *TapDetector
	closers  []io.Closer
	onSwitch func(index int)
	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config, driver camera.Driver, engine *capture.Engine, sink display.Sink,
	launcher Launcher, logger *zap.SugaredLogger, opts ...Option) *Controller {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	c := &Controller{
		cfg:      cfg,
		driver:   driver,
		engine:   engine,
		sink:     sink,
		launcher: launcher,
		logger:   logger,
		now:      time.Now,
		cmds:     make(chan Command, commandQueueSize),
		taps:     NewTapDetector(DefaultTapWindow, DefaultTapThreshold),
		done:     make(chan struct{}),
	}
	c.index.Store(int64(cfg.CameraIndex))
	c.previewDuringRec.Store(cfg.PreviewDuringRecording)
	c.state = newFSM(func(src, dst string) {
		c.logger.Debugf("state %s -> %s", src, dst)
		c.sink.RenderState(dst)
	})
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// AddCloser registers a resource released during Shutdown.
func (c *Controller) AddCloser(cl io.Closer) {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	c.closers = append(c.closers, cl)
}

// OnSwitch registers f to run after every successful SwitchDevice.
func (c *Controller) OnSwitch(f func(index int)) {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	c.onSwitch = f
}

func (c *Controller) SetPreviewDuringRecording(enabled bool) {
	c.previewDuringRec.Store(enabled)
}

func (c *Controller) State() string {
	return c.state.Current()
}

func (c *Controller) Index() int {
	return int(c.index.Load())
}

// Done is closed once the controller reaches the terminated state.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Init opens the configured camera in the preview profile and starts it.
func (c *Controller) Init(ctx context.Context) error {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	if c.state.Current() != StateInitializing {
		return c.invalid("init")
	}

	dev, err := c.openLocked(ctx, c.Index())
	if err != nil {
		c.logger.Errorf("init camera %d: %s", c.Index(), err)
		c.fire(eventFail)
		return fmt.Errorf("%w: %v", ErrDeviceUnrecoverable, err)
	}
	c.dev = dev
	c.fire(eventReady)
	c.logger.Infof("camera %d ready", c.Index())

	return nil
}

// CapturePhoto stores one still frame and returns its path.
func (c *Controller) CapturePhoto(ctx context.Context) (string, error) {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	switch c.state.Current() {
	case StatePreviewing:
	case StateRecording:
		return "", capture.ErrBusyRecording
	default:
		return "", c.invalid("capture")
	}

	c.fire(eventCapture)
	dev := c.dev
	path, err := bounded(ctx, c.cfg.OpTimeout, func(ctx context.Context) (string, error) {
		return c.engine.CapturePhoto(ctx, dev)
	}, nil)
	switch {
	case err == nil:
		c.fire(eventDone)
		return path, nil
	case errors.Is(err, ErrTimeout):
		err = fmt.Errorf("%w: %w", capture.ErrCaptureFailed, err)
	case !errors.Is(err, capture.ErrPreviewRestore):
		c.fire(eventDone)
		return "", err
	}

	if rerr := c.recoverLocked(ctx, err); rerr != nil {
		return path, rerr
	}
	if path != "" {
		return path, nil
	}
	return "", err
}

// StartRecording starts a video recording and returns its path.
func (c *Controller) StartRecording(ctx context.Context) (string, error) {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	switch c.state.Current() {
	case StatePreviewing:
	case StateRecording:
		return "", capture.ErrAlreadyRecording
	default:
		return "", c.invalid("record")
	}

	c.fire(eventRecord)
	dev := c.dev
	rec, err := bounded(ctx, c.cfg.OpTimeout, func(ctx context.Context) (*capture.Session, error) {
		return c.engine.StartRecording(ctx, dev)
	}, c.engine.Discard)
	switch {
	case err == nil:
		return rec.Path(), nil
	case errors.Is(err, ErrTimeout):
		err = fmt.Errorf("%w: %w", capture.ErrRecordingStartFailed, err)
	case !errors.Is(err, capture.ErrPreviewRestore):
		c.fire(eventDone)
		return "", err
	}

	if rerr := c.recoverLocked(ctx, err); rerr != nil {
		return "", rerr
	}
	return "", err
}

// StopRecording finalizes the recording and returns its path. A failed stop
// triggers one re-initialization of the device.
func (c *Controller) StopRecording(ctx context.Context) (string, error) {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	if c.state.Current() != StateRecording {
		return "", capture.ErrNotRecording
	}

	path, err := bounded(ctx, c.cfg.OpTimeout, func(ctx context.Context) (string, error) {
		return c.engine.StopRecording(ctx)
	}, nil)
	if err == nil {
		c.fire(eventDone)
		return path, nil
	}
	if errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", capture.ErrRecordingStopFailed, err)
	}

	if rerr := c.recoverLocked(ctx, err); rerr != nil {
		return path, rerr
	}
	if errors.Is(err, capture.ErrPreviewRestore) && path != "" {
		return path, nil
	}
	return path, err
}

// SwitchDevice replaces the current camera with the one at index. When the
// new camera cannot be opened the old one is restarted; when that fails too
// the controller becomes unavailable. From the unavailable state it acts as
// a retry.
func (c *Controller) SwitchDevice(ctx context.Context, index int) error {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	state := c.state.Current()
	if state != StatePreviewing && state != StateUnavailable {
		return c.invalid("switch")
	}
	if state == StatePreviewing && index == c.Index() && c.dev != nil {
		return nil
	}

	c.fire(eventSwitch)
	old := c.dev
	if old != nil {
		if err := boundedDo(ctx, c.cfg.OpTimeout, func(context.Context) error { return old.Stop() }); err != nil {
			c.logger.Warnf("stop camera %d: %s", old.Index(), err)
		}
	}

	dev, err := c.openLocked(ctx, index)
	if err == nil {
		if old != nil {
			c.releaseLocked(ctx, old)
		}
		c.dev = dev
		c.index.Store(int64(index))
		c.fire(eventDone)
		c.logger.Infof("switched to camera %d", index)
		if c.onSwitch != nil {
			c.onSwitch(index)
		}
		return nil
	}
	c.logger.Errorf("switch to camera %d: %s", index, err)

	if old != nil {
		rerr := boundedDo(ctx, c.cfg.OpTimeout, func(context.Context) error { return old.Start() })
		if rerr == nil {
			c.fire(eventDone)
			return err
		}
		c.logger.Errorf("restart camera %d after failed switch: %s", old.Index(), rerr)
		c.releaseLocked(ctx, old)
	}
	c.dev = nil
	c.fire(eventFail)

	return fmt.Errorf("%w: %v", ErrDeviceUnrecoverable, err)
}

// Shutdown tears the session down and then runs the power-off command. The
// power-off command runs even when teardown fails; the teardown error is
// returned.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.terminate(ctx, c.cfg.PowerOffCommand)
}

// Close tears the session down like Shutdown but leaves the machine running.
func (c *Controller) Close(ctx context.Context) error {
	return c.terminate(ctx, nil)
}

func (c *Controller) terminate(ctx context.Context, powerOff []string) error {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	switch c.state.Current() {
	case StateShuttingDown, StateTerminated:
		return nil
	}
	c.fire(eventShutdown)

	var errs []error
	if c.engine.Current() != nil {
		_, err := bounded(ctx, c.cfg.OpTimeout, func(ctx context.Context) (string, error) {
			return c.engine.StopRecording(ctx)
		}, nil)
		if err != nil {
			errs = append(errs, err)
			c.engine.Reset()
		}
	}
	if dev := c.dev; dev != nil {
		err := boundedDo(ctx, c.cfg.OpTimeout, func(context.Context) error {
			return errors.Join(dev.Stop(), dev.Release())
		})
		if err != nil {
			errs = append(errs, err)
		}
		c.dev = nil
	}
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Errorf("teardown incomplete, shutting down anyway: %s", err)
	}
	c.fire(eventTerminate)
	c.doneOnce.Do(func() { close(c.done) })

	if len(powerOff) > 0 {
		c.logger.Infof("power off: %v", powerOff)
		if lerr := c.launcher.Launch(powerOff); lerr != nil {
			c.logger.Errorf("power off: %s", lerr)
		}
	}

	return err
}

// TryFrame is the preview source. It never waits for the device lock.
func (c *Controller) TryFrame(ctx context.Context) ([]byte, error) {
	switch c.state.Current() {
	case StatePreviewing:
	case StateRecording:
		if c.previewDuringRec.Load() {
			if rec := c.engine.Current(); rec != nil {
				if frame := rec.Latest(); frame != nil {
					return frame, nil
				}
			}
		}
		return nil, preview.ErrUnavailable
	default:
		return nil, preview.ErrUnavailable
	}

	if !c.devMu.TryLock() {
		return nil, preview.ErrUnavailable
	}
	defer c.devMu.Unlock()
	if c.state.Current() != StatePreviewing || c.dev == nil {
		return nil, preview.ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	return c.dev.NextFrame(ctx)
}

func (c *Controller) Status() ov.Status {
	s := ov.Status{
		State:       c.state.Current(),
		CameraIndex: c.Index(),
	}
	if rec := c.engine.Current(); rec != nil {
		s.Recording = rec.View()
	}

	return s
}

func (c *Controller) Cameras() ([]ov.Camera, error) {
	infos, err := c.driver.List()
	if err != nil {
		return nil, err
	}
	res := make([]ov.Camera, 0, len(infos))
	for _, info := range infos {
		res = append(res, ov.Camera{Index: info.Index, Path: info.Path, Name: info.Name})
	}

	return res, nil
}

// recoverLocked re-initializes the current camera once. It returns nil when
// the device is previewing again and ErrDeviceUnrecoverable otherwise.
func (c *Controller) recoverLocked(ctx context.Context, cause error) error {
	c.logger.Errorf("recovering camera %d after: %s", c.Index(), cause)
	c.fire(eventFault)
	c.engine.Reset()
	if c.dev != nil {
		c.releaseLocked(ctx, c.dev)
		c.dev = nil
	}

	// the caller's deadline may already be spent by the failed operation
	dev, err := c.openLocked(context.WithoutCancel(ctx), c.Index())
	if err != nil {
		c.logger.Errorf("re-init camera %d: %s", c.Index(), err)
		c.fire(eventFail)
		return fmt.Errorf("%w: %v; re-init: %v", ErrDeviceUnrecoverable, cause, err)
	}
	c.dev = dev
	c.fire(eventDone)
	c.logger.Infof("camera %d recovered", c.Index())

	return nil
}

func (c *Controller) openLocked(ctx context.Context, index int) (camera.Device, error) {
	return bounded(ctx, c.cfg.OpTimeout, func(context.Context) (camera.Device, error) {
		dev, err := c.driver.Open(index)
		if err != nil {
			return nil, err
		}
		if err = dev.Configure(camera.ProfilePreview); err != nil {
			_ = dev.Release()
			return nil, err
		}
		if err = dev.Start(); err != nil {
			_ = dev.Release()
			return nil, err
		}
		return dev, nil
	}, func(dev camera.Device) {
		_ = dev.Release()
	})
}

func (c *Controller) releaseLocked(ctx context.Context, dev camera.Device) {
	err := boundedDo(context.WithoutCancel(ctx), c.cfg.OpTimeout, func(context.Context) error {
		return dev.Release()
	})
	if err != nil {
		c.logger.Warnf("release camera %d: %s", dev.Index(), err)
	}
}

func (c *Controller) fire(event string) {
	if err := c.state.Event(context.Background(), event); err != nil {
		c.logger.Errorf("state %s: event %s: %s", c.state.Current(), event, err)
	}
}

func (c *Controller) invalid(op string) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, c.state.Current())
}
