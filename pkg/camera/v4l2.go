package camera

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/zap"

	"rpicam/pkg/types"
)

const (
	DefaultDevicePattern = "/dev/video%d"

	// time for the go4vl stream goroutine to observe ctx.Done and stop
	// before Close runs
	streamSettle = 100 * time.Millisecond
	busyRetries  = 5
	busyBackoff  = 150 * time.Millisecond
)

// Mode is the capture format used for one profile.
type Mode struct {
	Width  int
	Height int
	FPS    int
}

type Modes map[Profile]Mode

// V4L2Driver opens /dev/videoN nodes through go4vl.
type V4L2Driver struct {
	ctx         context.Context
	pattern     string
	pixelFormat v4l2.FourCCType
	modes       Modes
	settings    types.CameraSettings
	logger      *zap.SugaredLogger
}

type V4L2Option func(*V4L2Driver)

func WithDevicePattern(pattern string) V4L2Option {
	return func(d *V4L2Driver) { d.pattern = pattern }
}

// WithPixelFormat selects "JPEG" or "MJPEG" output.
func WithPixelFormat(name string) V4L2Option {
	return func(d *V4L2Driver) {
		if strings.EqualFold(name, "MJPEG") {
			d.pixelFormat = v4l2.PixelFmtMJPEG
		} else {
			d.pixelFormat = v4l2.PixelFmtJPEG
		}
	}
}

func WithSettings(settings types.CameraSettings) V4L2Option {
	return func(d *V4L2Driver) { d.settings = maps.Clone(settings) }
}

func NewV4L2Driver(ctx context.Context, modes Modes, logger *zap.SugaredLogger, opts ...V4L2Option) *V4L2Driver {
	d := &V4L2Driver{
		ctx:         ctx,
		pattern:     DefaultDevicePattern,
		pixelFormat: v4l2.PixelFmtJPEG,
		modes:       maps.Clone(modes),
		settings:    make(types.CameraSettings),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *V4L2Driver) List() ([]Info, error) {
	paths, err := filepath.Glob(strings.Replace(d.pattern, "%d", "*", 1))
	if err != nil {
		return nil, err
	}
	var res []Info
	for _, p := range paths {
		var idx int
		if _, err := fmt.Sscanf(p, d.pattern, &idx); err != nil {
			continue
		}
		res = append(res, Info{Index: idx, Path: p, Name: sysfsName(p)})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Index < res[j].Index })

	return res, nil
}

func sysfsName(devPath string) string {
	data, err := os.ReadFile(filepath.Join("/sys/class/video4linux", filepath.Base(devPath), "name"))
	if err != nil {
		return "Camera " + strings.TrimPrefix(filepath.Base(devPath), "video")
	}
	return strings.TrimSpace(string(data))
}

func (d *V4L2Driver) Open(index int) (Device, error) {
	devName := fmt.Sprintf(d.pattern, index)
	if _, err := os.Stat(devName); err != nil {
		return nil, fmt.Errorf("%w: camera %d: %v", ErrDeviceUnavailable, index, err)
	}
	c := &V4L2Device{
		driver:  d,
		index:   index,
		devName: devName,
		profile: ProfilePreview,
		logger:  d.logger.With("device", devName),
	}
	// acquire once so a busy or missing node fails here rather than on Start
	if err := c.open(ProfilePreview); err != nil {
		return nil, fmt.Errorf("%w: camera %d: %v", ErrDeviceUnavailable, index, err)
	}

	return c, nil
}

// V4L2Device is a go4vl device that is reopened whenever its format changes,
// since the format cannot be switched while buffers are mapped.
type V4L2Device struct {
	driver  *V4L2Driver
	index   int
	devName string
	logger  *zap.SugaredLogger

	lock     sync.Mutex
	camera   *device.Device
	cancel   context.CancelFunc
	frames   <-chan []byte
	profile  Profile
	started  bool
	released bool
}

func (c *V4L2Device) Index() int {
	return c.index
}

func (c *V4L2Device) Profile() Profile {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.profile
}

func (c *V4L2Device) Configure(p Profile) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.released {
		return ErrDeviceClosed
	}
	mode, ok := c.driver.modes[p]
	if !ok {
		return fmt.Errorf("%w: no mode for %s profile", ErrConfiguration, p)
	}
	if cur, ok := c.driver.modes[c.profile]; ok && cur == mode && c.camera != nil {
		c.profile = p
		return nil
	}

	wasStarted := c.started
	if err := c.closeLocked(); err != nil {
		c.logger.Warnf("close before reconfigure: %s", err)
	}
	c.logger.Infof("configure %s profile %dx%d", p, mode.Width, mode.Height)
	if err := c.openRetry(p); err != nil {
		return fmt.Errorf("%w: %s %dx%d: %v", ErrConfiguration, p, mode.Width, mode.Height, err)
	}
	c.profile = p
	if wasStarted {
		return c.startLocked()
	}

	return nil
}

func (c *V4L2Device) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.released {
		return ErrDeviceClosed
	}
	if c.started {
		return nil
	}
	if c.camera == nil {
		if err := c.openRetry(c.profile); err != nil {
			return err
		}
	}

	return c.startLocked()
}

func (c *V4L2Device) Stop() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.released {
		return nil
	}

	return c.closeLocked()
}

func (c *V4L2Device) Release() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.released {
		return nil
	}
	c.released = true

	return c.closeLocked()
}

func (c *V4L2Device) NextFrame(ctx context.Context) ([]byte, error) {
	c.lock.Lock()
	if c.released {
		c.lock.Unlock()
		return nil, ErrDeviceClosed
	}
	frames := c.frames
	c.lock.Unlock()
	if frames == nil {
		return nil, ErrNotStarted
	}

	select {
	case frame, ok := <-frames:
		if !ok {
			return nil, fmt.Errorf("%w: stream closed", ErrNotStarted)
		}
		return append([]byte(nil), frame...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *V4L2Device) open(p Profile) error {
	mode, ok := c.driver.modes[p]
	if !ok {
		return fmt.Errorf("%w: no mode for %s profile", ErrConfiguration, p)
	}
	opts := []device.Option{
		device.WithBufferSize(1),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: c.driver.pixelFormat,
			Width:       uint32(mode.Width),
			Height:      uint32(mode.Height),
			Field:       v4l2.FieldNone,
		}),
	}
	if mode.FPS > 0 {
		opts = append(opts, device.WithFPS(uint32(mode.FPS)))
	}
	camera, err := device.Open(c.devName, opts...)
	if err != nil {
		return err
	}

	format, err := v4l2.GetPixFormat(camera.Fd())
	if err != nil {
		_ = camera.Close()
		return err
	}
	if int(format.Width) != mode.Width || int(format.Height) != mode.Height {
		_ = camera.Close()
		return fmt.Errorf("%w: driver adjusted %dx%d to %dx%d",
			ErrConfiguration, mode.Width, mode.Height, format.Width, format.Height)
	}
	c.camera = camera

	return nil
}

// openRetry reopens the node, retrying while the driver still reports
// EBUSY from the previous stream.
func (c *V4L2Device) openRetry(p Profile) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		if err = c.open(p); err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		c.logger.Warnf("device busy, will retry %d/%d: %s", i+1, busyRetries, err)
		time.Sleep(busyBackoff)
	}
	return err
}

func (c *V4L2Device) startLocked() error {
	ctx, cancel := context.WithCancel(c.driver.ctx)
	if err := c.camera.Start(ctx); err != nil {
		cancel()
		return err
	}
	c.cancel = cancel
	c.frames = c.camera.GetOutput()
	c.started = true
	if err := applyControls(c.camera, c.driver.settings, c.logger); err != nil {
		c.logger.Warnf("apply controls: %s", err)
	}

	return nil
}

func (c *V4L2Device) closeLocked() error {
	if c.cancel != nil {
		c.cancel()
		time.Sleep(streamSettle)
		c.cancel = nil
	}
	c.started = false
	c.frames = nil
	if c.camera != nil {
		err := c.camera.Close()
		c.camera = nil
		return err
	}

	return nil
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EBUSY) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "busy") || strings.Contains(s, "ebusy")
}
