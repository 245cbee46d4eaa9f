// Package testutil holds in-memory camera, sink and launcher fakes shared by
// package tests.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"rpicam/pkg/camera"
)

// JPEG is a small valid frame returned by FakeDevice.
var JPEG = func() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for x := 0; x < 32; x++ {
		for y := 0; y < 24; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 10), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

// FakeDevice is an in-memory camera. It counts frame pulls that happen while
// Configure is running so tests can detect torn reads.
type FakeDevice struct {
	index int

	lock         sync.Mutex
	profile      camera.Profile
	started      bool
	released     bool
	configureErr map[camera.Profile]error
	startErr     error
	frameErr     error
	hang         chan struct{}
	delay        time.Duration
	configures   []camera.Profile

	reconfiguring atomic.Bool
	frames        atomic.Int64
	violations    atomic.Int64
}

func NewFakeDevice(index int) *FakeDevice {
	return &FakeDevice{
		index:        index,
		profile:      camera.ProfilePreview,
		configureErr: make(map[camera.Profile]error),
	}
}

func (d *FakeDevice) Index() int {
	return d.index
}

func (d *FakeDevice) Profile() camera.Profile {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.profile
}

func (d *FakeDevice) Configure(p camera.Profile) error {
	d.lock.Lock()
	if d.released {
		d.lock.Unlock()
		return camera.ErrDeviceClosed
	}
	err := d.configureErr[p]
	hang, delay := d.hang, d.delay
	d.configures = append(d.configures, p)
	d.lock.Unlock()

	d.reconfiguring.Store(true)
	defer d.reconfiguring.Store(false)
	if hang != nil {
		<-hang
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", camera.ErrConfiguration, err)
	}

	d.lock.Lock()
	d.profile = p
	d.lock.Unlock()
	return nil
}

func (d *FakeDevice) Start() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.released {
		return camera.ErrDeviceClosed
	}
	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	return nil
}

func (d *FakeDevice) Stop() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.started = false
	return nil
}

func (d *FakeDevice) Release() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.started = false
	d.released = true
	return nil
}

func (d *FakeDevice) NextFrame(ctx context.Context) ([]byte, error) {
	if d.reconfiguring.Load() {
		d.violations.Add(1)
	}
	d.lock.Lock()
	released, started, err := d.released, d.started, d.frameErr
	d.lock.Unlock()
	switch {
	case released:
		return nil, camera.ErrDeviceClosed
	case !started:
		return nil, camera.ErrNotStarted
	case err != nil:
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.frames.Add(1)
	// pace like a 200fps sensor so recorder loops do not spin
	time.Sleep(5 * time.Millisecond)

	return append([]byte(nil), JPEG...), nil
}

// FailConfigure makes every Configure(p) fail with err. A nil err clears it.
func (d *FakeDevice) FailConfigure(p camera.Profile, err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err == nil {
		delete(d.configureErr, p)
		return
	}
	d.configureErr[p] = err
}

func (d *FakeDevice) FailStart(err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.startErr = err
}

func (d *FakeDevice) FailFrames(err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.frameErr = err
}

// Hang blocks Configure until the returned func is called.
func (d *FakeDevice) Hang() (release func()) {
	ch := make(chan struct{})
	d.lock.Lock()
	d.hang = ch
	d.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.lock.Lock()
			d.hang = nil
			d.lock.Unlock()
			close(ch)
		})
	}
}

// SlowConfigure makes every Configure take at least delay.
func (d *FakeDevice) SlowConfigure(delay time.Duration) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.delay = delay
}

func (d *FakeDevice) Started() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.started
}

func (d *FakeDevice) Released() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.released
}

func (d *FakeDevice) Configures() []camera.Profile {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]camera.Profile(nil), d.configures...)
}

func (d *FakeDevice) Frames() int64 {
	return d.frames.Load()
}

// Violations counts frames pulled while a Configure call was in progress.
func (d *FakeDevice) Violations() int64 {
	return d.violations.Load()
}

// FakeDriver hands out a fresh FakeDevice on every Open.
type FakeDriver struct {
	lock    sync.Mutex
	cameras []int
	openErr map[int]error
	setup   func(*FakeDevice)
	opened  []*FakeDevice
}

func NewFakeDriver(indexes ...int) *FakeDriver {
	if len(indexes) == 0 {
		indexes = []int{0}
	}
	return &FakeDriver{
		cameras: indexes,
		openErr: make(map[int]error),
	}
}

func (d *FakeDriver) List() ([]camera.Info, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	res := make([]camera.Info, 0, len(d.cameras))
	for _, idx := range d.cameras {
		res = append(res, camera.Info{
			Index: idx,
			Path:  fmt.Sprintf("/dev/video%d", idx),
			Name:  fmt.Sprintf("Fake Camera %d", idx),
		})
	}
	return res, nil
}

func (d *FakeDriver) Open(index int) (camera.Device, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err := d.openErr[index]; err != nil {
		return nil, fmt.Errorf("%w: camera %d: %v", camera.ErrDeviceUnavailable, index, err)
	}
	found := false
	for _, idx := range d.cameras {
		found = found || idx == index
	}
	if !found {
		return nil, fmt.Errorf("%w: camera %d", camera.ErrDeviceUnavailable, index)
	}
	dev := NewFakeDevice(index)
	if d.setup != nil {
		d.setup(dev)
	}
	d.opened = append(d.opened, dev)

	return dev, nil
}

// FailOpen makes Open(index) fail. A nil err clears it.
func (d *FakeDriver) FailOpen(index int, err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err == nil {
		delete(d.openErr, index)
		return
	}
	d.openErr[index] = err
}

// OnOpen runs f on every device opened from now on.
func (d *FakeDriver) OnOpen(f func(*FakeDevice)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.setup = f
}

func (d *FakeDriver) Opened() []*FakeDevice {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]*FakeDevice(nil), d.opened...)
}

// Last returns the most recently opened device, or nil.
func (d *FakeDriver) Last() *FakeDevice {
	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.opened) == 0 {
		return nil
	}
	return d.opened[len(d.opened)-1]
}
