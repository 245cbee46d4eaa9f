package session

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rpicam/pkg/camera"
	"rpicam/pkg/capture"
	"rpicam/pkg/preview"
	"rpicam/pkg/storage"
	"rpicam/pkg/types"
	"rpicam/pkg/utils"
	"rpicam/testutil"
)

type harness struct {
	c        *Controller
	engine   *capture.Engine
	driver   *testutil.FakeDriver
	sink     *testutil.FakeSink
	launcher *testutil.FakeLauncher
}

func newHarness(t *testing.T, cfg Config, cameras ...int) *harness {
	t.Helper()
	media, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = 300 * time.Millisecond
	}
	logger := utils.NewLogger()
	h := &harness{
		engine:   capture.New(media, types.Resolution{320, 240}, 15, logger),
		driver:   testutil.NewFakeDriver(cameras...),
		sink:     &testutil.FakeSink{},
		launcher: &testutil.FakeLauncher{},
	}
	h.c = New(cfg, h.driver, h.engine, h.sink, h.launcher, logger)
	t.Cleanup(func() { h.engine.Reset() })

	return h
}

func (h *harness) init(t *testing.T) *testutil.FakeDevice {
	t.Helper()
	if err := h.c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h.driver.Last()
}

func expectState(t *testing.T, c *Controller, want string) {
	t.Helper()
	if got := c.State(); got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestInit(t *testing.T) {
	h := newHarness(t, Config{})
	dev := h.init(t)

	expectState(t, h.c, StatePreviewing)
	if !dev.Started() || dev.Profile() != camera.ProfilePreview {
		t.Fatalf("device started=%v profile=%s", dev.Started(), dev.Profile())
	}
	states := h.sink.States()
	if len(states) == 0 || states[len(states)-1] != StatePreviewing {
		t.Fatalf("rendered states %v", states)
	}
}

func TestInitFailureThenRetry(t *testing.T) {
	h := newHarness(t, Config{})
	h.driver.FailOpen(0, errors.New("no such device"))

	if err := h.c.Init(context.Background()); !errors.Is(err, ErrDeviceUnrecoverable) {
		t.Fatalf("err = %v", err)
	}
	expectState(t, h.c, StateUnavailable)
	if _, err := h.c.TryFrame(context.Background()); !errors.Is(err, preview.ErrUnavailable) {
		t.Fatalf("TryFrame err = %v", err)
	}
	if _, err := h.c.CapturePhoto(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("capture err = %v", err)
	}

	h.driver.FailOpen(0, nil)
	if err := h.c.SwitchDevice(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	expectState(t, h.c, StatePreviewing)
}

func TestCapturePhotoNamesAreUniqueAndOrdered(t *testing.T) {
	h := newHarness(t, Config{})
	h.init(t)

	seen := map[string]bool{}
	var last int64
	for i := 0; i < 5; i++ {
		path, err := h.c.CapturePhoto(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		name := filepath.Base(path)
		if seen[name] {
			t.Fatalf("duplicate %s", name)
		}
		seen[name] = true

		stamp := strings.TrimSuffix(strings.TrimPrefix(name, "photo_"), ".jpg")
		stamp, _, _ = strings.Cut(stamp, "_")
		ts, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			t.Fatal(err)
		}
		if ts < last {
			t.Fatalf("timestamp went backwards in %s", name)
		}
		last = ts
	}
	expectState(t, h.c, StatePreviewing)
}

func TestCapturePhotoWhileRecording(t *testing.T) {
	h := newHarness(t, Config{})
	h.init(t)
	if _, err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := h.c.CapturePhoto(context.Background())
	if !errors.Is(err, capture.ErrBusyRecording) || !errors.Is(err, capture.ErrCaptureFailed) {
		t.Fatalf("err = %v", err)
	}
	expectState(t, h.c, StateRecording)
}

func TestStartRecordingTwice(t *testing.T) {
	h := newHarness(t, Config{})
	h.init(t)
	path, err := h.c.StartRecording(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec := h.engine.Current()

	if _, err = h.c.StartRecording(context.Background()); !errors.Is(err, capture.ErrAlreadyRecording) {
		t.Fatalf("err = %v", err)
	}
	if h.engine.Current() != rec || rec.Path() != path || rec.State() != capture.Recording {
		t.Fatal("existing session disturbed")
	}
	expectState(t, h.c, StateRecording)
}

func TestStopRecordingIdle(t *testing.T) {
	h := newHarness(t, Config{})
	h.init(t)

	if _, err := h.c.StopRecording(context.Background()); !errors.Is(err, capture.ErrNotRecording) {
		t.Fatalf("err = %v", err)
	}
	expectState(t, h.c, StatePreviewing)
}

func TestRecordingRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	dev := h.init(t)

	started, err := h.c.StartRecording(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st := h.c.Status(); st.Recording == nil || st.Recording.State != "recording" {
		t.Fatalf("status %+v", st)
	}
	stopped, err := h.c.StopRecording(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if started != stopped || !strings.HasPrefix(filepath.Base(stopped), "video_") {
		t.Fatalf("start %s stop %s", started, stopped)
	}
	expectState(t, h.c, StatePreviewing)
	if dev.Profile() != camera.ProfilePreview {
		t.Fatalf("profile = %s", dev.Profile())
	}
}

func TestStopRecordingHangRecovers(t *testing.T) {
	h := newHarness(t, Config{})
	dev := h.init(t)
	if _, err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	release := dev.Hang()
	defer release()

	_, err := h.c.StopRecording(context.Background())
	if !errors.Is(err, capture.ErrRecordingStopFailed) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	expectState(t, h.c, StatePreviewing)
	if !dev.Released() {
		t.Fatal("wedged device not released")
	}
	fresh := h.driver.Last()
	if fresh == dev || !fresh.Started() {
		t.Fatal("device not re-initialized")
	}
	if h.engine.Current() != nil {
		t.Fatal("failed session kept after recovery")
	}
}

func TestStopRecordingRestoreFailureRecovers(t *testing.T) {
	h := newHarness(t, Config{})
	dev := h.init(t)
	if _, err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	dev.FailConfigure(camera.ProfilePreview, errors.New("wedged"))

	path, err := h.c.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("video saved and device recovered, got %v", err)
	}
	if path == "" {
		t.Fatal("no path for saved video")
	}
	expectState(t, h.c, StatePreviewing)
}

func TestStopRecordingUnrecoverable(t *testing.T) {
	h := newHarness(t, Config{})
	dev := h.init(t)
	if _, err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	release := dev.Hang()
	defer release()
	h.driver.FailOpen(0, errors.New("gone"))

	if _, err := h.c.StopRecording(context.Background()); !errors.Is(err, ErrDeviceUnrecoverable) {
		t.Fatalf("err = %v", err)
	}
	expectState(t, h.c, StateUnavailable)
	if _, err := h.c.TryFrame(context.Background()); !errors.Is(err, preview.ErrUnavailable) {
		t.Fatalf("TryFrame err = %v", err)
	}

	// a fresh switch brings the camera back
	h.driver.FailOpen(0, nil)
	if err := h.c.SwitchDevice(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	expectState(t, h.c, StatePreviewing)
}

func TestCaptureTimeoutRecovers(t *testing.T) {
	h := newHarness(t, Config{})
	dev := h.init(t)
	release := dev.Hang()
	defer release()

	_, err := h.c.CapturePhoto(context.Background())
	if !errors.Is(err, capture.ErrCaptureFailed) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	expectState(t, h.c, StatePreviewing)
	if h.driver.Last() == dev {
		t.Fatal("device not re-initialized")
	}
}

func TestCaptureFailureKeepsDevice(t *testing.T) {
	h := newHarness(t, Config{})
	dev := h.init(t)
	dev.FailConfigure(camera.ProfileStill, errors.New("unsupported"))

	if _, err := h.c.CapturePhoto(context.Background()); !errors.Is(err, capture.ErrCaptureFailed) {
		t.Fatalf("err = %v", err)
	}
	expectState(t, h.c, StatePreviewing)
	if h.driver.Last() != dev || dev.Released() {
		t.Fatal("recoverable failure replaced the device")
	}
}

func TestSwitchDevice(t *testing.T) {
	h := newHarness(t, Config{}, 0, 1)
	old := h.init(t)
	var persisted atomic.Int64
	persisted.Store(-1)
	h.c.OnSwitch(func(index int) { persisted.Store(int64(index)) })

	if err := h.c.SwitchDevice(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	expectState(t, h.c, StatePreviewing)
	if h.c.Index() != 1 || persisted.Load() != 1 {
		t.Fatalf("index %d persisted %d", h.c.Index(), persisted.Load())
	}
	if !old.Released() || !h.driver.Last().Started() {
		t.Fatal("old device kept or new device not started")
	}
}

func TestSwitchDeviceFallback(t *testing.T) {
	h := newHarness(t, Config{}, 0, 1)
	old := h.init(t)

	err := h.c.SwitchDevice(context.Background(), 5)
	if !errors.Is(err, camera.ErrDeviceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	expectState(t, h.c, StatePreviewing)
	if h.c.Index() != 0 || old.Released() || !old.Started() {
		t.Fatal("old device not restored")
	}
	if _, err = h.c.CapturePhoto(context.Background()); err != nil {
		t.Fatalf("old device unusable: %v", err)
	}
}

func TestSwitchDeviceFallbackFails(t *testing.T) {
	h := newHarness(t, Config{}, 0, 1)
	old := h.init(t)
	old.FailStart(errors.New("wedged"))

	if err := h.c.SwitchDevice(context.Background(), 5); !errors.Is(err, ErrDeviceUnrecoverable) {
		t.Fatalf("err = %v", err)
	}
	expectState(t, h.c, StateUnavailable)
	if err := h.c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown from unavailable: %v", err)
	}
	expectState(t, h.c, StateTerminated)
}

func TestSwitchWhileRecording(t *testing.T) {
	h := newHarness(t, Config{}, 0, 1)
	h.init(t)
	if _, err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.c.SwitchDevice(context.Background(), 1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v", err)
	}
	expectState(t, h.c, StateRecording)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, Config{PowerOffCommand: []string{"sudo", "shutdown", "-h", "now"}})
	dev := h.init(t)
	if _, err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	var closed atomic.Bool
	h.c.AddCloser(closerFunc(func() error {
		if len(h.launcher.Launched()) != 0 {
			t.Error("power off launched before teardown")
		}
		closed.Store(true)
		return nil
	}))

	if err := h.c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	expectState(t, h.c, StateTerminated)
	select {
	case <-h.c.Done():
	default:
		t.Fatal("done not closed")
	}
	if !closed.Load() || !dev.Released() || h.engine.Current() != nil {
		t.Fatal("teardown incomplete")
	}
	launched := h.launcher.Launched()
	if len(launched) != 1 || launched[0][1] != "shutdown" {
		t.Fatalf("launched %v", launched)
	}
	if err := h.c.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if len(h.launcher.Launched()) != 1 {
		t.Fatal("power off launched twice")
	}
}

func TestShutdownTeardownFailure(t *testing.T) {
	h := newHarness(t, Config{PowerOffCommand: []string{"poweroff"}})
	h.init(t)
	h.c.AddCloser(closerFunc(func() error { return errors.New("gpio busy") }))

	if err := h.c.Shutdown(context.Background()); err == nil {
		t.Fatal("teardown error not reported")
	}
	expectState(t, h.c, StateTerminated)
	if len(h.launcher.Launched()) != 1 {
		t.Fatal("power off skipped after failed teardown")
	}
}

func TestCloseDoesNotPowerOff(t *testing.T) {
	h := newHarness(t, Config{PowerOffCommand: []string{"poweroff"}})
	dev := h.init(t)

	if err := h.c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	expectState(t, h.c, StateTerminated)
	if !dev.Released() || len(h.launcher.Launched()) != 0 {
		t.Fatal("close must release the camera without powering off")
	}
}

func TestTryFrameDuringRecording(t *testing.T) {
	h := newHarness(t, Config{})
	h.init(t)
	if _, err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := h.c.TryFrame(context.Background()); !errors.Is(err, preview.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}

	h.c.SetPreviewDuringRecording(true)
	deadline := time.Now().Add(2 * time.Second)
	for {
		frame, err := h.c.TryFrame(context.Background())
		if err == nil && len(frame) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no recorder frame: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTryFrameSkipsWhileLocked(t *testing.T) {
	h := newHarness(t, Config{})
	h.init(t)

	h.c.devMu.Lock()
	_, err := h.c.TryFrame(context.Background())
	h.c.devMu.Unlock()
	if !errors.Is(err, preview.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if _, err = h.c.TryFrame(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestPreviewNeverReadsDuringReconfigure(t *testing.T) {
	h := newHarness(t, Config{OpTimeout: 2 * time.Second})
	h.driver.OnOpen(func(d *testutil.FakeDevice) { d.SlowConfigure(10 * time.Millisecond) })
	h.init(t)

	loop := preview.New(h.c, h.sink, types.Resolution{16, 12}, 200, utils.NewLogger())
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	for i := 0; i < 5; i++ {
		if _, err := h.c.CapturePhoto(context.Background()); err != nil {
			t.Fatal(err)
		}
		if _, err := h.c.StartRecording(context.Background()); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
		if _, err := h.c.StopRecording(context.Background()); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	for _, dev := range h.driver.Opened() {
		if v := dev.Violations(); v != 0 {
			t.Fatalf("camera %d: %d frames read mid-reconfigure", dev.Index(), v)
		}
	}
	if h.sink.Frames() == 0 {
		t.Fatal("preview published nothing")
	}
}

func TestCommandProcessor(t *testing.T) {
	h := newHarness(t, Config{})
	h.init(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.c.Run(ctx)

	res, err := h.c.Do(ctx, Command{Kind: CmdCapture})
	if err != nil || res.Err != nil || res.Path == "" {
		t.Fatalf("capture: %+v %v", res, err)
	}
	res, _ = h.c.Do(ctx, Command{Kind: CmdToggleRecord})
	if res.Err != nil || !res.Recording {
		t.Fatalf("record start: %+v", res)
	}
	res, _ = h.c.Do(ctx, Command{Kind: CmdCapture})
	if !errors.Is(res.Err, capture.ErrBusyRecording) {
		t.Fatalf("capture while recording: %+v", res)
	}
	res, _ = h.c.Do(ctx, Command{Kind: CmdToggleRecord})
	if res.Err != nil || res.Recording || !strings.HasPrefix(filepath.Base(res.Path), "video_") {
		t.Fatalf("record stop: %+v", res)
	}

	statuses := h.sink.Statuses()
	if len(statuses) != 4 {
		t.Fatalf("statuses %+v", statuses)
	}
	if !strings.HasPrefix(statuses[0].Text, "Photo saved: photo_") || statuses[0].IsError {
		t.Errorf("status[0] = %+v", statuses[0])
	}
	if statuses[1] != (testutil.Status{Text: "Recording started"}) {
		t.Errorf("status[1] = %+v", statuses[1])
	}
	if statuses[2] != (testutil.Status{Text: "Stop recording before taking a photo", IsError: true}) {
		t.Errorf("status[2] = %+v", statuses[2])
	}
	if !strings.HasPrefix(statuses[3].Text, "Video saved: video_") {
		t.Errorf("status[3] = %+v", statuses[3])
	}

	if !h.c.Post(Command{Kind: CmdShutdown}) {
		t.Fatal("post refused")
	}
	select {
	case <-h.c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown command not processed")
	}
	if h.c.Post(Command{Kind: CmdCapture}) {
		t.Fatal("post accepted after termination")
	}
}

func TestClockTapCommand(t *testing.T) {
	var clock atomic.Int64
	h := newHarness(t, Config{AuxCommand: []string{"lxpanelctl", "menu"}})
	h.c.now = func() time.Time { return time.Unix(0, clock.Load()) }
	h.init(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.c.Run(ctx)

	tap := func(at time.Duration) {
		clock.Store(int64(time.Hour + at))
		if _, err := h.c.Do(ctx, Command{Kind: CmdClockTap}); err != nil {
			t.Fatal(err)
		}
	}
	for _, at := range []time.Duration{0, 500 * time.Millisecond, time.Second, 1500 * time.Millisecond, 2 * time.Second} {
		tap(at)
	}
	if got := h.launcher.Launched(); len(got) != 1 || got[0][0] != "lxpanelctl" {
		t.Fatalf("launched %v", got)
	}

	h.launcher.Fail(errors.New("not found"))
	for i := 0; i < 5; i++ {
		tap(10*time.Second + time.Duration(i)*100*time.Millisecond)
	}
	statuses := h.sink.Statuses()
	if last := statuses[len(statuses)-1]; last.Text != "Failed to launch menu" || !last.IsError {
		t.Fatalf("status %+v", last)
	}
	expectState(t, h.c, StatePreviewing)
}
