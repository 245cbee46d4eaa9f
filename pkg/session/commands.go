package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"rpicam/pkg/camera"
	"rpicam/pkg/capture"
)

type CommandKind int

const (
	CmdCapture CommandKind = iota
	CmdToggleRecord
	CmdSwitchCamera
	CmdClockTap
	CmdShutdown
)

func (k CommandKind) String() string {
	switch k {
	case CmdCapture:
		return "capture"
	case CmdToggleRecord:
		return "toggle-record"
	case CmdSwitchCamera:
		return "switch-camera"
	case CmdClockTap:
		return "clock-tap"
	case CmdShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

type Command struct {
	Kind CommandKind
	// Index is the camera for CmdSwitchCamera.
	Index int

	reply chan Result
}

type Result struct {
	// Path of the photo or video produced by the command, if any.
	Path string
	// Recording reports whether a recording is running after the command.
	Recording bool
	Err       error
}

// Post queues cmd without waiting. It reports false when the queue is full
// or the controller has terminated.
func (c *Controller) Post(cmd Command) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.cmds <- cmd:
		return true
	default:
		c.logger.Warnf("command queue full, dropping %s", cmd.Kind)
		return false
	}
}

// Do queues cmd and waits for its result.
func (c *Controller) Do(ctx context.Context, cmd Command) (Result, error) {
	cmd.reply = make(chan Result, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return Result{}, fmt.Errorf("%w: terminated", ErrInvalidState)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run processes commands one at a time until ctx is done or the controller
// terminates. Input sources never call device operations directly.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case cmd := <-c.cmds:
			res := c.handle(ctx, cmd)
			if cmd.reply != nil {
				cmd.reply <- res
			}
		}
	}
}

func (c *Controller) handle(ctx context.Context, cmd Command) Result {
	c.logger.Debugf("command %s", cmd.Kind)
	var res Result
	switch cmd.Kind {
	case CmdCapture:
		res.Path, res.Err = c.CapturePhoto(ctx)
		if res.Err == nil {
			c.notify("Photo saved: " + filepath.Base(res.Path))
		}
	case CmdToggleRecord:
		if c.State() == StateRecording {
			res.Path, res.Err = c.StopRecording(ctx)
			if res.Err == nil {
				c.notify("Video saved: " + filepath.Base(res.Path))
			}
		} else {
			res.Path, res.Err = c.StartRecording(ctx)
			if res.Err == nil {
				c.notify("Recording started")
			}
		}
	case CmdSwitchCamera:
		res.Err = c.SwitchDevice(ctx, cmd.Index)
		if res.Err == nil {
			c.notify(fmt.Sprintf("Camera %d selected", c.Index()))
		}
	case CmdClockTap:
		res.Err = c.clockTap()
	case CmdShutdown:
		res.Err = c.Shutdown(ctx)
	default:
		res.Err = fmt.Errorf("%w: unknown command %d", ErrInvalidState, int(cmd.Kind))
	}
	res.Recording = c.State() == StateRecording

	if res.Err != nil {
		c.logger.Errorf("%s: %s", cmd.Kind, res.Err)
		if cmd.Kind != CmdShutdown {
			c.sink.RenderStatus(Message(res.Err), true)
		}
	}

	return res
}

func (c *Controller) clockTap() error {
	if !c.taps.Tap(c.now()) {
		return nil
	}
	if len(c.cfg.AuxCommand) == 0 {
		return nil
	}
	c.logger.Infof("tap gesture, launching %v", c.cfg.AuxCommand)
	if err := c.launcher.Launch(c.cfg.AuxCommand); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	return nil
}

func (c *Controller) notify(text string) {
	c.sink.RenderStatus(text, false)
}

// Message turns an operation error into the text shown to the user.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrDeviceUnrecoverable):
		return "Camera unavailable"
	case errors.Is(err, ErrTimeout):
		return "Camera not responding"
	case errors.Is(err, ErrLaunch):
		return "Failed to launch menu"
	case errors.Is(err, capture.ErrBusyRecording):
		return "Stop recording before taking a photo"
	case errors.Is(err, capture.ErrAlreadyRecording):
		return "Already recording"
	case errors.Is(err, capture.ErrNotRecording):
		return "Not recording"
	case errors.Is(err, capture.ErrCaptureFailed):
		return "Failed to capture photo"
	case errors.Is(err, capture.ErrRecordingStartFailed):
		return "Failed to start recording"
	case errors.Is(err, capture.ErrRecordingStopFailed):
		return "Failed to stop recording"
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return "Camera not found"
	case errors.Is(err, ErrInvalidState):
		return "Camera busy"
	}
	return err.Error()
}
