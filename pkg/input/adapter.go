package input

import (
	"context"

	"go.uber.org/zap"

	"rpicam/pkg/session"
)

// Commander is the command side of the session controller.
type Commander interface {
	Post(cmd session.Command) bool
	Do(ctx context.Context, cmd session.Command) (session.Result, error)
}

// Adapter turns button presses into controller commands. Presses never call
// the device directly, so a GPIO edge arriving during a touch handler cannot
// re-enter an operation.
type Adapter struct {
	ctl    Commander
	logger *zap.SugaredLogger
}

func NewAdapter(ctl Commander, logger *zap.SugaredLogger) *Adapter {
	return &Adapter{ctl: ctl, logger: logger}
}

func (a *Adapter) OnCaptureButton() {
	a.post(session.Command{Kind: session.CmdCapture})
}

func (a *Adapter) OnRecordButton() {
	a.post(session.Command{Kind: session.CmdToggleRecord})
}

func (a *Adapter) OnPhysicalButtonPress() {
	a.post(session.Command{Kind: session.CmdCapture})
}

func (a *Adapter) OnClockTap() {
	a.post(session.Command{Kind: session.CmdClockTap})
}

func (a *Adapter) OnSwitchCameraRequested(index int) {
	a.post(session.Command{Kind: session.CmdSwitchCamera, Index: index})
}

func (a *Adapter) OnShutdownRequested() {
	a.post(session.Command{Kind: session.CmdShutdown})
}

// Submit queues cmd and waits for the controller to run it.
func (a *Adapter) Submit(ctx context.Context, cmd session.Command) (session.Result, error) {
	return a.ctl.Do(ctx, cmd)
}

func (a *Adapter) post(cmd session.Command) {
	if !a.ctl.Post(cmd) {
		a.logger.Warnf("input: %s dropped", cmd.Kind)
	}
}
