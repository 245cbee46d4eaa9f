package input

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const (
	DefaultDebounce = 2 * time.Second
	edgePoll        = 500 * time.Millisecond
)

// Pin is the part of a periph GPIO pin the button needs.
type Pin interface {
	WaitForEdge(timeout time.Duration) bool
	Halt() error
}

// OpenPin configures BCM pin n as a pulled-up input reporting falling edges,
// i.e. a button wired to ground.
func OpenPin(n int) (gpio.PinIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpio init: %w", err)
	}
	name := fmt.Sprintf("GPIO%d", n)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio: no pin %s", name)
	}
	if err := p.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("gpio: configure %s: %w", name, err)
	}

	return p, nil
}

// Button calls onPress for each press, ignoring presses within debounce of
// the last accepted one.
type Button struct {
	pin      Pin
	debounce time.Duration
	onPress  func()
	now      func() time.Time
	logger   *zap.SugaredLogger
}

func NewButton(pin Pin, onPress func(), logger *zap.SugaredLogger) *Button {
	return &Button{
		pin:      pin,
		debounce: DefaultDebounce,
		onPress:  onPress,
		now:      time.Now,
		logger:   logger,
	}
}

// Run watches the pin until ctx is done.
func (b *Button) Run(ctx context.Context) {
	var last time.Time
	for ctx.Err() == nil {
		if !b.pin.WaitForEdge(edgePoll) {
			continue
		}
		now := b.now()
		if !last.IsZero() && now.Sub(last) < b.debounce {
			b.logger.Debug("gpio: press ignored (debounce)")
			continue
		}
		last = now
		b.logger.Info("gpio: button pressed")
		b.onPress()
	}
}

// Close releases the pin.
func (b *Button) Close() error {
	return b.pin.Halt()
}
