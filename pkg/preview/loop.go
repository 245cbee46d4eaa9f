package preview

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rpicam/pkg/ov"
	"rpicam/pkg/types"
	imageutil "rpicam/pkg/utils/image"
)

// ErrUnavailable is returned by a Source that cannot hand out a frame right
// now (device busy, recording, no camera). The tick is skipped without backoff.
var ErrUnavailable = errors.New("preview unavailable")

const DefaultBackoff = time.Second

type Source interface {
	TryFrame(ctx context.Context) ([]byte, error)
}

type Sink interface {
	RenderFrame(img image.Image)
}

// Loop pulls one frame per tick, scales it to the display size and publishes
// it. Errors are logged and followed by a backoff; they never end the loop.
type Loop struct {
	src     Source
	sink    Sink
	size    types.Resolution
	t       *time.Ticker
	backoff time.Duration
	logger  *zap.SugaredLogger

	published atomic.Uint64
	skipped   atomic.Uint64
	errors    atomic.Uint64
}

func New(src Source, sink Sink, size types.Resolution, fps int, logger *zap.SugaredLogger) *Loop {
	return &Loop{
		src:     src,
		sink:    sink,
		size:    size,
		t:       time.NewTicker(interval(fps)),
		backoff: DefaultBackoff,
		logger:  logger,
	}
}

func interval(fps int) time.Duration {
	if fps <= 0 {
		fps = 1
	}
	return time.Second / time.Duration(fps)
}

// SetFPS changes the cadence of a running loop.
func (l *Loop) SetFPS(fps int) {
	l.t.Reset(interval(fps))
	l.logger.Infof("preview: cadence set to %d fps", fps)
}

// Run blocks until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	defer l.t.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("preview: stopped")
			return
		case <-l.t.C:
			err := l.tick(ctx)
			if err == nil || ctx.Err() != nil {
				continue
			}
			l.errors.Add(1)
			l.logger.Warnf("preview: %s, retry in %s", err, l.backoff)
			select {
			case <-ctx.Done():
			case <-time.After(l.backoff):
			}
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	frame, err := l.src.TryFrame(ctx)
	if errors.Is(err, ErrUnavailable) {
		l.skipped.Add(1)
		return nil
	}
	if err != nil {
		return err
	}
	img, err := imageutil.DecodeJPEG(frame)
	if err != nil {
		return err
	}
	l.sink.RenderFrame(imageutil.Resize(img, l.size.Width(), l.size.Height()))
	l.published.Add(1)

	return nil
}

func (l *Loop) Stats() ov.Preview {
	return ov.Preview{
		Published: l.published.Load(),
		Skipped:   l.skipped.Load(),
		Errors:    l.errors.Load(),
	}
}
