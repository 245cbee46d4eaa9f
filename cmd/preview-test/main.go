package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rpicam/pkg/camera"
	"rpicam/pkg/capture"
	"rpicam/pkg/launcher"
	"rpicam/pkg/preview"
	"rpicam/pkg/session"
	"rpicam/pkg/storage"
	"rpicam/pkg/types"
	"rpicam/pkg/utils"
)

// Drives the controller through capture and record cycles while the preview
// loop keeps pulling frames, to check that reconfiguration never races the
// preview on real hardware.

var (
	index    = flag.Int("index", 0, "camera index")
	dir      = flag.String("dir", "preview-test", "media directory")
	rounds   = flag.Int("n", 0, "number of rounds, 0 runs until killed")
	record   = flag.Duration("record", 3*time.Second, "recording length per round")
	pause    = flag.Duration("pause", 500*time.Millisecond, "wait between steps")
	still    = flag.String("still", "1920x1080", "still resolution")
	videoRes = types.Resolution{1280, 720}
)

type countSink struct {
	frames atomic.Int64
	logger *zap.SugaredLogger
}

func (s *countSink) RenderFrame(image.Image) {
	s.frames.Add(1)
}

func (s *countSink) RenderStatus(text string, isError bool) {
	if isError {
		s.logger.Warn(text)
		return
	}
	s.logger.Info(text)
}

func (s *countSink) RenderState(state string) {
	s.logger.Infof("state: %s", state)
}

func main() {
	flag.Parse()
	logger := utils.GetLogger()
	defer logger.Sync()

	var stillRes types.Resolution
	if _, err := fmt.Sscanf(*still, "%dx%d", &stillRes[0], &stillRes[1]); err != nil {
		logger.Fatalf("bad still resolution %q: %s", *still, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	media, err := storage.New(*dir)
	if err != nil {
		logger.Fatal(err)
	}
	video := camera.Mode{Width: videoRes.Width(), Height: videoRes.Height(), FPS: 30}
	driver := camera.NewV4L2Driver(ctx, camera.Modes{
		camera.ProfilePreview: video,
		camera.ProfileStill:   {Width: stillRes.Width(), Height: stillRes.Height()},
		camera.ProfileVideo:   video,
	}, logger.Named("camera"))
	sink := &countSink{logger: logger.Named("sink")}
	ctl := session.New(session.Config{CameraIndex: *index}, driver,
		capture.New(media, videoRes, 30, logger.Named("capture")),
		sink, launcher.New(logger), logger.Named("controller"))
	if err = ctl.Init(ctx); err != nil {
		logger.Fatal(err)
	}
	defer ctl.Close(context.Background())

	loop := preview.New(ctl, sink, types.Resolution{480, 270}, 30, logger.Named("preview"))
	go loop.Run(ctx)

	for i := 1; *rounds == 0 || i <= *rounds; i++ {
		logger.Infof("round %d, %d preview frames so far", i, sink.frames.Load())

		if p, err := ctl.CapturePhoto(ctx); err != nil {
			logger.Errorf("capture: %s", err)
		} else {
			logger.Infof("photo %s", p)
		}
		time.Sleep(*pause)

		if _, err := ctl.StartRecording(ctx); err != nil {
			logger.Errorf("start recording: %s", err)
			continue
		}
		time.Sleep(*record)
		if p, err := ctl.StopRecording(ctx); err != nil {
			logger.Errorf("stop recording: %s", err)
		} else {
			logger.Infof("video %s", p)
		}
		time.Sleep(*pause)

		stats := loop.Stats()
		logger.Infof("preview published %d, skipped %d, errors %d, state %s",
			stats.Published, stats.Skipped, stats.Errors, ctl.State())
	}
}
