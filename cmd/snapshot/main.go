package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"rpicam/pkg/camera"
	"rpicam/pkg/utils"
)

var (
	index  = flag.Int("index", 0, "camera index")
	width  = flag.Int("width", 1920, "still width")
	height = flag.Int("height", 1080, "still height")
	format = flag.String("format", "JPEG", "pixel format, JPEG or MJPEG")
	out    = flag.String("o", "snapshot.jpg", "output file")
	ctrls  = flag.Bool("ctrls", false, "print the device controls and exit")
)

func main() {
	flag.Parse()
	logger := utils.GetLogger()
	defer logger.Sync()

	if *ctrls {
		list, err := camera.ListControls(fmt.Sprintf(camera.DefaultDevicePattern, *index))
		if err != nil {
			logger.Fatal(err)
		}
		for _, ctrl := range list {
			fmt.Print(camera.CtrlToString(ctrl))
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mode := camera.Mode{Width: *width, Height: *height}
	driver := camera.NewV4L2Driver(ctx, camera.Modes{
		camera.ProfilePreview: mode,
		camera.ProfileStill:   mode,
	}, logger, camera.WithPixelFormat(*format))

	cameras, err := driver.List()
	if err != nil {
		logger.Fatal(err)
	}
	for _, info := range cameras {
		logger.Infof("found %s: %s", info.Path, info.Name)
	}

	dev, err := driver.Open(*index)
	if err != nil {
		logger.Fatal(err)
	}
	defer dev.Release()
	if err = dev.Configure(camera.ProfileStill); err != nil {
		logger.Fatal(err)
	}
	if err = dev.Start(); err != nil {
		logger.Fatal(err)
	}
	frame, err := dev.NextFrame(ctx)
	if err != nil {
		logger.Fatal(err)
	}
	if err = os.WriteFile(*out, frame, 0644); err != nil {
		logger.Fatal(err)
	}
	logger.Infof("saved %s, %d bytes", *out, len(frame))
}
