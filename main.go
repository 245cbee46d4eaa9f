package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"
	"go.uber.org/zap"

	"rpicam/pkg/camera"
	"rpicam/pkg/capture"
	"rpicam/pkg/clock"
	"rpicam/pkg/config"
	"rpicam/pkg/display"
	"rpicam/pkg/input"
	"rpicam/pkg/launcher"
	"rpicam/pkg/preview"
	"rpicam/pkg/session"
	"rpicam/pkg/storage"
	"rpicam/pkg/utils"
	"rpicam/pkg/utils/ps"
	"rpicam/pkg/webdav"
)

const (
	webDavStart    = "start"
	webDavShutdown = "shutdown"
)

var (
	configFile = flag.String("config", config.DefaultFile, "config file")
	staticsDir = flag.String("statics", "./statics", "kiosk page directory")

	cfg     *config.Config
	cfgLock sync.Mutex

	media *storage.Media
	ctl   *session.Controller
	loop  *preview.Loop
	dav   *webdav.Webdav

	logger *zap.SugaredLogger
)

func init() {
	logger = utils.GetLogger()
	flag.Parse()
}

func main() {
	cfg = config.Load(*configFile, logger)
	if err := utils.InitLogger(cfg.LogFile); err != nil {
		logger.Warnf("log file %s: %s", cfg.LogFile, err)
	}
	logger = utils.GetLogger()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var err error

	// init storage
	media, err = storage.New(cfg.MediaDir)
	if err != nil {
		logger.Fatal(err)
	}

	clk := clock.New(cfg.NTPServer, logger.Named("clock"))
	web := display.NewWeb(logger.Named("display"))

	// preview runs at the video size and is scaled down for display, so
	// starting a recording does not reopen the device
	driver := camera.NewV4L2Driver(ctx, camera.Modes{
		camera.ProfilePreview: {Width: cfg.VideoResolution.Width(), Height: cfg.VideoResolution.Height(), FPS: cfg.FPS},
		camera.ProfileStill:   {Width: cfg.DefaultResolution.Width(), Height: cfg.DefaultResolution.Height()},
		camera.ProfileVideo:   {Width: cfg.VideoResolution.Width(), Height: cfg.VideoResolution.Height(), FPS: cfg.FPS},
	}, logger.Named("camera"),
		camera.WithPixelFormat(cfg.PixelFormat),
		camera.WithSettings(cfg.Controls),
	)
	engine := capture.New(media, cfg.VideoResolution, cfg.FPS, logger.Named("capture"),
		capture.WithClock(clk.Now))
	ctl = session.New(session.Config{
		CameraIndex:            cfg.CameraIndex,
		OpTimeout:              cfg.OpTimeout(),
		PreviewDuringRecording: cfg.PreviewDuringRecording,
		AuxCommand:             cfg.AuxCommand,
		PowerOffCommand:        cfg.PowerOffCommand,
	}, driver, engine, web, launcher.New(logger.Named("launcher")), logger.Named("controller"),
		session.WithClock(clk.Now))
	ctl.OnSwitch(saveCameraIndex)

	if err = ctl.Init(ctx); err != nil {
		// keep serving; the page shows the camera as unavailable
		logger.Errorf("camera init: %s", err)
	}
	go ctl.Run(ctx)

	loop = preview.New(ctl, web, cfg.PreviewResolution, cfg.FPS, logger.Named("preview"))
	go loop.Run(ctx)
	go clk.Run(ctx, web)

	adapter := input.NewAdapter(ctl, logger.Named("input"))
	startButton(ctx, adapter)

	go func() {
		if err := config.Watch(ctx, *configFile, logger.Named("config"), applyConfig); err != nil {
			logger.Warnf("config watch disabled: %s", err)
		}
	}()

	dav = webdav.New(ctx, cfg.WebdavAddr, media.Dir(), logger.Named("webdav"))

	// init gin
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(utils.Cors())
	if err = registerStaticsDir(r, *staticsDir, "/"); err != nil {
		logger.Warnf("kiosk page not served: %s", err)
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})

	apiRouter := r.Group("/api")
	input.NewHTTP(adapter, ctl, cfg.OpTimeout()).Register(apiRouter)
	apiRouter.GET("/events", web.Events)

	deviceRouter := apiRouter.Group("/device")
	deviceRouter.GET("/status", getStatus)
	deviceRouter.GET("/cameras", listCameras)
	deviceRouter.GET("/realtime/video", web.Stream)
	deviceRouter.PUT("/webdav", ctlWebdav)

	mediaRouter := apiRouter.Group("/media")
	mediaRouter.GET("", listMedia)
	mediaRouter.GET("/:name", getMedia)

	go func() {
		select {
		case <-ctl.Done():
			logger.Info("session terminated")
			cancel()
		case <-ctx.Done():
		}
	}()

	utils.ListenAndServe(ctx, r, cfg.ListenAddr)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*cfg.OpTimeout())
	defer closeCancel()
	if err = ctl.Close(closeCtx); err != nil {
		logger.Warnf("close session: %s", err)
	}
}

func startButton(ctx context.Context, adapter *input.Adapter) {
	pin, err := input.OpenPin(cfg.ButtonPin)
	if err != nil {
		logger.Warnf("physical button disabled: %s", err)
		return
	}
	button := input.NewButton(pin, adapter.OnPhysicalButtonPress, logger.Named("gpio"))
	ctl.AddCloser(button)
	go button.Run(ctx)
}

func saveCameraIndex(index int) {
	cfgLock.Lock()
	defer cfgLock.Unlock()
	cfg.CameraIndex = index
	if err := cfg.Save(*configFile); err != nil {
		logger.Warnf("save config: %s", err)
	}
}

func applyConfig(next *config.Config) {
	cfgLock.Lock()
	defer cfgLock.Unlock()
	if next.FPS != cfg.FPS {
		cfg.FPS = next.FPS
		loop.SetFPS(next.FPS)
	}
	if next.PreviewDuringRecording != cfg.PreviewDuringRecording {
		cfg.PreviewDuringRecording = next.PreviewDuringRecording
		ctl.SetPreviewDuringRecording(next.PreviewDuringRecording)
		logger.Infof("preview during recording: %v", next.PreviewDuringRecording)
	}
	logger.Info("config reloaded; other settings apply after restart")
}

func getStatus(c *gin.Context) {
	s := ctl.Status()
	s.Preview = loop.Stats()
	if cpu, err := ps.CPUStatus(); err == nil {
		s.CPU = &cpu
	}
	if mem, err := ps.MemoryStatus(); err == nil {
		s.Memory = &mem
	}
	if disk, err := ps.DiskUsage(media.Dir()); err == nil {
		s.Disk = &disk
	}

	c.JSON(http.StatusOK, jsend.Success(s))
}

func listCameras(c *gin.Context) {
	cameras, err := ctl.Cameras()
	if err != nil {
		internalErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(cameras))
}

func listMedia(c *gin.Context) {
	files, err := media.List()
	if err != nil {
		internalErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(files))
}

func getMedia(c *gin.Context) {
	p, err := media.Path(c.Param("name"))
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	case errors.Is(err, fs.ErrNotExist):
		c.JSON(http.StatusNotFound, jsend.SimpleErr("media not found"))
		return
	case err != nil:
		internalErr(c, err)
		return
	}

	c.File(p)
}

func ctlWebdav(c *gin.Context) {
	op := c.Query("op")
	switch op {
	case webDavStart:
		if !dav.Start() {
			c.JSON(http.StatusOK, jsend.Success("the webdav service is already enabled"))
			return
		}
		c.JSON(http.StatusOK, jsend.Success(dav.Addr()))
	case webDavShutdown:
		if !dav.Stop() {
			c.JSON(http.StatusOK, jsend.SimpleErr("the webdav service has been shut down"))
			return
		}
		c.JSON(http.StatusOK, jsend.Success(nil))
	default:
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("unknown operation"))
	}
}

func registerStaticsDir(group gin.IRoutes, dir, relativeGroup string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("the specified directory %s does not exist", dir)
	}
	dir = filepath.ToSlash(filepath.Clean(dir))
	group.StaticFile(relativeGroup, filepath.Join(dir, "index.html"))
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			relativePath := path.Join(relativeGroup, strings.Replace(filepath.ToSlash(p), dir, "", 1))
			group.StaticFile(relativePath, p)
		}
		return nil
	})
}

func internalErr(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, jsend.SimpleErr(err.Error()))
}
