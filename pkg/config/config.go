package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"rpicam/pkg/types"
)

const (
	DefaultFile       = "camera_config.json"
	DefaultButtonPin  = 16
	DefaultMediaDir   = "media"
	DefaultFPS        = 30
	DefaultOpTimeout  = 10 * time.Second
	DefaultListenAddr = "127.0.0.1:9999"
	DefaultWebdavAddr = "127.0.0.1:9998"
	DefaultLogFile    = "camera_app.log"
	MaxFPS            = 120
)

// Config mirrors camera_config.json. Keys keep the upper-case attribute names
// written by earlier releases of the kiosk.
type Config struct {
	ButtonPin         int              `json:"BUTTON_PIN"`
	MediaDir          string           `json:"MEDIA_DIR"`
	DefaultResolution types.Resolution `json:"DEFAULT_RESOLUTION"`
	PreviewResolution types.Resolution `json:"PREVIEW_RESOLUTION"`
	VideoResolution   types.Resolution `json:"VIDEO_RESOLUTION"`
	FPS               int              `json:"FPS"`

	CameraIndex            int      `json:"CAMERA_INDEX"`
	PixelFormat            string   `json:"PIXEL_FORMAT"`
	OpTimeoutMS            int      `json:"OP_TIMEOUT_MS"`
	PreviewDuringRecording bool     `json:"PREVIEW_DURING_RECORDING"`
	AuxCommand             []string `json:"AUX_COMMAND"`
	PowerOffCommand        []string `json:"POWEROFF_COMMAND"`
	NTPServer              string   `json:"NTP_SERVER"`
	ListenAddr             string   `json:"LISTEN_ADDR"`
	WebdavAddr             string   `json:"WEBDAV_ADDR"`
	LogFile                string   `json:"LOG_FILE"`

	Controls types.CameraSettings `json:"CONTROLS,omitempty"`
}

func Default() *Config {
	return &Config{
		ButtonPin:         DefaultButtonPin,
		MediaDir:          DefaultMediaDir,
		DefaultResolution: types.Resolution{1920, 1080},
		PreviewResolution: types.Resolution{480, 270},
		VideoResolution:   types.Resolution{1280, 720},
		FPS:               DefaultFPS,
		PixelFormat:       "JPEG",
		OpTimeoutMS:       int(DefaultOpTimeout / time.Millisecond),
		AuxCommand:        []string{"lxpanelctl", "menu"},
		PowerOffCommand:   []string{"sudo", "shutdown", "-h", "now"},
		ListenAddr:        DefaultListenAddr,
		WebdavAddr:        DefaultWebdavAddr,
		LogFile:           DefaultLogFile,
	}
}

// Load never fails: a missing file yields the defaults, a malformed one is
// logged and the defaults are kept.
func Load(path string, logger *zap.SugaredLogger) *Config {
	cfg, err := Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Infof("config %s not found, using defaults", path)
		} else {
			logger.Errorf("failed to load config: %s", err)
		}
		return Default()
	}

	return cfg
}

// Read decodes path over the defaults. The defaults are returned untouched
// together with the error when the file cannot be parsed.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), err
	}
	cfg := Default()
	if err = json.Unmarshal(data, cfg); err != nil {
		return Default(), fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()

	return cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err = os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func (c *Config) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutMS) * time.Millisecond
}

func (c *Config) normalize() {
	def := Default()
	if c.ButtonPin < 0 {
		c.ButtonPin = def.ButtonPin
	}
	if c.MediaDir == "" {
		c.MediaDir = def.MediaDir
	}
	if !c.DefaultResolution.Valid() {
		c.DefaultResolution = def.DefaultResolution
	}
	if !c.PreviewResolution.Valid() {
		c.PreviewResolution = def.PreviewResolution
	}
	if !c.VideoResolution.Valid() {
		c.VideoResolution = def.VideoResolution
	}
	if c.FPS <= 0 || c.FPS > MaxFPS {
		c.FPS = def.FPS
	}
	if c.CameraIndex < 0 {
		c.CameraIndex = def.CameraIndex
	}
	if c.PixelFormat != "JPEG" && c.PixelFormat != "MJPEG" {
		c.PixelFormat = def.PixelFormat
	}
	if c.OpTimeoutMS <= 0 {
		c.OpTimeoutMS = def.OpTimeoutMS
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.WebdavAddr == "" {
		c.WebdavAddr = def.WebdavAddr
	}
}
