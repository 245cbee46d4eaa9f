package input

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"

	"rpicam/pkg/capture"
	"rpicam/pkg/ov"
	"rpicam/pkg/session"
)

// StateReader reports the controller state for responses.
type StateReader interface {
	State() string
}

// HTTP exposes the kiosk buttons to the local UI page.
type HTTP struct {
	adapter *Adapter
	state   StateReader
	timeout time.Duration
}

func NewHTTP(adapter *Adapter, state StateReader, timeout time.Duration) *HTTP {
	return &HTTP{adapter: adapter, state: state, timeout: timeout}
}

func (h *HTTP) Register(group *gin.RouterGroup) {
	cameraRouter := group.Group("/camera")
	cameraRouter.POST("/photo", h.photo)
	cameraRouter.POST("/record", h.record)
	cameraRouter.POST("/switch", h.switchCamera)

	group.POST("/clock/tap", h.clockTap)
	group.POST("/system/shutdown", h.shutdown)
}

func (h *HTTP) photo(c *gin.Context) {
	h.submit(c, session.Command{Kind: session.CmdCapture})
}

func (h *HTTP) record(c *gin.Context) {
	h.submit(c, session.Command{Kind: session.CmdToggleRecord})
}

func (h *HTTP) switchCamera(c *gin.Context) {
	var req ov.Switch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	h.submit(c, session.Command{Kind: session.CmdSwitchCamera, Index: *req.Index})
}

func (h *HTTP) clockTap(c *gin.Context) {
	h.adapter.OnClockTap()
	c.JSON(http.StatusOK, jsend.Success(nil))
}

func (h *HTTP) shutdown(c *gin.Context) {
	h.adapter.OnShutdownRequested()
	c.JSON(http.StatusAccepted, jsend.Success("shutting down"))
}

func (h *HTTP) submit(c *gin.Context, cmd session.Command) {
	// the operation's own timeout plus room for a recovery attempt
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*h.timeout)
	defer cancel()

	res, err := h.adapter.Submit(ctx, cmd)
	if err == nil {
		err = res.Err
	}
	if err != nil {
		c.JSON(statusOf(err), jsend.SimpleErr(session.Message(err)))
		return
	}

	out := ov.Result{
		Recording: res.Recording,
		State:     h.state.State(),
	}
	if res.Path != "" {
		out.File = filepath.Base(res.Path)
	}
	c.JSON(http.StatusOK, jsend.Success(out))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrDeviceUnrecoverable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, session.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, capture.ErrBusyRecording),
		errors.Is(err, capture.ErrAlreadyRecording),
		errors.Is(err, capture.ErrNotRecording):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
