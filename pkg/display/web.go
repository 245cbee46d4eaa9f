package display

import (
	"context"
	"fmt"
	"image"
	"mime/multipart"
	"net/textproto"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	imageutil "rpicam/pkg/utils/image"
)

const (
	DefaultNoticeTTL = 2 * time.Second
	DefaultQuality   = 80

	writeWait = time.Second
)

// Web renders to browsers: frames as an MJPEG stream, everything else as JSON
// events over a websocket. Only the latest frame is kept.
type Web struct {
	quality   int
	noticeTTL time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger

	frameLock sync.Mutex
	frame     []byte
	updated   chan struct{}

	lock     sync.Mutex
	state    string
	clock    string
	notice   *Event
	noticeAt time.Time

	upgrader websocket.Upgrader
	connLock sync.Mutex
	conns    map[*websocket.Conn]bool
}

func NewWeb(logger *zap.SugaredLogger) *Web {
	return &Web{
		quality:   DefaultQuality,
		noticeTTL: DefaultNoticeTTL,
		now:       time.Now,
		logger:    logger,
		updated:   make(chan struct{}),
		conns:     make(map[*websocket.Conn]bool),
	}
}

func (w *Web) RenderFrame(img image.Image) {
	data, err := imageutil.EncodeJPEGBytes(img, w.quality)
	if err != nil {
		w.logger.Warnf("encode preview frame: %s", err)
		return
	}
	w.frameLock.Lock()
	w.frame = data
	close(w.updated)
	w.updated = make(chan struct{})
	w.frameLock.Unlock()
}

// Frame returns the latest frame and a channel closed when it is replaced.
func (w *Web) Frame() ([]byte, <-chan struct{}) {
	w.frameLock.Lock()
	defer w.frameLock.Unlock()
	return w.frame, w.updated
}

func (w *Web) RenderStatus(text string, isError bool) {
	ev := Event{Type: EventStatus, Text: text, Error: isError}
	w.lock.Lock()
	if w.notice == nil || !w.notice.Persistent {
		w.notice = &ev
		w.noticeAt = w.now()
	}
	w.lock.Unlock()

	w.broadcast(ev)
}

func (w *Web) RenderState(state string) {
	w.lock.Lock()
	w.state = state
	if state == StateUnavailable {
		w.notice = &Event{Type: EventStatus, Text: "Camera unavailable", Error: true, Persistent: true}
		w.noticeAt = w.now()
	} else if w.notice != nil && w.notice.Persistent {
		w.notice = nil
	}
	w.lock.Unlock()

	w.broadcast(Event{Type: EventState, State: state, Persistent: state == StateUnavailable})
}

func (w *Web) RenderClock(text string) {
	w.lock.Lock()
	w.clock = text
	w.lock.Unlock()

	w.broadcast(Event{Type: EventClock, Text: text})
}

// Snapshot is what a freshly connected page needs to draw. Transient notices
// drop out after the notice TTL.
func (w *Web) Snapshot() Snapshot {
	w.lock.Lock()
	defer w.lock.Unlock()
	s := Snapshot{State: w.state, Clock: w.clock}
	if w.notice != nil && (w.notice.Persistent || w.now().Sub(w.noticeAt) < w.noticeTTL) {
		n := *w.notice
		s.Notice = &n
	}

	return s
}

// Stream serves the preview as multipart/x-mixed-replace JPEG parts.
func (w *Web) Stream(c *gin.Context) {
	mimeWriter := multipart.NewWriter(c.Writer)
	c.Header("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mimeWriter.Boundary()))
	partHeader := make(textproto.MIMEHeader)
	partHeader.Add("Content-Type", "image/jpeg")

	ctx := c.Request.Context()
	for {
		frame, updated := w.Frame()
		if frame != nil {
			partWriter, err := mimeWriter.CreatePart(partHeader)
			if err != nil {
				w.logger.Debugf("failed to create multi-part writer: %s", err)
				return
			}
			if _, err = partWriter.Write(frame); err != nil {
				w.logger.Debugf("failed to write image: %s", err)
				return
			}
			c.Writer.Flush()
		}
		if !waitUpdate(ctx, updated) {
			return
		}
	}
}

func waitUpdate(ctx context.Context, updated <-chan struct{}) bool {
	select {
	case <-updated:
		return true
	case <-ctx.Done():
		return false
	}
}

// Events upgrades to a websocket, sends the current snapshot and then every
// event rendered afterwards.
func (w *Web) Events(c *gin.Context) {
	conn, err := w.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		w.logger.Warnf("upgrade websocket: %s", err)
		return
	}

	w.connLock.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(w.Snapshot())
	if err == nil {
		w.conns[conn] = true
	}
	w.connLock.Unlock()
	if err != nil {
		_ = conn.Close()
		return
	}

	defer func() {
		w.connLock.Lock()
		delete(w.conns, conn)
		w.connLock.Unlock()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *Web) broadcast(ev Event) {
	w.connLock.Lock()
	defer w.connLock.Unlock()
	for conn := range w.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			w.logger.Debugf("drop event subscriber: %s", err)
			_ = conn.Close()
			delete(w.conns, conn)
		}
	}
}
