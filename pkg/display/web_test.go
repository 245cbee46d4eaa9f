package display

import (
	"bytes"
	"image"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"rpicam/pkg/utils"
	imageutil "rpicam/pkg/utils/image"
)

func TestRenderFrameKeepsLatest(t *testing.T) {
	w := NewWeb(utils.NewLogger())
	frame, updated := w.Frame()
	if frame != nil {
		t.Fatal("frame before any render")
	}

	w.RenderFrame(image.NewRGBA(image.Rect(0, 0, 8, 8)))
	select {
	case <-updated:
	default:
		t.Fatal("update not signalled")
	}
	w.RenderFrame(image.NewRGBA(image.Rect(0, 0, 16, 8)))

	frame, _ = w.Frame()
	img, err := imageutil.DecodeJPEG(frame)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 16 {
		t.Fatalf("latest frame width = %d", img.Bounds().Dx())
	}
}

func TestNoticeExpires(t *testing.T) {
	now := time.Unix(100, 0)
	w := NewWeb(utils.NewLogger())
	w.now = func() time.Time { return now }

	w.RenderStatus("Photo saved", false)
	if n := w.Snapshot().Notice; n == nil || n.Text != "Photo saved" {
		t.Fatalf("notice = %+v", n)
	}
	now = now.Add(DefaultNoticeTTL)
	if n := w.Snapshot().Notice; n != nil {
		t.Fatalf("notice still shown: %+v", n)
	}
}

func TestUnavailableIsPersistent(t *testing.T) {
	now := time.Unix(100, 0)
	w := NewWeb(utils.NewLogger())
	w.now = func() time.Time { return now }

	w.RenderState(StateUnavailable)
	w.RenderStatus("Photo saved", false)
	now = now.Add(time.Hour)
	n := w.Snapshot().Notice
	if n == nil || !n.Persistent || !n.Error {
		t.Fatalf("notice = %+v", n)
	}

	w.RenderState("previewing")
	if n = w.Snapshot().Notice; n != nil {
		t.Fatalf("persistent notice kept after recovery: %+v", n)
	}
}

func TestEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := NewWeb(utils.NewLogger())
	w.RenderState("previewing")
	w.RenderClock("12:00:00")

	r := gin.New()
	r.GET("/api/events", w.Events)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var snap Snapshot
	if err = conn.ReadJSON(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != "previewing" || snap.Clock != "12:00:00" {
		t.Fatalf("snapshot = %+v", snap)
	}

	w.RenderStatus("Recording started", false)
	var ev Event
	if err = conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventStatus || ev.Text != "Recording started" || ev.Error {
		t.Fatalf("event = %+v", ev)
	}
}

func TestStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := NewWeb(utils.NewLogger())
	w.RenderFrame(image.NewRGBA(image.Rect(0, 0, 8, 8)))

	r := gin.New()
	r.GET("/stream", w.Stream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("content type %s", ct)
	}

	buf := make([]byte, 512)
	var got []byte
	for !bytes.Contains(got, []byte{0xFF, 0xD8}) {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, buf[:n]...)
	}
}
