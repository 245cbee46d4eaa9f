package capture

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rpicam/pkg/camera"
	"rpicam/pkg/ov"
)

type State int

const (
	Idle State = iota
	Recording
	StoppingError
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case StoppingError:
		return "stopping_error"
	}
	return "idle"
}

// FrameWriter receives the encoded frames of one recording.
type FrameWriter interface {
	Add(frame []byte) error
	Close() error
}

// Session is one video recording. Its filename is fixed at creation.
type Session struct {
	id        uuid.UUID
	path      string
	startedAt time.Time

	dev    camera.Device
	writer FrameWriter
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Engine.lock
	stopping bool

	lock   sync.Mutex
	state  State
	frames atomic.Int64
	latest atomic.Pointer[[]byte]
}

func (s *Session) ID() string {
	return s.id.String()
}

func (s *Session) Path() string {
	return s.path
}

func (s *Session) Filename() string {
	return filepath.Base(s.path)
}

func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.lock.Lock()
	s.state = state
	s.lock.Unlock()
}

func (s *Session) Frames() int {
	return int(s.frames.Load())
}

// Latest returns the last frame written, or nil before the first one.
func (s *Session) Latest() []byte {
	if p := s.latest.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Session) View() *ov.Recording {
	return &ov.Recording{
		ID:        s.ID(),
		Filename:  s.Filename(),
		StartedAt: s.startedAt,
		State:     s.State().String(),
		Frames:    s.Frames(),
	}
}
