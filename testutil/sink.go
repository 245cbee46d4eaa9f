package testutil

import (
	"image"
	"sync"
)

type Status struct {
	Text    string
	IsError bool
}

// FakeSink records everything rendered to it.
type FakeSink struct {
	lock     sync.Mutex
	frames   int
	last     image.Image
	statuses []Status
	states   []string
}

func (s *FakeSink) RenderFrame(img image.Image) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.frames++
	s.last = img
}

func (s *FakeSink) RenderStatus(text string, isError bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.statuses = append(s.statuses, Status{Text: text, IsError: isError})
}

func (s *FakeSink) RenderState(state string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.states = append(s.states, state)
}

func (s *FakeSink) Frames() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.frames
}

func (s *FakeSink) LastFrame() image.Image {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.last
}

func (s *FakeSink) Statuses() []Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]Status(nil), s.statuses...)
}

func (s *FakeSink) States() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string(nil), s.states...)
}

// FakeLauncher records launched commands instead of running them.
type FakeLauncher struct {
	lock     sync.Mutex
	err      error
	launched [][]string
}

func (l *FakeLauncher) Launch(argv []string) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.launched = append(l.launched, append([]string(nil), argv...))
	return l.err
}

func (l *FakeLauncher) Fail(err error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.err = err
}

func (l *FakeLauncher) Launched() [][]string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([][]string(nil), l.launched...)
}
