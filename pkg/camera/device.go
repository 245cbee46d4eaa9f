package camera

import (
	"context"
	"errors"
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrConfiguration     = errors.New("configuration error")
	ErrDeviceClosed      = errors.New("device closed")
	ErrNotStarted        = errors.New("device not started")
)

// Profile is the configuration mode a device runs in.
type Profile int

const (
	ProfileNone Profile = iota
	ProfilePreview
	ProfileStill
	ProfileVideo
)

func (p Profile) String() string {
	switch p {
	case ProfilePreview:
		return "preview"
	case ProfileStill:
		return "still"
	case ProfileVideo:
		return "video"
	}
	return "none"
}

type Info struct {
	Index int
	Path  string
	Name  string
}

// Driver enumerates cameras and opens them by index.
type Driver interface {
	List() ([]Info, error)
	// Open fails with ErrDeviceUnavailable when no camera has that index
	// or it cannot be acquired.
	Open(index int) (Device, error)
}

// Device owns one physical camera.
//
// Start and Stop are idempotent. Configure works on a running or stopped
// device and keeps the running state. After Release every call fails with
// ErrDeviceClosed.
type Device interface {
	Index() int
	Profile() Profile
	Configure(p Profile) error
	Start() error
	Stop() error
	Release() error
	// NextFrame blocks until the next encoded frame or ctx is done.
	NextFrame(ctx context.Context) ([]byte, error)
}
