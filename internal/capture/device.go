package capture

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// Device errors.
var (
	// ErrCaptureUnavailable means the device could not be acquired at all
	// (permission denied, hardware missing). Fatal to the session.
	ErrCaptureUnavailable = errors.New("capture device unavailable")
	// ErrDeviceBusy means another session currently holds the device.
	ErrDeviceBusy = errors.New("capture device already acquired")
)

// Device is a frame source. Acquisition is strictly exclusive: a device
// hands out one Stream at a time and refuses a second acquire until the
// holder releases it.
type Device interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an acquired device handle. Frames delivers decoded frame
// contents and closes when the device goes away. Release must be safe to
// call more than once; only the first call does anything.
type Stream interface {
	Frames() <-chan string
	Release() error
}

// LineDevice reads frames as text lines from an io.Reader. USB scanners in
// keyboard-wedge mode present decoded codes exactly like this, one code per
// line, so stdin works as a real capture device.
type LineDevice struct {
	r    io.Reader
	mu   sync.Mutex
	held bool
}

// NewLineDevice wraps a reader as a Device.
func NewLineDevice(r io.Reader) *LineDevice {
	return &LineDevice{r: r}
}

// Acquire claims the reader. A second acquire before release fails with
// ErrDeviceBusy.
func (d *LineDevice) Acquire(_ context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held {
		return nil, ErrDeviceBusy
	}
	d.held = true
	s := &lineStream{dev: d, frames: make(chan string), done: make(chan struct{})}
	go s.pump(d.r)
	return s, nil
}

func (d *LineDevice) release() {
	d.mu.Lock()
	d.held = false
	d.mu.Unlock()
}

type lineStream struct {
	dev    *LineDevice
	frames chan string
	done   chan struct{}
	once   sync.Once
}

func (s *lineStream) pump(r io.Reader) {
	defer close(s.frames)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case s.frames <- line:
		case <-s.done:
			return
		}
	}
}

func (s *lineStream) Frames() <-chan string { return s.frames }

func (s *lineStream) Release() error {
	s.once.Do(func() {
		close(s.done)
		s.dev.release()
	})
	return nil
}
