package capture

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineDeviceDeliversFrames(t *testing.T) {
	dev := NewLineDevice(strings.NewReader("frame-1\n\n  frame-2  \n"))
	stream, err := dev.Acquire(context.Background())
	require.NoError(t, err)
	defer stream.Release()

	assert.Equal(t, "frame-1", <-stream.Frames())
	assert.Equal(t, "frame-2", <-stream.Frames())

	// Reader exhausted: channel closes.
	_, ok := <-stream.Frames()
	assert.False(t, ok)
}

func TestLineDeviceExclusive(t *testing.T) {
	dev := NewLineDevice(strings.NewReader(""))

	stream, err := dev.Acquire(context.Background())
	require.NoError(t, err)

	_, err = dev.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrDeviceBusy)

	require.NoError(t, stream.Release())
	// Double release stays harmless.
	require.NoError(t, stream.Release())

	second, err := dev.Acquire(context.Background())
	require.NoError(t, err)
	second.Release()
}

func TestLineDeviceReleaseUnblocksPump(t *testing.T) {
	// A reader that never drains into anyone: release must still return
	// promptly and free the device.
	dev := NewLineDevice(strings.NewReader("a\nb\nc\n"))
	stream, err := dev.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		stream.Release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("release blocked")
	}
}
