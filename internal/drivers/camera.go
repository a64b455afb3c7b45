package drivers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/drivesentry/drivesentry/internal/fatigue"
)

// cameraFrameInterval paces Next when no inference backend is attached,
// standing in for the camera's native frame rate.
const cameraFrameInterval = 33 * time.Millisecond

// Camera is the frame source boundary for the fatigue worker. Opening the
// device node is this driver's whole job: face detection, head-nod
// tracking, and the yawn/mouth-intensity heuristic belong to the CV
// pipeline a real deployment attaches downstream of here, the same way
// readDHT22 stands in for the board-specific one-wire decode in
// environment.go.
type Camera struct {
	devicePath string
	file       *os.File
}

// NewCamera constructs a Camera bound to a V4L2-class device node (e.g.
// "/dev/video0").
func NewCamera(devicePath string) *Camera {
	return &Camera{devicePath: devicePath}
}

// Init opens the device node to confirm the camera is present and
// accessible. DriverAbsent (no such device, permission denied) is
// returned as an error, not fatal.
func (c *Camera) Init(ctx context.Context) error {
	f, err := os.OpenFile(c.devicePath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("camera: open %q: %w", c.devicePath, err)
	}
	c.file = f
	return nil
}

// Close releases the device node.
func (c *Camera) Close() error {
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}

// Next blocks until the next frame's features are ready or ctx is
// cancelled. With no inference backend attached this reports a neutral,
// no-face frame at the camera's native pace — callers observe a
// perpetually-calibrating worker rather than spurious fatigue alerts,
// which is the safe failure mode for a missing CV backend.
func (c *Camera) Next(ctx context.Context) (fatigue.FrameFeatures, bool) {
	if c.file == nil {
		<-ctx.Done()
		return fatigue.FrameFeatures{}, false
	}
	select {
	case <-time.After(cameraFrameInterval):
		return fatigue.FrameFeatures{FaceDetected: false}, true
	case <-ctx.Done():
		return fatigue.FrameFeatures{}, false
	}
}
