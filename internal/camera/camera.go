package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoCamera is returned by Disabled and by managers without a device.
var ErrNoCamera = errors.New("no camera available")

// Manager handles photo capture and print timelapses for the cloud link.
type Manager interface {
	Active() bool
	Snapshot() ([]byte, error)
	// TimelapseInfo returns nil when no capture is running.
	TimelapseInfo() map[string]any
	StartTimelapse(freq float64) error
	UpdateTimelapse(freq float64) error
	Stop()
}

// Disabled is the Manager used when the box has no camera.
type Disabled struct{}

func (Disabled) Active() bool                  { return false }
func (Disabled) Snapshot() ([]byte, error)     { return nil, ErrNoCamera }
func (Disabled) TimelapseInfo() map[string]any { return nil }
func (Disabled) StartTimelapse(float64) error  { return ErrNoCamera }
func (Disabled) UpdateTimelapse(float64) error { return ErrNoCamera }
func (Disabled) Stop()                         {}

// SnapshotFunc grabs one frame from the device.
type SnapshotFunc func() ([]byte, error)

// Uploader pushes capture sessions and frames to the cloud.
// Implemented by *cloud.Client.
type Uploader interface {
	CreateTimelapse(ctx context.Context, name string) (string, error)
	UploadTimelapseFrame(ctx context.Context, id string, image []byte) error
}

// Notifier receives capture state changes. Implemented by the boxrouter.
type Notifier interface {
	OnCaptureInfoChanged(info map[string]any)
}

// Webcam implements Manager over a snapshot source. A running timelapse
// grabs a frame every freq seconds and uploads it.
type Webcam struct {
	snapshot SnapshotFunc
	uploader Uploader
	logger   *slog.Logger

	mu       sync.Mutex
	notifier Notifier
	capture  *captureLoop
}

type captureLoop struct {
	id     string
	freq   float64
	frames int
	update chan float64
	stop   chan struct{}
	once   sync.Once
}

func NewWebcam(snapshot SnapshotFunc, uploader Uploader, logger *slog.Logger) *Webcam {
	return &Webcam{
		snapshot: snapshot,
		uploader: uploader,
		logger:   logger.With("component", "camera"),
	}
}

// SetNotifier installs the capture state sink. Late-bound like the cloud
// client's router.
func (w *Webcam) SetNotifier(n Notifier) {
	w.mu.Lock()
	w.notifier = n
	w.mu.Unlock()
}

func (w *Webcam) Active() bool { return w.snapshot != nil }

func (w *Webcam) Snapshot() ([]byte, error) {
	if w.snapshot == nil {
		return nil, ErrNoCamera
	}
	return w.snapshot()
}

// TimelapseInfo describes the running capture, nil when idle.
func (w *Webcam) TimelapseInfo() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.captureInfoLocked()
}

func (w *Webcam) captureInfoLocked() map[string]any {
	if w.capture == nil {
		return nil
	}
	return map[string]any{
		"id":         w.capture.id,
		"freq":       w.capture.freq,
		"last_photo": w.capture.frames,
		"paused":     false,
	}
}

// StartTimelapse registers a capture with the cloud and starts the frame
// loop. freq is the seconds between frames.
func (w *Webcam) StartTimelapse(freq float64) error {
	if w.snapshot == nil {
		return ErrNoCamera
	}
	if freq <= 0 {
		return fmt.Errorf("invalid capture frequency %v", freq)
	}

	w.mu.Lock()
	if w.capture != nil {
		w.mu.Unlock()
		return errors.New("timelapse already running")
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	id, err := w.uploader.CreateTimelapse(ctx, time.Now().Format("2006-01-02 15:04:05"))
	if err != nil {
		return fmt.Errorf("create timelapse: %w", err)
	}

	loop := &captureLoop{
		id:     id,
		freq:   freq,
		update: make(chan float64, 1),
		stop:   make(chan struct{}),
	}

	w.mu.Lock()
	if w.capture != nil {
		w.mu.Unlock()
		return errors.New("timelapse already running")
	}
	w.capture = loop
	w.mu.Unlock()

	go w.run(loop)
	w.notifyCaptureChanged()
	w.logger.Info("timelapse started", "id", id, "freq", freq)
	return nil
}

// UpdateTimelapse retunes the frame interval of the running capture.
func (w *Webcam) UpdateTimelapse(freq float64) error {
	if freq <= 0 {
		return fmt.Errorf("invalid capture frequency %v", freq)
	}
	w.mu.Lock()
	loop := w.capture
	if loop != nil {
		loop.freq = freq
	}
	w.mu.Unlock()
	if loop == nil {
		return errors.New("no timelapse running")
	}

	select {
	case loop.update <- freq:
	default:
	}
	w.notifyCaptureChanged()
	return nil
}

// StopTimelapse ends the running capture, if any.
func (w *Webcam) StopTimelapse() {
	w.mu.Lock()
	loop := w.capture
	w.capture = nil
	w.mu.Unlock()

	if loop != nil {
		loop.once.Do(func() { close(loop.stop) })
		w.notifyCaptureChanged()
		w.logger.Info("timelapse stopped", "id", loop.id)
	}
}

// Stop shuts the camera down.
func (w *Webcam) Stop() {
	w.StopTimelapse()
}

func (w *Webcam) run(loop *captureLoop) {
	interval := time.Duration(loop.freq * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-loop.stop:
			return
		case freq := <-loop.update:
			ticker.Reset(time.Duration(freq * float64(time.Second)))
		case <-ticker.C:
			w.grabFrame(loop)
		}
	}
}

func (w *Webcam) grabFrame(loop *captureLoop) {
	img, err := w.snapshot()
	if err != nil {
		w.logger.Error("unable to capture frame", "id", loop.id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := w.uploader.UploadTimelapseFrame(ctx, loop.id, img); err != nil {
		w.logger.Error("unable to upload frame", "id", loop.id, "err", err)
		return
	}

	w.mu.Lock()
	loop.frames++
	w.mu.Unlock()
	w.notifyCaptureChanged()
}

func (w *Webcam) notifyCaptureChanged() {
	w.mu.Lock()
	n := w.notifier
	info := w.captureInfoLocked()
	w.mu.Unlock()
	if n != nil {
		n.OnCaptureInfoChanged(info)
	}
}
