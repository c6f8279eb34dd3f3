package printer

import "errors"

// ErrNotConnected is returned by controls when no printer is attached.
var ErrNotConnected = errors.New("printer not connected")

// Watcher receives box events derived from printer activity.
type Watcher interface {
	BroadcastEvent(event string, data any)
}

// Control drives the physical printer. Firmware transport is out of scope
// here; implementations adapt whatever driver the box runs.
type Control interface {
	IsOperational() bool
	IsPrinting() bool
	IsPaused() bool
	IsHeating() bool
	CurrentTool() int
	SetTemperature(target string, value float64) error
	Pause() error
	Resume() error
	CancelPrint() error
	SelectAndPrint(path string) error
}

// Disconnected is the Control used when no driver is configured. Every
// command fails with ErrNotConnected.
type Disconnected struct{}

func (Disconnected) IsOperational() bool { return false }
func (Disconnected) IsPrinting() bool    { return false }
func (Disconnected) IsPaused() bool      { return false }
func (Disconnected) IsHeating() bool     { return false }
func (Disconnected) CurrentTool() int    { return 0 }

func (Disconnected) SetTemperature(string, float64) error { return ErrNotConnected }
func (Disconnected) Pause() error                         { return ErrNotConnected }
func (Disconnected) Resume() error                        { return ErrNotConnected }
func (Disconnected) CancelPrint() error                   { return ErrNotConnected }
func (Disconnected) SelectAndPrint(string) error          { return ErrNotConnected }
