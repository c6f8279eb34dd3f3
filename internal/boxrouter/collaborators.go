package boxrouter

import (
	"context"

	"astrobox-agent/internal/printer"
	"astrobox-agent/internal/store"
)

// CloudService is the slice of the cloud API client the router needs.
// Implemented by *cloud.Client.
type CloudService interface {
	// HasAccount reports whether cloud credentials are stored locally.
	HasAccount() bool
	// AccessToken returns a currently valid access token, refreshing if
	// necessary.
	AccessToken(ctx context.Context) (string, error)
	// PrintFile fetches (and downloads if needed) the given cloud print
	// file, then starts printing it. Progress flows back through the
	// router's download event methods.
	PrintFile(id, printJobID string)
	// CancelDownload aborts an in-flight download of the given print file.
	CancelDownload(id string) bool
	// SignOff clears the local account without user interaction.
	SignOff()
	// NotifyAuthRejected handles a hard cloud-side auth rejection: purge
	// credentials and notify the user.
	NotifyAuthRejected()
}

// JobTracker exposes the state the cloud asks about: the live printer
// snapshot and the current job's metadata and progress.
// Implemented by *printer.Listener.
type JobTracker interface {
	// AddWatcher routes subsequent state changes to the broadcaster;
	// RemoveWatcher stops them.
	AddWatcher(w printer.Watcher)
	RemoveWatcher()
	StateSnapshot() map[string]any
	// JobData returns nil when no job is selected.
	JobData() map[string]any
	// Progress returns nil when no job is in progress.
	Progress() map[string]any
}

// CameraManager handles photo capture and print timelapses.
type CameraManager interface {
	Active() bool
	Snapshot() ([]byte, error)
	// TimelapseInfo returns nil when no capture is running.
	TimelapseInfo() map[string]any
	StartTimelapse(freq float64) error
	UpdateTimelapse(freq float64) error
}

// FilamentStore persists the loaded filament selection.
type FilamentStore interface {
	SetFilament(f *store.Filament) error
	GetFilament() (*store.Filament, error)
}
