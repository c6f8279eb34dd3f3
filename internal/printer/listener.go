package printer

import (
	"log/slog"
	"path/filepath"
	"sync"

	"astrobox-agent/internal/events"
	"astrobox-agent/internal/store"
)

// Analyzer supplies gcode analysis results. Optional; a nil analyzer just
// means no layer counts.
type Analyzer interface {
	// LayerCount reports the number of layers in the file, false while the
	// analysis has not finished.
	LayerCount(path string) (int, bool)
}

// Listener tracks what the printer is doing and fans the derived box events
// out to one watcher (the cloud router). It is the driver's reporting sink:
// the Control implementation calls the Changed methods as the print evolves.
type Listener struct {
	logger   *slog.Logger
	store    store.Store
	analyzer Analyzer
	bus      *events.Bus

	mu       sync.Mutex
	watcher  Watcher
	state    map[string]any
	job      map[string]any
	progress map[string]any
}

func NewListener(st store.Store, analyzer Analyzer, bus *events.Bus, logger *slog.Logger) *Listener {
	return &Listener{
		logger:   logger.With("component", "printer"),
		store:    st,
		analyzer: analyzer,
		bus:      bus,
		state: map[string]any{
			"operational": false,
			"printing":    false,
			"paused":      false,
			"heatingUp":   false,
			"tool":        0,
		},
	}
}

// AddWatcher routes subsequent events to w. One watcher at a time.
func (l *Listener) AddWatcher(w Watcher) {
	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()
}

// RemoveWatcher stops event forwarding.
func (l *Listener) RemoveWatcher() {
	l.mu.Lock()
	l.watcher = nil
	l.mu.Unlock()
}

// StateSnapshot returns a copy of the current printer state.
func (l *Listener) StateSnapshot() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := make(map[string]any, len(l.state))
	for k, v := range l.state {
		snap[k] = v
	}
	return snap
}

// JobData returns the current job's metadata, nil when nothing is selected.
func (l *Listener) JobData() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyMap(l.job)
}

// Progress returns the current job's progress, nil when nothing is printing.
func (l *Listener) Progress() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyMap(l.progress)
}

// StateChanged records a new printer state and broadcasts it.
func (l *Listener) StateChanged(operational, printing, paused, heating bool, tool int) {
	l.mu.Lock()
	l.state = map[string]any{
		"operational": operational,
		"printing":    printing,
		"paused":      paused,
		"heatingUp":   heating,
		"tool":        tool,
	}
	snap := make(map[string]any, len(l.state))
	for k, v := range l.state {
		snap[k] = v
	}
	w := l.watcher
	l.mu.Unlock()

	if w != nil {
		w.BroadcastEvent("status_update", snap)
	}
	if l.bus != nil {
		local := copyMap(snap)
		local["state"] = stateName(operational, printing, paused, heating)
		l.bus.Emit(events.Event{Type: events.EventPrinterState, Data: local})
	}
}

func stateName(operational, printing, paused, heating bool) string {
	switch {
	case paused:
		return "paused"
	case printing:
		return "printing"
	case heating:
		return "heating"
	case operational:
		return "operational"
	default:
		return "offline"
	}
}

// TempsChanged broadcasts a temperature report. temps maps heater names to
// actual/target pairs, e.g. {"tool0": {"actual": 210, "target": 215}}.
func (l *Listener) TempsChanged(temps map[string]any) {
	l.mu.Lock()
	w := l.watcher
	l.mu.Unlock()
	if w != nil {
		w.BroadcastEvent("temp_update", temps)
	}
}

// ProgressChanged records print progress. When the analysis knows the layer
// count, the remaining time is re-estimated from elapsed time per layer,
// which tracks reality better than the firmware's byte-based guess.
func (l *Listener) ProgressChanged(completion float64, printTime, printTimeLeft, currentLayer int) {
	l.mu.Lock()
	layerCount := 0
	if l.job != nil {
		if lc, ok := l.job["layerCount"].(int); ok {
			layerCount = lc
		}
	}
	if layerCount > 0 && currentLayer > 0 && printTime > 0 {
		perLayer := float64(printTime) / float64(currentLayer)
		remaining := float64(layerCount-currentLayer) * perLayer
		if remaining >= 0 {
			printTimeLeft = int(remaining)
		}
	}
	l.progress = map[string]any{
		"completion":    completion,
		"printTime":     printTime,
		"printTimeLeft": printTimeLeft,
		"currentLayer":  currentLayer,
	}
	snap := copyMap(l.progress)
	w := l.watcher
	l.mu.Unlock()

	if w != nil {
		w.BroadcastEvent("printing_progress", snap)
	}
}

// JobSelected records the file about to print, enriched from the local print
// file record and the analyzer when available.
func (l *Listener) JobSelected(path string) {
	job := map[string]any{
		"name": filepath.Base(path),
	}
	if l.store != nil {
		if pf, err := l.store.GetPrintFileByPath(path); err == nil {
			job["printFileId"] = pf.ID
			job["printFileName"] = pf.Name
			if pf.RenderedImage != "" {
				job["renderedImage"] = pf.RenderedImage
			}
		}
	}
	if l.analyzer != nil {
		if lc, ok := l.analyzer.LayerCount(path); ok {
			job["layerCount"] = lc
		}
	}

	l.mu.Lock()
	l.job = job
	l.progress = nil
	l.mu.Unlock()
	l.logger.Info("print job selected", "path", path)
}

// JobCompleted clears the job state once the print ends.
func (l *Listener) JobCompleted(success bool) {
	l.mu.Lock()
	l.job = nil
	l.progress = nil
	w := l.watcher
	snap := make(map[string]any, len(l.state))
	for k, v := range l.state {
		snap[k] = v
	}
	l.mu.Unlock()

	l.logger.Info("print job completed", "success", success)
	if w != nil {
		w.BroadcastEvent("status_update", snap)
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
