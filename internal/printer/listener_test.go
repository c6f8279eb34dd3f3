package printer

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"astrobox-agent/internal/events"
	"astrobox-agent/internal/store"
)

type recordedEvent struct {
	event string
	data  any
}

type recordingWatcher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (w *recordingWatcher) BroadcastEvent(event string, data any) {
	w.mu.Lock()
	w.events = append(w.events, recordedEvent{event, data})
	w.mu.Unlock()
}

func (w *recordingWatcher) last(t *testing.T) recordedEvent {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.events) == 0 {
		t.Fatal("no events recorded")
	}
	return w.events[len(w.events)-1]
}

func (w *recordingWatcher) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

type fixedAnalyzer struct {
	layers int
	ready  bool
}

func (a fixedAnalyzer) LayerCount(string) (int, bool) { return a.layers, a.ready }

func newTestListener(t *testing.T, analyzer Analyzer) (*Listener, store.Store) {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewListener(st, analyzer, events.NewBus(logger), logger), st
}

func TestStateChangedBroadcasts(t *testing.T) {
	l, _ := newTestListener(t, nil)
	w := &recordingWatcher{}
	l.AddWatcher(w)

	l.StateChanged(true, true, false, false, 1)

	ev := w.last(t)
	if ev.event != "status_update" {
		t.Fatalf("event = %q, want status_update", ev.event)
	}
	data := ev.data.(map[string]any)
	if data["printing"] != true || data["tool"] != 1 {
		t.Errorf("data = %v", data)
	}

	snap := l.StateSnapshot()
	if snap["printing"] != true || snap["operational"] != true {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestStateChangedReachesTheBus(t *testing.T) {
	l, _ := newTestListener(t, nil)

	var got []events.Event
	l.bus.On(events.EventPrinterState, func(e events.Event) {
		got = append(got, e)
	})

	l.StateChanged(true, false, true, false, 0)

	if len(got) != 1 {
		t.Fatalf("bus events = %d, want 1", len(got))
	}
	data := got[0].Data.(map[string]any)
	if data["state"] != "paused" {
		t.Errorf("state = %v, want paused", data["state"])
	}
	if data["operational"] != true {
		t.Errorf("operational = %v, want true", data["operational"])
	}
}

func TestRemoveWatcherStopsEvents(t *testing.T) {
	l, _ := newTestListener(t, nil)
	w := &recordingWatcher{}
	l.AddWatcher(w)
	l.RemoveWatcher()

	l.StateChanged(true, false, false, false, 0)
	if w.count() != 0 {
		t.Errorf("events after RemoveWatcher = %d, want 0", w.count())
	}
}

func TestJobSelectedEnrichesFromStore(t *testing.T) {
	l, st := newTestListener(t, fixedAnalyzer{layers: 250, ready: true})
	path := filepath.Join("/var/prints", "bracket.gcode")
	if err := st.SavePrintFile(&store.PrintFile{ID: "pf-1", Name: "bracket", Filename: "bracket.gcode", Path: path}); err != nil {
		t.Fatal(err)
	}

	l.JobSelected(path)

	job := l.JobData()
	if job["printFileId"] != "pf-1" {
		t.Errorf("printFileId = %v, want pf-1", job["printFileId"])
	}
	if job["layerCount"] != 250 {
		t.Errorf("layerCount = %v, want 250", job["layerCount"])
	}
	if job["name"] != "bracket.gcode" {
		t.Errorf("name = %v", job["name"])
	}
}

func TestJobDataNilWithoutJob(t *testing.T) {
	l, _ := newTestListener(t, nil)
	if got := l.JobData(); got != nil {
		t.Errorf("JobData() = %v, want nil", got)
	}
	if got := l.Progress(); got != nil {
		t.Errorf("Progress() = %v, want nil", got)
	}
}

func TestProgressUsesLayerEstimate(t *testing.T) {
	l, _ := newTestListener(t, fixedAnalyzer{layers: 100, ready: true})
	w := &recordingWatcher{}
	l.AddWatcher(w)
	l.JobSelected("part.gcode")

	// 25 layers done in 500s: 15 per layer estimate beats the firmware's.
	l.ProgressChanged(25, 500, 9999, 25)

	ev := w.last(t)
	if ev.event != "printing_progress" {
		t.Fatalf("event = %q, want printing_progress", ev.event)
	}
	data := ev.data.(map[string]any)
	if data["printTimeLeft"] != 1500 {
		t.Errorf("printTimeLeft = %v, want 1500 from the layer estimate", data["printTimeLeft"])
	}
	if data["completion"] != 25.0 {
		t.Errorf("completion = %v, want 25", data["completion"])
	}
}

func TestProgressWithoutAnalysisKeepsFirmwareEstimate(t *testing.T) {
	l, _ := newTestListener(t, nil)
	w := &recordingWatcher{}
	l.AddWatcher(w)
	l.JobSelected("part.gcode")

	l.ProgressChanged(10, 100, 900, 5)

	data := w.last(t).data.(map[string]any)
	if data["printTimeLeft"] != 900 {
		t.Errorf("printTimeLeft = %v, want the firmware's 900", data["printTimeLeft"])
	}
}

func TestJobCompletedClearsState(t *testing.T) {
	l, _ := newTestListener(t, nil)
	l.JobSelected("part.gcode")
	l.ProgressChanged(50, 100, 100, 10)

	l.JobCompleted(true)

	if l.JobData() != nil {
		t.Error("job data survives completion")
	}
	if l.Progress() != nil {
		t.Error("progress survives completion")
	}
}
