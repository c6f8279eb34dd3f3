package boxrouter

import (
	"log/slog"
	"reflect"
	"sync"
)

// Events the sender deduplicates.
const (
	eventStatusUpdate     = "status_update"
	eventTempUpdate       = "temp_update"
	eventPrintingProgress = "printing_progress"
	eventPrintCapture     = "print_capture"
	eventFileDownload     = "print_file_download"
	eventFilamentUpdate   = "filament_update"
)

var knownEvents = []string{
	eventStatusUpdate,
	eventTempUpdate,
	eventPrintingProgress,
	eventPrintCapture,
	eventFileDownload,
	eventFilamentUpdate,
}

// EventSender forwards box events to the cloud, suppressing repeats of the
// payload that was last delivered for each event kind.
type EventSender struct {
	router *Router
	logger *slog.Logger

	mu       sync.Mutex
	lastSent map[string]any
}

func newEventSender(r *Router, logger *slog.Logger) *EventSender {
	s := &EventSender{
		router: r,
		logger: logger.With("component", "events"),
	}
	s.Reset()
	return s
}

// Reset clears the dedup cache so every event kind sends again on its next
// update.
func (e *EventSender) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSent = make(map[string]any, len(knownEvents))
	for _, ev := range knownEvents {
		e.lastSent[ev] = nil
	}
}

// SendUpdate forwards data for the given event unless it matches what was
// last delivered. The cache only advances when the send succeeds, so a
// failed delivery is retried on the next update. The lock spans the
// compare and the send: concurrent identical updates yield one frame.
func (e *EventSender) SendUpdate(event string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, known := e.lastSent[event]
	if !known {
		e.logger.Warn("not a trackable event", "event", event)
		return
	}
	if reflect.DeepEqual(last, data) {
		return
	}
	if e.router.sendEvent(event, data) {
		e.lastSent[event] = data
	}
}

// SendLastUpdate re-sends the cached payload for the given event regardless
// of deduplication.
func (e *EventSender) SendLastUpdate(event string) {
	e.mu.Lock()
	last, known := e.lastSent[event]
	e.mu.Unlock()

	if !known {
		e.logger.Warn("not a trackable event", "event", event)
		return
	}
	e.router.sendEvent(event, last)
}

func (e *EventSender) downloadProgress(id string, progress float64) {
	e.SendUpdate(eventFileDownload, map[string]any{
		"id":       id,
		"selected": false,
		"progress": progress,
	})
}

func (e *EventSender) downloadError(id, reason string) {
	e.SendUpdate(eventFileDownload, map[string]any{
		"id":       id,
		"selected": false,
		"error":    true,
		"message":  reason,
	})
}

func (e *EventSender) downloadCancelled(id string) {
	e.SendUpdate(eventFileDownload, map[string]any{
		"id":        id,
		"selected":  false,
		"cancelled": true,
	})
}

// downloadComplete reports the end of a download. When the file was also
// selected for printing the client sees it as selected; a failure to start
// the print surfaces as an error on the same event.
func (e *EventSender) downloadComplete(id string, printing bool) {
	if printing {
		e.SendUpdate(eventFileDownload, map[string]any{
			"id":       id,
			"selected": true,
			"progress": 100,
		})
		return
	}
	e.SendUpdate(eventFileDownload, map[string]any{
		"id":       id,
		"selected": false,
		"progress": 100,
		"error":    true,
		"message":  "Unable to start printing",
	})
}
