package boxrouter

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// doneFunc delivers a handler's result. Wrapped so a result goes out at most
// once per request even if a handler misbehaves.
type doneFunc func(result any)

type requestHandlerFunc func(payload json.RawMessage, clientID string, done doneFunc)

// dispatcher routes inbound frames that are not part of the auth or response
// correlation flows: commands, event subscriptions and relayed requests.
type dispatcher struct {
	router *Router
	logger *slog.Logger

	handlers map[string]requestHandlerFunc

	mu          sync.Mutex
	subscribers int
}

func newDispatcher(r *Router, logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		router: r,
		logger: logger.With("component", "dispatcher"),
	}
	d.handlers = map[string]requestHandlerFunc{
		"initial_state":   d.handleInitialState,
		"job_info":        d.handleJobInfo,
		"printerCommand":  d.handlePrinterCommand,
		"printCapture":    d.handlePrintCapture,
		"signoff":         d.handleSignoff,
		"print_file":      d.handlePrintFile,
		"cancel_download": d.handleCancelDownload,
		"set_filament":    d.handleSetFilament,
	}
	return d
}

func (d *dispatcher) dispatch(s *session, m *message) {
	switch m.Type {
	case msgSetTemp:
		d.handleSetTemp(m.Payload)
	case msgUpdateSubscribers:
		d.handleUpdateSubscribers(m.Data)
	case msgForceEvent:
		d.handleForceEvent(m.Data)
	case msgRequest:
		d.handleRequest(s, m)
	default:
		d.logger.Warn("unknown message type received", "type", m.Type)
	}
}

// handleSetTemp applies a temperature command pushed outside the request
// flow. Ignored while the printer is not operational.
func (d *dispatcher) handleSetTemp(payload json.RawMessage) {
	p := d.router.collab.Printer
	if p == nil || !p.IsOperational() {
		return
	}
	var body struct {
		Target string  `json:"target"`
		Value  float64 `json:"value"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		d.logger.Error("invalid set_temp payload", "err", err)
		return
	}
	if err := p.SetTemperature(body.Target, body.Value); err != nil {
		d.logger.Error("unable to set temperature", "target", body.Target, "err", err)
	}
}

// handleUpdateSubscribers adjusts the count of cloud clients watching this
// box. Event forwarding toggles when the count crosses zero.
func (d *dispatcher) handleUpdateSubscribers(data json.RawMessage) {
	var delta int
	if err := json.Unmarshal(data, &delta); err != nil {
		d.logger.Error("invalid update_subscribers payload", "err", err)
		return
	}

	d.mu.Lock()
	d.subscribers += delta
	if d.subscribers < 0 {
		d.subscribers = 0
	}
	active := d.subscribers > 0
	d.mu.Unlock()

	if active {
		d.router.RegisterEvents()
	} else {
		d.router.UnregisterEvents()
	}
}

// handleForceEvent re-sends the last cached value of one event, bypassing
// deduplication.
func (d *dispatcher) handleForceEvent(data json.RawMessage) {
	var event string
	if err := json.Unmarshal(data, &event); err != nil {
		d.logger.Error("invalid force_event payload", "err", err)
		return
	}
	d.router.sender.SendLastUpdate(event)
}

// handleRequest runs one relayed request off the receive loop and sends the
// req_response back on the same session. Handler panics become error
// responses instead of taking the session down.
func (d *dispatcher) handleRequest(s *session, m *message) {
	var body requestBody
	if err := json.Unmarshal(m.Data, &body); err != nil {
		d.logger.Error("invalid request body", "reqId", m.ReqID, "err", err)
		s.send(reqResponse(m.ReqID, errorResult("invalid request")))
		return
	}

	handler, ok := d.handlers[body.Type]
	if !ok {
		d.logger.Warn("request type not supported", "type", body.Type, "reqId", m.ReqID)
		s.send(reqResponse(m.ReqID, errorResult("this request is not supported")))
		return
	}

	var once sync.Once
	done := func(result any) {
		once.Do(func() {
			if result == nil {
				result = successResult()
			}
			if err := s.send(reqResponse(m.ReqID, result)); err != nil {
				d.logger.Error("unable to deliver request response", "reqId", m.ReqID, "err", err)
			}
		})
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("request handler panicked", "type", body.Type, "reqId", m.ReqID, "panic", rec)
				done(errorResult("internal error"))
			}
		}()
		handler(body.Payload, m.ClientID, done)
	}()
}

func (d *dispatcher) resetSubscribers() {
	d.mu.Lock()
	d.subscribers = 0
	d.mu.Unlock()
}

func (d *dispatcher) subscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscribers
}
