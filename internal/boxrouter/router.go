package boxrouter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"astrobox-agent/internal/events"
	"astrobox-agent/internal/printer"
)

// Status is the externally visible connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Profile describes the printer hardware reported to the cloud.
type Profile struct {
	Driver        string   `yaml:"driver" json:"driver"`
	ExtruderCount int      `yaml:"extruder_count" json:"extruder_count"`
	MaxNozzleTemp int      `yaml:"max_nozzle_temp" json:"max_nozzle_temp"`
	MaxBedTemp    int      `yaml:"max_bed_temp" json:"max_bed_temp"`
	HeatedBed     bool     `yaml:"heated_bed" json:"heated_bed"`
	InvertZ       bool     `yaml:"invert_z" json:"invert_z"`
	CancelGcode   []string `yaml:"cancel_gcode" json:"cancel_gcode,omitempty"`
}

// Config carries the identity and capabilities announced during the auth
// handshake.
type Config struct {
	WebSocketURL string
	BoxID        string
	VariantID    string
	BoxName      string
	SWVersion    string
	PrinterModel string
	Capabilities []string
	Profile      Profile

	// LineCheckInterval overrides the liveness check period. Zero means
	// the default.
	LineCheckInterval time.Duration
}

// Collaborators are the subsystems the router drives on behalf of the cloud.
type Collaborators struct {
	Cloud    CloudService
	Printer  printer.Control
	Jobs     JobTracker
	Camera   CameraManager
	Filament FilamentStore
}

// Router maintains the persistent websocket link to the cloud router:
// connect and authenticate, retry with escalating backoff, relay requests
// between cloud clients and the local subsystems, and forward printer events.
type Router struct {
	cfg    Config
	collab Collaborators
	bus    *events.Bus
	logger *slog.Logger
	dial   DialFunc

	pending    *PendingRequestTable
	dispatcher *dispatcher
	sender     *EventSender

	watcherRegistered atomic.Bool

	mu            sync.Mutex
	status        Status
	connected     bool
	authenticated bool
	silent        bool
	accessToken   string
	session       *session
	retries       int
	retryTimer    *time.Timer
	shutdown      bool
}

// NewRouter wires a router against its collaborators. Connect must be called
// to bring the link up.
func NewRouter(cfg Config, collab Collaborators, bus *events.Bus, logger *slog.Logger) *Router {
	if cfg.LineCheckInterval <= 0 {
		cfg.LineCheckInterval = defaultLineCheckInterval
	}
	log := logger.With("component", "boxrouter")
	r := &Router{
		cfg:     cfg,
		collab:  collab,
		bus:     bus,
		logger:  log,
		dial:    defaultDial,
		pending: NewPendingRequestTable(log),
		status:  StatusDisconnected,
	}
	r.dispatcher = newDispatcher(r, log)
	r.sender = newEventSender(r, log)
	return r
}

// Status returns the current connection state.
func (r *Router) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Connected reports whether the link is up and authenticated.
func (r *Router) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected && r.authenticated
}

// Connect brings the cloud link up. It is a no-op while connected or
// connecting; if a retry is pending it is cancelled and the backoff sequence
// restarts from the beginning.
func (r *Router) Connect() bool {
	return r.connect(false)
}

func (r *Router) connect(silent bool) bool {
	if r.collab.Cloud == nil || !r.collab.Cloud.HasAccount() {
		r.logger.Error("no cloud account, refusing to connect")
		return false
	}

	r.mu.Lock()
	if r.shutdown || r.connected || r.status == StatusConnecting {
		r.mu.Unlock()
		return false
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
		r.retries = 0
	}
	r.silent = silent
	r.status = StatusConnecting
	r.mu.Unlock()
	r.emitStatus(StatusConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := r.collab.Cloud.AccessToken(ctx)
	if err != nil {
		r.logger.Error("unable to obtain access token", "err", err)
		return r.connectFailed()
	}

	conn, err := r.dial(ctx, r.cfg.WebSocketURL)
	if err != nil {
		r.logger.Error("error connecting to boxrouter", "url", r.cfg.WebSocketURL, "err", err)
		return r.connectFailed()
	}

	s := newSession(r, conn, r.cfg.LineCheckInterval, r.logger)

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		s.terminate()
		return false
	}
	if old := r.session; old != nil {
		old.terminate()
	}
	r.session = s
	r.connected = true
	r.accessToken = token
	r.mu.Unlock()

	if r.collab.Jobs != nil {
		r.collab.Jobs.AddWatcher(r)
	}
	s.start()

	// Announce ourselves without waiting for the server to ask.
	if err := s.send(envelope(msgAuth, r.buildAuthRequest())); err != nil {
		r.logger.Error("unable to send auth request", "err", err)
	}
	return true
}

func (r *Router) connectFailed() bool {
	r.mu.Lock()
	r.status = StatusError
	r.mu.Unlock()
	r.emitStatus(StatusError)
	r.doRetry(false)
	return true
}

// Disconnect tears the link down on user request. No retry is scheduled and
// any pending retry is cancelled.
func (r *Router) Disconnect() {
	r.mu.Lock()
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	r.retries = 0
	r.mu.Unlock()
	r.closeConnection()
}

// Shutdown stops the router for good: no further connects or retries.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	r.mu.Unlock()
	r.closeConnection()
	r.pending.Shutdown()
}

// closeConnection drops the current session and resets connection state.
// Safe to call from any goroutine, including session callbacks.
func (r *Router) closeConnection() {
	r.teardown(StatusDisconnected)
}

// teardown severs the current session and settles the router on next. The
// bus sees a single status transition.
func (r *Router) teardown(next Status) {
	r.mu.Lock()
	s := r.session
	wasDisconnected := r.status == StatusDisconnected && s == nil && !r.connected
	r.session = nil
	r.connected = false
	r.authenticated = false
	r.accessToken = ""
	r.status = next
	r.mu.Unlock()

	if wasDisconnected && next == StatusDisconnected {
		return
	}

	r.watcherRegistered.Store(false)
	r.dispatcher.resetSubscribers()
	if s != nil {
		s.terminate()
	}
	if r.collab.Jobs != nil {
		r.collab.Jobs.RemoveWatcher()
	}
	r.emitStatus(next)
}

// handleSessionFailure reacts to a transport-level failure of s. Stale
// sessions (already replaced or terminated) are ignored.
func (r *Router) handleSessionFailure(s *session, silent bool) {
	r.mu.Lock()
	if s != r.session {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.teardown(StatusError)
	r.doRetry(silent)
}

// believesConnected reports whether s is still the installed session of a
// link the router considers up.
func (r *Router) believesConnected(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected && r.session == s
}

// doRetry schedules the next reconnect attempt. At most one timer is
// outstanding; an already pending retry is left alone.
func (r *Router) doRetry(silent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown || r.retryTimer != nil {
		return
	}

	delay, ok := NextDelay(r.retries)
	if !ok {
		r.logger.Error("retry schedule exhausted, giving up on reconnecting")
		r.retries = 0
		r.status = StatusDisconnected
		go r.emitStatus(StatusDisconnected)
		return
	}

	r.logger.Info("retrying boxrouter connection", "attempt", r.retries+1, "in", delay)
	r.retryTimer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.retryTimer = nil
		r.retries++
		shutdown := r.shutdown
		r.mu.Unlock()
		if shutdown {
			return
		}
		r.connect(silent)
	})
}

// handleMessage dispatches one inbound frame from the given session. Frames
// read by a session that has since been replaced are dropped: a terminated
// pump can race its own cancellation by one message.
func (r *Router) handleMessage(s *session, raw []byte) {
	r.mu.Lock()
	stale := s != r.session
	r.mu.Unlock()
	if stale {
		r.logger.Debug("dropping frame from a replaced session")
		return
	}

	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		r.logger.Error("badly formed message from the boxrouter", "err", err)
		return
	}

	switch m.Type {
	case msgAuth:
		if reply := r.processAuthenticate(m.Data); reply != nil {
			if err := s.send(reply); err != nil {
				r.logger.Error("unable to send auth response", "err", err)
			}
		}
	case msgResponseFromClient:
		r.pending.Complete(m.ReqID, m.Data)
	default:
		r.dispatcher.dispatch(s, &m)
	}
}

// processAuthenticate handles the auth conversation. An empty frame is the
// server prompting for credentials; a non-nil return value is sent back.
func (r *Router) processAuthenticate(data json.RawMessage) any {
	if len(data) == 0 || string(data) == "null" {
		return envelope(msgAuth, r.buildAuthRequest())
	}

	r.mu.Lock()
	r.silent = false
	r.mu.Unlock()

	var res authResult
	if err := json.Unmarshal(data, &res); err != nil {
		r.logger.Error("invalid auth response", "err", err)
		return nil
	}

	if res.Error {
		switch res.Type {
		case authErrBoxIDInUse:
			r.logger.Error("box id already in use by another box, content of the identity file needs attention", "message", res.Message)
			r.closeConnection()
		case authErrMustRetry:
			r.logger.Warn("box not yet registered with the boxrouter, retrying", "message", res.Message)
			r.closeConnection()
			r.doRetry(true)
		case authErrUnauthorized:
			fallthrough
		default:
			r.logger.Error("boxrouter rejected our credentials", "type", res.Type, "message", res.Message)
			r.closeConnection()
			if r.collab.Cloud != nil {
				go r.collab.Cloud.NotifyAuthRejected()
			}
		}
		return nil
	}

	if res.Success {
		r.mu.Lock()
		r.authenticated = true
		r.retries = 0
		if r.retryTimer != nil {
			r.retryTimer.Stop()
			r.retryTimer = nil
		}
		r.status = StatusConnected
		r.mu.Unlock()
		r.emitStatus(StatusConnected)
		r.logger.Info("connected to the boxrouter", "fleetId", res.FleetID, "groupId", res.GroupID)

		// Push current printer state so subscribed clients catch up.
		if r.collab.Jobs != nil {
			r.sender.SendUpdate("status_update", r.collab.Jobs.StateSnapshot())
		}
	}
	return nil
}

func (r *Router) buildAuthRequest() authRequest {
	r.mu.Lock()
	silent := r.silent
	token := r.accessToken
	r.mu.Unlock()

	return authRequest{
		SilentReconnect: silent,
		BoxID:           r.cfg.BoxID,
		VariantID:       r.cfg.VariantID,
		BoxName:         r.cfg.BoxName,
		SWVersion:       r.cfg.SWVersion,
		Platform:        runtime.GOOS,
		LocalIPAddress:  localIPAddress(),
		AccessToken:     token,
		PrinterModel:    r.cfg.PrinterModel,
	}
}

// Send transmits one frame on the current session. Reports whether the frame
// was handed to the transport.
func (r *Router) Send(v any) bool {
	r.mu.Lock()
	s := r.session
	connected := r.connected
	r.mu.Unlock()

	if !connected || s == nil {
		return false
	}
	return s.send(v) == nil
}

// RegisterEvents enables forwarding of printer events to the cloud. The
// event cache is reset so the first update of each kind always goes out.
func (r *Router) RegisterEvents() {
	if !r.watcherRegistered.Swap(true) {
		r.sender.Reset()
	}
}

// UnregisterEvents stops forwarding printer events.
func (r *Router) UnregisterEvents() {
	r.watcherRegistered.Store(false)
}

// sendEvent forwards one event when a subscriber is listening. With nobody
// subscribed the event is swallowed and reported as delivered, matching the
// cache semantics of SendUpdate.
func (r *Router) sendEvent(event string, data any) bool {
	if !r.watcherRegistered.Load() {
		return true
	}
	return r.Send(envelope(msgSendEvent, map[string]any{
		"eventType": event,
		"eventData": data,
	}))
}

// BroadcastEvent implements printer.Watcher for the job tracker.
func (r *Router) BroadcastEvent(event string, data any) {
	r.sender.SendUpdate(event, data)
}

// SendRequestToClient relays a request to a cloud-side client and registers
// cb for the correlated response. The timeout is advisory for the remote
// side and bounds local retention of the callback.
func (r *Router) SendRequestToClient(clientID, reqType string, payload any, timeout time.Duration, cb ResponseCallback) {
	reqID := newRequestID()
	sent := r.Send(envelope(msgRequestToClient, map[string]any{
		"clientId": clientID,
		"timeout":  int(timeout.Seconds()),
		"reqId":    reqID,
		"type":     reqType,
		"payload":  payload,
	}))
	if sent && cb != nil {
		r.pending.Register(reqID, timeout, cb)
	}
}

// SendEventToClient pushes an event to one specific cloud-side client.
func (r *Router) SendEventToClient(clientID, eventType string, data any) {
	r.Send(envelope(msgSendEventToClient, map[string]any{
		"clientId":  clientID,
		"eventType": eventType,
		"eventData": data,
	}))
}

// OnDownloadProgress reports partial progress for a print file download.
func (r *Router) OnDownloadProgress(id string, progress float64) {
	r.sender.downloadProgress(id, progress)
}

// OnDownloadError reports a failed print file download.
func (r *Router) OnDownloadError(id, reason string) {
	r.sender.downloadError(id, reason)
}

// OnDownloadCancelled reports a cancelled print file download.
func (r *Router) OnDownloadCancelled(id string) {
	r.sender.downloadCancelled(id)
}

// OnDownloadComplete reports a finished download and whether printing began.
func (r *Router) OnDownloadComplete(id string, printing bool) {
	r.sender.downloadComplete(id, printing)
}

// OnCaptureInfoChanged forwards timelapse capture state changes.
func (r *Router) OnCaptureInfoChanged(info map[string]any) {
	r.sender.SendUpdate("print_capture", info)
}

// OnFilamentChanged forwards filament selection changes.
func (r *Router) OnFilamentChanged(f any) {
	r.sender.SendUpdate("filament_update", f)
}

func (r *Router) emitStatus(s Status) {
	if r.bus != nil {
		r.bus.Emit(events.Event{
			Type: events.EventCloudStatus,
			Data: map[string]any{"status": string(s)},
		})
	}
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// localIPAddress finds the address the default route would use. Best effort;
// empty on failure.
func localIPAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
