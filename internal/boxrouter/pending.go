package boxrouter

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// expiryGrace is added on top of a request's advisory timeout before the
// janitor expires it locally. The remote side enforces the timeout proper;
// local expiry only bounds table growth when no response ever arrives.
const expiryGrace = 30 * time.Second

// ResponseCallback receives the correlated response payload for a request
// sent through SendRequestToClient. Extra arguments are bound by closure.
type ResponseCallback func(data json.RawMessage)

type pendingRequest struct {
	callback  ResponseCallback
	timeout   time.Duration
	createdAt time.Time
}

// PendingRequestTable correlates outgoing relayed requests with their
// response callbacks by request ID. Each ID completes at most once.
type PendingRequestTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
	closed  bool
	logger  *slog.Logger

	janitor  *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// NewPendingRequestTable creates a table and starts its expiry janitor.
func NewPendingRequestTable(logger *slog.Logger) *PendingRequestTable {
	t := &PendingRequestTable{
		entries: make(map[string]*pendingRequest),
		logger:  logger,
		janitor: time.NewTicker(5 * time.Second),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *PendingRequestTable) run() {
	for {
		select {
		case <-t.done:
			return
		case <-t.janitor.C:
			t.expireOverdue()
		}
	}
}

// Register stores a callback for the given request ID. A no-op after Shutdown.
func (t *PendingRequestTable) Register(id string, timeout time.Duration, cb ResponseCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.entries[id] = &pendingRequest{
		callback:  cb,
		timeout:   timeout,
		createdAt: time.Now(),
	}
}

// Complete removes the entry for id and invokes its callback with data.
// Unknown or already-completed IDs are logged and dropped; this absorbs races
// where a response arrives after a reconnect invalidated earlier requests.
func (t *PendingRequestTable) Complete(id string, data json.RawMessage) {
	t.mu.Lock()
	req, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("client response for a request that is no longer pending", "reqId", id)
		return
	}
	if req.callback != nil {
		req.callback(data)
	}
}

// Len reports the number of in-flight requests.
func (t *PendingRequestTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Shutdown clears the table and stops the janitor. In-flight entries are
// dropped without invoking their callbacks; later Register/Complete calls
// are no-ops.
func (t *PendingRequestTable) Shutdown() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.entries = make(map[string]*pendingRequest)
		t.mu.Unlock()
		t.janitor.Stop()
		close(t.done)
	})
}

// expireOverdue completes requests whose advisory timeout (plus grace) has
// elapsed with an error payload, so callbacks still fire exactly once and
// the table cannot grow without bound.
func (t *PendingRequestTable) expireOverdue() {
	now := time.Now()
	var expired []*pendingRequest

	t.mu.Lock()
	for id, req := range t.entries {
		if req.timeout <= 0 {
			continue
		}
		if now.Sub(req.createdAt) > req.timeout+expiryGrace {
			delete(t.entries, id)
			expired = append(expired, req)
			t.logger.Warn("expiring pending client request", "reqId", id, "age", now.Sub(req.createdAt))
		}
	}
	t.mu.Unlock()

	for _, req := range expired {
		if req.callback != nil {
			req.callback(json.RawMessage(`{"error":true,"message":"request timed out"}`))
		}
	}
}
