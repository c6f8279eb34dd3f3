package boxrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultLineCheckInterval = 30 * time.Second
	writeTimeout             = 10 * time.Second
)

// wsConn abstracts the parts of *websocket.Conn a session uses, so tests can
// substitute an in-memory transport.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a websocket connection to the cloud router.
type DialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// session owns one websocket connection attempt. It is replaced wholesale on
// reconnect; a terminated session never calls back into the router.
type session struct {
	router *Router
	conn   wsConn
	logger *slog.Logger

	checkInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	terminated       atomic.Bool
	errored          atomic.Bool
	outstandingPings atomic.Int32
	lastReceived     atomic.Int64 // unix nanos

	terminateOnce sync.Once
	wg            sync.WaitGroup
}

func newSession(r *Router, conn wsConn, checkInterval time.Duration, logger *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		router:        r,
		conn:          conn,
		logger:        logger.With("component", "session"),
		checkInterval: checkInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// start begins the read pump and the liveness loop. Call once, after the
// router has installed this session as current.
func (s *session) start() {
	s.outstandingPings.Store(0)
	s.errored.Store(false)
	s.lastReceived.Store(time.Now().UnixNano())
	s.wg.Add(2)
	go s.readPump()
	go s.lineCheck()
}

// send serializes v and transmits it. A transport-level failure flags the
// session errored and initiates teardown; the resulting closed callback lets
// the router schedule a retry.
func (s *session) send(v any) error {
	if s.terminated.Load() {
		return fmt.Errorf("session terminated")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Error("error raised during send", "err", err)
		s.errored.Store(true)
		s.close()
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *session) readPump() {
	defer s.wg.Done()
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.closed(err)
			return
		}
		s.lastReceived.Store(time.Now().UnixNano())
		s.router.handleMessage(s, data)
	}
}

// lineCheck detects half-open connections: every interval, an unanswered ping
// from the previous cycle declares the line dead; otherwise, if nothing was
// received within the interval, a ping is sent.
func (s *session) lineCheck() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		if s.terminated.Load() {
			return
		}

		if s.outstandingPings.Load() > 0 {
			s.logger.Error("the line seems to be down")
			s.router.handleSessionFailure(s, false)
			return
		}

		if time.Since(time.Unix(0, s.lastReceived.Load())) > s.checkInterval {
			go s.ping()
		}
	}
}

// ping sends a control ping and waits for the pong. The outstanding counter
// stays raised until the pong arrives, which is what the next line check
// inspects.
func (s *session) ping() {
	s.outstandingPings.Add(1)
	ctx, cancel := context.WithTimeout(s.ctx, s.checkInterval)
	defer cancel()
	if err := s.conn.Ping(ctx); err != nil {
		if !s.terminated.Load() {
			s.logger.Error("line check failed to send", "err", err)
		}
		return
	}
	s.outstandingPings.Add(-1)
}

// close initiates self-teardown without severing the router link: the read
// pump observes the closed transport and runs the closed callback, so error
// closes flow through the normal retry decision.
func (s *session) close() {
	s.conn.Close(websocket.StatusInternalError, "link reset")
	s.cancel()
}

// closed runs when the transport drops. A locally terminated session stays
// silent; otherwise the router decides whether this close warrants a retry.
func (s *session) closed(err error) {
	if s.terminated.Load() {
		return
	}
	s.logger.Debug("session transport closed", "err", err)
	if s.errored.Load() || s.router.believesConnected(s) {
		s.router.handleSessionFailure(s, true)
	}
}

// terminate tears down the transport and severs the router back-reference so
// no further callbacks fire. Idempotent.
func (s *session) terminate() {
	s.terminateOnce.Do(func() {
		s.terminated.Store(true)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "")
	})
}
