package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// ErrCancelled reports a download aborted through Cancel or Shutdown.
var ErrCancelled = errors.New("download cancelled")

const (
	defaultWorkers = 3
	queueDepth     = 32
	copyChunk      = 32 * 1024
)

// Request describes one file to fetch. Progress runs from 2 to 100; the floor
// gives the user immediate feedback while the transfer ramps up.
type Request struct {
	ID          string
	URL         string
	Destination string
	Size        int64
	OnProgress  func(progress float64)
	OnDone      func(err error)
}

type task struct {
	req    Request
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager fetches print files through a fixed worker pool. One transfer per
// file ID at a time; a second Enqueue for an active ID is refused.
type Manager struct {
	logger *slog.Logger
	client *http.Client
	queue  chan *task

	mu     sync.Mutex
	active map[string]*task
	closed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager starts the worker pool. workers <= 0 selects the default of 3.
func NewManager(workers int, logger *slog.Logger) *Manager {
	if workers <= 0 {
		workers = defaultWorkers
	}
	m := &Manager{
		logger: logger.With("component", "downloads"),
		client: &http.Client{},
		queue:  make(chan *task, queueDepth),
		active: make(map[string]*task),
	}
	m.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go m.worker()
	}
	return m
}

// Enqueue schedules a download. Reports false when the manager is shut down,
// the ID is already being fetched, or the queue is full.
func (m *Manager) Enqueue(req Request) bool {
	if req.ID == "" || req.URL == "" || req.Destination == "" {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{req: req, ctx: ctx, cancel: cancel}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return false
	}
	if _, busy := m.active[req.ID]; busy {
		m.mu.Unlock()
		cancel()
		return false
	}
	m.active[req.ID] = t
	m.mu.Unlock()

	select {
	case m.queue <- t:
		return true
	default:
		m.mu.Lock()
		delete(m.active, req.ID)
		m.mu.Unlock()
		cancel()
		m.logger.Error("download queue full", "id", req.ID)
		return false
	}
}

// Cancel aborts an active or queued download.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	return true
}

// IsActive reports whether the given file is queued or transferring.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// Shutdown cancels everything in flight and stops the workers.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		for _, t := range m.active {
			t.cancel()
		}
		m.mu.Unlock()
		close(m.queue)
		m.wg.Wait()
	})
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for t := range m.queue {
		err := m.run(t)

		m.mu.Lock()
		delete(m.active, t.req.ID)
		m.mu.Unlock()
		t.cancel()

		if t.req.OnDone != nil {
			t.req.OnDone(err)
		}
	}
}

func (m *Manager) run(t *task) error {
	req := t.req
	m.logger.Info("starting download", "id", req.ID, "url", req.URL)
	report(req, 2)

	httpReq, err := http.NewRequestWithContext(t.ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := m.client.Do(httpReq)
	if err != nil {
		if t.ctx.Err() != nil {
			return ErrCancelled
		}
		return fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", req.URL, resp.StatusCode)
	}

	size := req.Size
	if size <= 0 {
		size = resp.ContentLength
	}

	if err := os.MkdirAll(filepath.Dir(req.Destination), 0755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	tmp := req.Destination + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	var written int64
	lastPct := 2.0
	buf := make([]byte, copyChunk)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return fmt.Errorf("write %s: %w", tmp, werr)
			}
			written += int64(n)
			if size > 0 {
				// 2% floor plus the remaining 98% scaled by bytes.
				pct := 2 + 98*float64(written)/float64(size)
				if pct > 100 {
					pct = 100
				}
				if pct-lastPct >= 1 {
					lastPct = pct
					report(req, pct)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			if t.ctx.Err() != nil {
				return ErrCancelled
			}
			return fmt.Errorf("read download body: %w", rerr)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, req.Destination); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize %s: %w", req.Destination, err)
	}

	report(req, 100)
	m.logger.Info("download finished", "id", req.ID, "bytes", written)
	return nil
}

func report(req Request, pct float64) {
	if req.OnProgress != nil {
		req.OnProgress(pct)
	}
}
