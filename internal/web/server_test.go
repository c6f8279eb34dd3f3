package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"astrobox-agent/internal/boxrouter"
	"astrobox-agent/internal/events"
	"astrobox-agent/internal/store"
)

type stubLink struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	status      boxrouter.Status
	connected   bool
}

func (l *stubLink) Connect() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
	return true
}

func (l *stubLink) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
}

func (l *stubLink) Status() boxrouter.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *stubLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *stubLink) connectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

type stubCloud struct {
	account    *store.Account
	loginErr   error
	loggedIn   []string
	loggedOut  bool
	designs    json.RawMessage
	designsErr error
}

func (c *stubCloud) HasAccount() bool { return c.account != nil }

func (c *stubCloud) Account() (*store.Account, error) {
	if c.account == nil {
		return nil, store.ErrNotFound
	}
	return c.account, nil
}

func (c *stubCloud) Login(_ context.Context, email, accessKey string) error {
	if c.loginErr != nil {
		return c.loginErr
	}
	c.loggedIn = append(c.loggedIn, email)
	c.account = &store.Account{Email: email, AccessKey: accessKey}
	return nil
}

func (c *stubCloud) Logout() {
	c.loggedOut = true
	c.account = nil
}

func (c *stubCloud) Designs(context.Context) (json.RawMessage, error) {
	if c.designsErr != nil {
		return nil, c.designsErr
	}
	return c.designs, nil
}

type serverFixture struct {
	server *Server
	link   *stubLink
	cloud  *stubCloud
	store  *store.BoltStore
	ts     *httptest.Server
}

func newTestServer(t *testing.T, cfg Config) *serverFixture {
	t.Helper()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	link := &stubLink{status: boxrouter.StatusDisconnected}
	cloudAPI := &stubCloud{}

	s := NewServer(cfg, link, cloudAPI, st, events.NewBus(logger), logger)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)

	return &serverFixture{server: s, link: link, cloud: cloudAPI, store: st, ts: ts}
}

func (f *serverFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (f *serverFixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestStatusEndpoint(t *testing.T) {
	f := newTestServer(t, Config{BoxName: "workshop"})
	f.cloud.account = &store.Account{Name: "Jane", Email: "jane@example.com"}
	f.link.status = boxrouter.StatusConnected
	f.link.connected = true

	resp := f.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)

	if body["box_name"] != "workshop" {
		t.Errorf("box_name = %v", body["box_name"])
	}
	if body["logged_in"] != true {
		t.Errorf("logged_in = %v, want true", body["logged_in"])
	}
	cloudInfo, _ := body["cloud"].(map[string]any)
	if cloudInfo["status"] != "connected" || cloudInfo["connected"] != true {
		t.Errorf("cloud = %v", cloudInfo)
	}
	account, _ := body["account"].(map[string]any)
	if account["email"] != "jane@example.com" {
		t.Errorf("account = %v", account)
	}
}

func TestStatusWithoutAccount(t *testing.T) {
	f := newTestServer(t, Config{BoxName: "workshop"})

	body := decodeBody(t, f.get(t, "/api/status"))
	if body["logged_in"] != false {
		t.Errorf("logged_in = %v, want false", body["logged_in"])
	}
	if _, ok := body["account"]; ok {
		t.Error("account present without login")
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	f := newTestServer(t, Config{BoxName: "workshop", APIKey: "sekrit"})

	resp := f.get(t, "/api/status")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/status", nil)
	req.Header.Set("X-Api-Key", "sekrit")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with key = %d, want 200", resp.StatusCode)
	}
}

func TestLoginStoresAccountAndConnects(t *testing.T) {
	f := newTestServer(t, Config{BoxName: "workshop"})

	resp := f.post(t, "/api/cloud/login", `{"email":"jane@example.com","access_key":"key-1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	if len(f.cloud.loggedIn) != 1 || f.cloud.loggedIn[0] != "jane@example.com" {
		t.Errorf("logins = %v", f.cloud.loggedIn)
	}

	deadline := time.Now().Add(time.Second)
	for f.link.connectCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.link.connectCount() != 1 {
		t.Errorf("connect attempts = %d, want 1", f.link.connectCount())
	}
}

func TestLoginRejectsBadRequests(t *testing.T) {
	f := newTestServer(t, Config{BoxName: "workshop"})

	resp := f.post(t, "/api/cloud/login", `not json`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid body status = %d, want 400", resp.StatusCode)
	}

	resp = f.post(t, "/api/cloud/login", `{"email":"jane@example.com"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing key status = %d, want 400", resp.StatusCode)
	}
}

func TestConnectRequiresAccount(t *testing.T) {
	f := newTestServer(t, Config{BoxName: "workshop"})

	resp := f.post(t, "/api/cloud/connect", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("connect status = %d, want 409", resp.StatusCode)
	}
	if f.link.connectCount() != 0 {
		t.Errorf("connect attempts = %d, want 0", f.link.connectCount())
	}

	f.cloud.account = &store.Account{Email: "jane@example.com"}
	resp = f.post(t, "/api/cloud/connect", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("connect status = %d, want 200", resp.StatusCode)
	}
	if f.link.connectCount() != 1 {
		t.Errorf("connect attempts = %d, want 1", f.link.connectCount())
	}
}

func TestDisconnectEndpoint(t *testing.T) {
	f := newTestServer(t, Config{BoxName: "workshop"})

	resp := f.post(t, "/api/cloud/disconnect", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d, want 200", resp.StatusCode)
	}
	if f.link.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", f.link.disconnects)
	}
}

func TestLogoutEndpoint(t *testing.T) {
	f := newTestServer(t, Config{BoxName: "workshop"})
	f.cloud.account = &store.Account{Email: "jane@example.com"}

	resp := f.post(t, "/api/cloud/logout", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", resp.StatusCode)
	}
	if !f.cloud.loggedOut {
		t.Error("cloud Logout not called")
	}
}

func TestPrintFilesEndpoint(t *testing.T) {
	f := newTestServer(t, Config{BoxName: "workshop"})

	if err := f.store.SavePrintFile(&store.PrintFile{ID: "pf-1", Name: "bracket", Filename: "bracket.gcode", Path: "/tmp/bracket.gcode"}); err != nil {
		t.Fatal(err)
	}

	resp := f.get(t, "/api/printfiles")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	defer resp.Body.Close()
	var files []store.PrintFile
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].ID != "pf-1" {
		t.Errorf("files = %v", files)
	}
}

func TestDesignsProxied(t *testing.T) {
	f := newTestServer(t, Config{BoxName: "workshop"})
	f.cloud.designs = json.RawMessage(`{"data":[{"id":"d-1"}]}`)

	resp := f.get(t, "/api/designs")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"data":[{"id":"d-1"}]}` {
		t.Errorf("body = %s", raw)
	}
}

func TestDesignsErrorSurfaces(t *testing.T) {
	f := newTestServer(t, Config{BoxName: "workshop"})
	f.cloud.designsErr = context.DeadlineExceeded

	resp := f.get(t, "/api/designs")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}
