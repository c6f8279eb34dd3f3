package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"astrobox-agent/internal/downloads"
	"astrobox-agent/internal/events"
	"astrobox-agent/internal/store"
)

// ErrNotLoggedIn is returned when no cloud account is stored.
var ErrNotLoggedIn = errors.New("not logged in")

// tokenSkew is subtracted from the expiry so a token is refreshed before it
// actually lapses mid-request.
const tokenSkew = 60 * time.Second

// Config locates the cloud API for this box.
type Config struct {
	APIHost     string
	AppID       string
	BoxID       string
	DownloadDir string
}

// Router is the slice of the boxrouter the cloud client reports into. Set
// after construction; both sides exist before either is started.
type Router interface {
	OnDownloadProgress(id string, progress float64)
	OnDownloadError(id, reason string)
	OnDownloadCancelled(id string)
	OnDownloadComplete(id string, printing bool)
	Disconnect()
}

// Printer starts local prints of downloaded files.
type Printer interface {
	SelectAndPrint(path string) error
}

// Client talks to the cloud REST API: account/session lifecycle, print file
// retrieval, print jobs and timelapses.
type Client struct {
	cfg     Config
	http    *http.Client
	store   store.Store
	dl      *downloads.Manager
	printer Printer
	bus     *events.Bus
	logger  *slog.Logger

	// tokenMu single-flights token refresh so concurrent API calls do not
	// race the refresh grant.
	tokenMu sync.Mutex

	routerMu sync.Mutex
	router   Router
}

// NewClient builds the cloud client. SetRouter must be called before any
// operation that reports download progress.
func NewClient(cfg Config, st store.Store, dl *downloads.Manager, printer Printer, bus *events.Bus, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		store:   st,
		dl:      dl,
		printer: printer,
		bus:     bus,
		logger:  logger.With("component", "cloud"),
	}
}

// SetRouter installs the boxrouter sink. Late-bound to break the construction
// cycle between the two.
func (c *Client) SetRouter(r Router) {
	c.routerMu.Lock()
	c.router = r
	c.routerMu.Unlock()
}

func (c *Client) getRouter() Router {
	c.routerMu.Lock()
	defer c.routerMu.Unlock()
	return c.router
}

// HasAccount reports whether cloud credentials are stored locally.
func (c *Client) HasAccount() bool {
	_, err := c.store.GetAccount()
	return err == nil
}

// Account returns the stored account, or ErrNotLoggedIn.
func (c *Client) Account() (*store.Account, error) {
	acc, err := c.store.GetAccount()
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotLoggedIn
	}
	return acc, err
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AccessToken returns a currently valid access token, refreshing through the
// refresh_token grant when the stored one has lapsed.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	acc, err := c.store.GetAccount()
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotLoggedIn
	}
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}

	if acc.AccessToken != "" && time.Now().Before(time.Unix(acc.ExpiresAt, 0).Add(-tokenSkew)) {
		return acc.AccessToken, nil
	}

	form := url.Values{
		"client_id":     {c.cfg.AppID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {acc.RefreshToken},
	}
	tok, err := c.tokenGrant(ctx, form)
	if err != nil {
		return "", err
	}

	acc.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		acc.RefreshToken = tok.RefreshToken
	}
	acc.ExpiresAt = tokenExpiry(tok)
	if err := c.store.SaveAccount(acc); err != nil {
		return "", fmt.Errorf("save refreshed account: %w", err)
	}
	return acc.AccessToken, nil
}

func (c *Client) tokenGrant(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIHost+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The grant itself was rejected: these credentials are dead.
		c.logger.Warn("cloud rejected our refresh token, logging out", "status", resp.StatusCode)
		c.purge()
		return nil, fmt.Errorf("token grant rejected with status %d", resp.StatusCode)
	default:
		return nil, fmt.Errorf("token request: unexpected status %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token response carries no access token")
	}
	return &tok, nil
}

// tokenExpiry derives the expiry instant, falling back to the exp claim of
// the JWT itself when the server omits expires_in.
func tokenExpiry(tok *tokenResponse) int64 {
	if tok.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).Unix()
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Unix()
		}
	}
	return time.Now().Add(10 * time.Minute).Unix()
}

// Login exchanges the account's email and access key for tokens and stores
// the resulting account.
func (c *Client) Login(ctx context.Context, email, accessKey string) error {
	form := url.Values{
		"client_id":  {c.cfg.AppID},
		"grant_type": {"astroprint_access_key"},
		"email":      {email},
		"access_key": {accessKey},
	}
	tok, err := c.tokenGrant(ctx, form)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	acc := &store.Account{
		Email:        email,
		AccessKey:    accessKey,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tokenExpiry(tok),
	}
	if err := c.store.SaveAccount(acc); err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	// Best effort profile fetch; login stands even if it fails.
	var me struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := c.do(ctx, http.MethodGet, "/accounts/me", nil, &me); err == nil {
		acc.UserID = me.ID
		acc.Name = me.Name
		if me.Email != "" {
			acc.Email = me.Email
		}
		if err := c.store.SaveAccount(acc); err != nil {
			return fmt.Errorf("save account: %w", err)
		}
	} else {
		c.logger.Warn("unable to fetch account profile", "err", err)
	}

	c.logger.Info("logged into the cloud", "email", acc.Email)
	return nil
}

// Logout removes the stored account and drops the cloud link.
func (c *Client) Logout() {
	c.logger.Info("logging out of the cloud")
	c.purge()
}

// SignOff is a cloud-initiated logout. Same effect as Logout.
func (c *Client) SignOff() {
	c.logger.Info("cloud requested signoff")
	c.purge()
}

// NotifyAuthRejected handles a hard rejection of our credentials by the
// boxrouter.
func (c *Client) NotifyAuthRejected() {
	c.logger.Warn("boxrouter rejected our credentials, logging out")
	c.purge()
}

// purge deletes the account, tells the router to drop the link and announces
// the logout locally.
func (c *Client) purge() {
	if err := c.store.DeleteAccount(); err != nil {
		c.logger.Error("unable to delete stored account", "err", err)
	}
	if r := c.getRouter(); r != nil {
		r.Disconnect()
	}
	if c.bus != nil {
		c.bus.Emit(events.Event{Type: events.EventLoggedOut})
	}
}

// do performs an authenticated JSON API call. A 401 means the token the
// cloud just accepted for the grant is no longer honored: the account is
// purged.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIHost+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("cloud api rejected our token", "path", path)
		c.purge()
		return fmt.Errorf("%s %s: unauthorized", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

type printFileInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url"`
	Size        int64  `json:"size"`
	Image       string `json:"rendered_image"`
}

// PrintFile fetches the given cloud print file and starts printing it. A
// local copy skips the download. Progress and errors are reported through
// the router sink; this call does not block the caller's receive loop.
func (c *Client) PrintFile(id, printJobID string) {
	r := c.getRouter()
	if r == nil {
		c.logger.Error("print file requested before router wiring", "id", id)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if pf, err := c.store.GetPrintFile(id); err == nil {
		if _, statErr := os.Stat(pf.Path); statErr == nil {
			c.logger.Info("print file already downloaded", "id", id, "path", pf.Path)
			r.OnDownloadComplete(id, c.startPrint(pf, printJobID))
			return
		}
	}

	var info printFileInfo
	if err := c.do(ctx, http.MethodGet, "/printfiles/"+id, nil, &info); err != nil {
		c.logger.Error("unable to fetch print file info", "id", id, "err", err)
		r.OnDownloadError(id, "Unable to get print file information")
		return
	}
	if info.DownloadURL == "" {
		r.OnDownloadError(id, "Print file has no download")
		return
	}
	filename := info.Filename
	if filename == "" {
		filename = id + ".gcode"
	}

	dest := filepath.Join(c.cfg.DownloadDir, filename)
	ok := c.dl.Enqueue(downloads.Request{
		ID:          id,
		URL:         info.DownloadURL,
		Destination: dest,
		Size:        info.Size,
		OnProgress: func(p float64) {
			r.OnDownloadProgress(id, p)
			c.emitDownload(map[string]any{"id": id, "progress": p})
		},
		OnDone: func(err error) {
			switch {
			case errors.Is(err, downloads.ErrCancelled):
				c.logger.Info("print file download cancelled", "id", id)
				r.OnDownloadCancelled(id)
				c.emitDownload(map[string]any{"id": id, "cancelled": true})
			case err != nil:
				c.logger.Error("print file download failed", "id", id, "err", err)
				r.OnDownloadError(id, "Unable to download print file")
				c.emitDownload(map[string]any{"id": id, "error": true})
			default:
				pf := &store.PrintFile{
					ID:            id,
					Name:          info.Name,
					Filename:      filename,
					Path:          dest,
					RenderedImage: info.Image,
				}
				if err := c.store.SavePrintFile(pf); err != nil {
					c.logger.Error("unable to record downloaded print file", "id", id, "err", err)
				}
				r.OnDownloadComplete(id, c.startPrint(pf, printJobID))
				c.emitDownload(map[string]any{"id": id, "progress": 100.0})
			}
		},
	})
	if !ok {
		r.OnDownloadError(id, "Unable to queue download")
	}
}

// startPrint selects the file on the printer and reports the outcome to the
// cloud print job ledger.
func (c *Client) startPrint(pf *store.PrintFile, printJobID string) bool {
	if c.printer == nil {
		c.logger.Error("no printer attached, cannot start print", "id", pf.ID)
		return false
	}
	if err := c.printer.SelectAndPrint(pf.Path); err != nil {
		c.logger.Error("unable to start print", "id", pf.ID, "err", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if printJobID == "" {
		if jobID, err := c.CreatePrintJob(ctx, pf.ID); err != nil {
			c.logger.Warn("unable to create print job", "id", pf.ID, "err", err)
		} else {
			c.logger.Info("print job created", "printJobId", jobID)
		}
	} else if err := c.UpdatePrintJob(ctx, printJobID, "started"); err != nil {
		c.logger.Warn("unable to update print job", "printJobId", printJobID, "err", err)
	}
	return true
}

// CancelDownload aborts an in-flight download of the given print file.
func (c *Client) CancelDownload(id string) bool {
	return c.dl.Cancel(id)
}

// CreatePrintJob registers a new print job for this box and returns its id.
func (c *Client) CreatePrintJob(ctx context.Context, printFileID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{
		"box_id":        c.cfg.BoxID,
		"print_file_id": printFileID,
	}
	if err := c.do(ctx, http.MethodPost, "/print-jobs", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdatePrintJob reports a state change of an existing print job.
func (c *Client) UpdatePrintJob(ctx context.Context, id, status string) error {
	body := map[string]any{"status": status}
	return c.do(ctx, http.MethodPut, "/print-jobs/"+id, body, nil)
}

// Designs lists the account's designs for the local UI.
func (c *Client) Designs(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/designs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTimelapse registers a capture for the given print file and returns
// its id.
func (c *Client) CreateTimelapse(ctx context.Context, printFileName string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{
		"box_id": c.cfg.BoxID,
		"name":   printFileName,
	}
	if err := c.do(ctx, http.MethodPost, "/timelapse", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UploadTimelapseFrame appends one captured frame to a timelapse.
func (c *Client) UploadTimelapseFrame(ctx context.Context, id string, image []byte) error {
	body := map[string]any{
		"image": base64.StdEncoding.EncodeToString(image),
	}
	return c.do(ctx, http.MethodPost, "/timelapse/"+id+"/frames", body, nil)
}

func (c *Client) emitDownload(data map[string]any) {
	if c.bus != nil {
		c.bus.Emit(events.Event{Type: events.EventDownload, Data: data})
	}
}
