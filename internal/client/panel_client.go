package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/wenwu/saas-platform/panel-order-service/internal/clock"
	"github.com/wenwu/saas-platform/panel-order-service/internal/models"
)

const (
	loginPath        = "login/"
	maxResponseBytes = 4 << 20
	maxErrorSnippet  = 200
)

// Session is the authentication context for one panel. It is replaced
// wholesale on refresh and never mutated after creation.
type Session struct {
	ServerID int64
	Cookies  []*http.Cookie
	// Some panels return a token in the login body instead of a cookie
	Token    string
	IssuedAt time.Time
}

// PanelClientOptions configures a PanelClient.
type PanelClientOptions struct {
	Timeout   time.Duration
	VerifyTLS bool
	Clock     clock.Clock
	Logger    *slog.Logger
	// HTTPClient overrides the transport, mainly for tests
	HTTPClient *http.Client
}

// PanelClient talks to 3x-ui panels. It keeps one session per server and
// re-authenticates at most once per request.
type PanelClient struct {
	httpClient *http.Client
	timeout    time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*Session
	logins   singleflight.Group
}

// NewPanelClient creates a new panel client
func NewPanelClient(opts PanelClientOptions) *PanelClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !opts.VerifyTLS} //nolint:gosec // self-signed panels
		httpClient = &http.Client{Transport: transport}
	}
	// Sessions are managed per server, never through a shared jar.
	httpClient.Jar = nil

	return &PanelClient{
		httpClient: httpClient,
		timeout:    opts.Timeout,
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "PanelClient"),
		sessions:   make(map[int64]*Session),
	}
}

// Authenticate logs in with JSON credentials and falls back once to a
// form-encoded body when the panel does not answer with a success.
func (c *PanelClient) Authenticate(ctx context.Context, server *models.Server) (*Session, error) {
	sess, err := c.login(ctx, server, true)
	if err == nil {
		c.logger.Info("logged in to panel", "server_id", server.ID, "method", "json")
		return sess, nil
	}
	if isUnreachable(err) {
		return nil, err
	}

	c.logger.Debug("JSON login rejected, retrying with form data", "server_id", server.ID, "error", err)
	sess, err = c.login(ctx, server, false)
	if err == nil {
		c.logger.Info("logged in to panel", "server_id", server.ID, "method", "form")
		return sess, nil
	}
	if isUnreachable(err) {
		return nil, err
	}
	return nil, &AuthError{ServerID: server.ID, Reason: err.Error()}
}

func (c *PanelClient) login(ctx context.Context, server *models.Server, useJSON bool) (*Session, error) {
	var (
		body        []byte
		contentType string
	)
	if useJSON {
		raw, err := json.Marshal(map[string]string{
			"username": server.Username,
			"password": server.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal credentials: %w", err)
		}
		body, contentType = raw, "application/json"
	} else {
		form := url.Values{}
		form.Set("username", server.Username)
		form.Set("password", server.Password)
		body, contentType = []byte(form.Encode()), "application/x-www-form-urlencoded"
	}

	resp, respBody, err := c.roundTrip(ctx, server, "login", http.MethodPost, loginPath, contentType, body, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("login returned status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(respBody) || !gjson.ParseBytes(respBody).IsObject() {
		return nil, fmt.Errorf("login returned a non-JSON body: %s", snippet(respBody))
	}
	ok, known := envelopeSuccess(respBody)
	if !known {
		return nil, errors.New("login response carries no success flag")
	}
	if !ok {
		return nil, fmt.Errorf("login rejected: %s", envelopeMessage(respBody))
	}

	sess := &Session{
		ServerID: server.ID,
		Cookies:  resp.Cookies(),
		IssuedAt: c.clock.Now(),
	}
	if len(sess.Cookies) == 0 {
		if p := NormalizeEnvelope(respBody); p.Found && p.Value.Type == gjson.String {
			sess.Token = p.Value.Str
		} else {
			c.logger.Warn("login succeeded without session cookie or token", "server_id", server.ID)
		}
	}
	return sess, nil
}

// Execute runs an authenticated request against the panel. A 401 or 403
// discards the cached session, re-authenticates once and retries once.
// When expectPayload is set, a response without envelope payload is a
// ValidationError.
func (c *PanelClient) Execute(ctx context.Context, server *models.Server, method, path string, body interface{}, expectPayload bool) (Payload, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return Missing, fmt.Errorf("marshal request: %w", err)
		}
	}
	op := method + " " + path

	sess, err := c.session(ctx, server)
	if err != nil {
		return Missing, err
	}

	resp, respBody, err := c.roundTrip(ctx, server, op, method, path, "application/json", raw, sess)
	if err != nil {
		return Missing, err
	}

	if isAuthFailure(resp.StatusCode) {
		c.logger.Debug("session rejected, re-authenticating",
			"server_id", server.ID, "status", resp.StatusCode, "op", op)

		sess, err = c.refreshSession(ctx, server, sess)
		if err != nil {
			return Missing, err
		}
		resp, respBody, err = c.roundTrip(ctx, server, op, method, path, "application/json", raw, sess)
		if err != nil {
			return Missing, err
		}
		if isAuthFailure(resp.StatusCode) {
			c.dropSession(server.ID, sess)
			return Missing, &SessionError{ServerID: server.ID, StatusCode: resp.StatusCode}
		}
	}

	return c.decode(server, op, resp.StatusCode, respBody, expectPayload)
}

func (c *PanelClient) decode(server *models.Server, op string, status int, body []byte, expectPayload bool) (Payload, error) {
	if status >= 500 {
		return Missing, &PanelUnreachableError{
			ServerID: server.ID,
			Op:       op,
			Err:      fmt.Errorf("panel returned status %d: %s", status, snippet(body)),
		}
	}
	if status < 200 || status >= 300 {
		return Missing, &ValidationError{
			Op:         op,
			StatusCode: status,
			Reason:     "unexpected status",
			Msg:        snippet(body),
		}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		if expectPayload {
			return Missing, &ValidationError{Op: op, StatusCode: status, Reason: "empty response"}
		}
		return Missing, nil
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return Missing, &ValidationError{Op: op, StatusCode: status, Reason: "invalid JSON response", Msg: snippet(body)}
	}
	if ok, known := envelopeSuccess(body); known && !ok {
		return Missing, &ValidationError{Op: op, StatusCode: status, Reason: "panel reported failure", Msg: envelopeMessage(body)}
	}

	payload := NormalizeEnvelope(body)
	if expectPayload && !payload.Found {
		return Missing, &ValidationError{Op: op, StatusCode: status, Reason: "response carries no payload"}
	}
	return payload, nil
}

// session returns the cached session for server, logging in lazily.
func (c *PanelClient) session(ctx context.Context, server *models.Server) (*Session, error) {
	c.mu.Lock()
	sess := c.sessions[server.ID]
	c.mu.Unlock()
	if sess != nil {
		return sess, nil
	}
	return c.refreshSession(ctx, server, nil)
}

// refreshSession replaces stale with a new session. Concurrent callers
// for the same server share one login, and a caller whose stale session
// was already replaced by a peer reuses the replacement.
func (c *PanelClient) refreshSession(ctx context.Context, server *models.Server, stale *Session) (*Session, error) {
	if current, ok := c.replacedSession(server.ID, stale); ok {
		return current, nil
	}

	key := strconv.FormatInt(server.ID, 10)
	loginCtx := context.WithoutCancel(ctx)
	v, err, shared := c.logins.Do(key, func() (interface{}, error) {
		if current, ok := c.replacedSession(server.ID, stale); ok {
			return current, nil
		}
		sess, err := c.Authenticate(loginCtx, server)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.sessions[server.ID] = sess
		c.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("joined in-flight panel login", "server_id", server.ID)
	}
	return v.(*Session), nil
}

// replacedSession reports a cached session that differs from stale, and
// otherwise discards stale from the cache.
func (c *PanelClient) replacedSession(serverID int64, stale *Session) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.sessions[serverID]
	if current != nil && current != stale {
		return current, true
	}
	delete(c.sessions, serverID)
	return nil, false
}

func (c *PanelClient) dropSession(serverID int64, sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[serverID] == sess {
		delete(c.sessions, serverID)
	}
}

// roundTrip sends one request with the per-call timeout applied. Network
// errors and timeouts become PanelUnreachableError.
func (c *PanelClient) roundTrip(ctx context.Context, server *models.Server, op, method, path, contentType string, body []byte, sess *Session) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, Endpoint(server.BaseURL, path), reader)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if sess != nil {
		for _, cookie := range sess.Cookies {
			req.AddCookie(cookie)
		}
		if sess.Token != "" {
			req.Header.Set("Authorization", "Bearer "+sess.Token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &PanelUnreachableError{ServerID: server.ID, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, &PanelUnreachableError{ServerID: server.ID, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	return resp, respBody, nil
}

// APIBase strips a trailing /login from a panel URL. Panels are often
// registered by their login page address.
func APIBase(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(strings.ToLower(base), "/login") {
		base = base[:len(base)-len("/login")]
	}
	return strings.TrimRight(base, "/")
}

// Endpoint joins a panel path onto the API base, keeping nested panel
// paths such as https://host:port/secret/.
func Endpoint(baseURL, path string) string {
	return APIBase(baseURL) + "/" + strings.TrimLeft(path, "/")
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func isUnreachable(err error) bool {
	var unreachable *PanelUnreachableError
	return errors.As(err, &unreachable)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorSnippet {
		return s[:maxErrorSnippet]
	}
	return s
}
