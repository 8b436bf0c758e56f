// Package api provides the pull-channel client for the Handoff backend.
// Every request goes through the tenant guard, so a non-super caller can
// only ever address its own company's data.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/handoff-chat/handoff/internal/chat"
	"github.com/handoff-chat/handoff/internal/tenant"
)

// Client provides HTTP methods for the Handoff REST API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	scope      tenant.Scope
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(client *Client) {
		client.token = token
	}
}

// WithLogger sets the logger for client events.
func WithLogger(l *slog.Logger) Option {
	return func(client *Client) {
		client.logger = l
	}
}

// New creates a new API client scoped to the given tenant.
// baseURL should be the API server address (e.g. "https://api.example.com").
func New(baseURL string, scope tenant.Scope, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		scope:   scope,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	// Wrap whatever transport was configured with the tenant guard.
	c.httpClient.Transport = &tenant.Transport{
		Base:   c.httpClient.Transport,
		Scope:  scope,
		Logger: c.logger,
	}
	return c
}

// Scope returns the tenant scope this client operates under.
func (c *Client) Scope() tenant.Scope {
	return c.scope
}

// apiURL builds a full API URL.
func (c *Client) apiURL(path string) string {
	return c.baseURL + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(path), body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// ListQueuedSessions returns the sessions waiting for an agent, after
// client-side tenant redaction. Ordering is left to the caller's queue
// projection.
func (c *Client) ListQueuedSessions(ctx context.Context) ([]chat.Session, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/sessions?status=queued", nil)
	if err != nil {
		return nil, fmt.Errorf("list queued sessions: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list queued sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list queued sessions: status %d: %s", resp.StatusCode, string(body))
	}

	var sessions []chat.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("list queued sessions: decode: %w", err)
	}
	return c.scope.FilterSessions(sessions, c.logger), nil
}

// GetSession returns the current server state of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*chat.Session, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("get session %s: %w", sessionID, chat.ErrSessionNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get session: status %d: %s", resp.StatusCode, string(body))
	}

	var session chat.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("get session: decode: %w", err)
	}
	return &session, nil
}

// AcceptSession self-assigns a queued session to the given agent.
// A concurrent assignment by someone else surfaces as *chat.ConflictError
// carrying the re-fetched server state.
func (c *Client) AcceptSession(ctx context.Context, sessionID, agentID string) (*chat.Session, error) {
	return c.assign(ctx, sessionID, agentID, "accept")
}

// AssignSession assigns a queued session to an explicitly chosen agent
// (admin action).
func (c *Client) AssignSession(ctx context.Context, sessionID, agentID string) (*chat.Session, error) {
	return c.assign(ctx, sessionID, agentID, "assign")
}

func (c *Client) assign(ctx context.Context, sessionID, agentID, action string) (*chat.Session, error) {
	payload := map[string]string{
		"agent_id":   agentID,
		"company_id": c.scope.CompanyID,
	}
	resp, err := c.postJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/"+action, payload)
	if err != nil {
		return nil, fmt.Errorf("%s session: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, c.conflict(ctx, sessionID)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s session %s: %w", action, sessionID, chat.ErrSessionNotFound)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s session: status %d: %s", action, resp.StatusCode, string(body))
	}

	var session chat.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("%s session: decode: %w", action, err)
	}
	return &session, nil
}

// conflict re-fetches the session so the caller can surface who actually
// got it instead of retrying blindly.
func (c *Client) conflict(ctx context.Context, sessionID string) error {
	conflictErr := &chat.ConflictError{SessionID: sessionID, Message: "session was assigned concurrently"}
	if current, err := c.GetSession(ctx, sessionID); err == nil {
		conflictErr.Current = current
	}
	return conflictErr
}

// CompleteSession resolves a session. Terminal: the server accepts no
// further transitions afterwards.
func (c *Client) CompleteSession(ctx context.Context, sessionID string) (*chat.Session, error) {
	payload := map[string]string{"company_id": c.scope.CompanyID}
	resp, err := c.postJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/complete", payload)
	if err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, c.conflict(ctx, sessionID)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("complete session %s: %w", sessionID, chat.ErrSessionNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("complete session: status %d: %s", resp.StatusCode, string(body))
	}

	var session chat.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("complete session: decode: %w", err)
	}
	return &session, nil
}

// SendMessage sends a message over the pull channel. The server-assigned
// message is returned; the same send will usually also arrive as a push
// event, which the reconciler collapses.
func (c *Client) SendMessage(ctx context.Context, sessionID string, msg chat.Message) (*chat.Message, error) {
	payload := map[string]string{
		"message":     msg.Content,
		"sender_type": string(msg.Sender),
		"sender_name": msg.SenderName,
		"company_id":  c.scope.CompanyID,
	}
	resp, err := c.postJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", payload)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("send message to %s: %w", sessionID, chat.ErrSessionNotFound)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("send message: status %d: %s", resp.StatusCode, string(body))
	}

	var sent chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		return nil, fmt.Errorf("send message: decode: %w", err)
	}
	return &sent, nil
}

// History fetches the full message history of a session, oldest first.
func (c *Client) History(ctx context.Context, sessionID string) ([]chat.Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("fetch history for %s: %w", sessionID, chat.ErrSessionNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch history: status %d: %s", resp.StatusCode, string(body))
	}

	var messages []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("fetch history: decode: %w", err)
	}
	return messages, nil
}

// UploadRequest describes one attachment upload.
type UploadRequest struct {
	SessionID string
	Uploader  chat.SenderKind
	Name      string
	MimeType  string
	Content   io.Reader
}

// UploadAttachment posts a file as multipart form data. The returned
// attachment is the server's record; the attachment only becomes visible
// in the timeline once the matching file_shared push event arrives.
func (c *Client) UploadAttachment(ctx context.Context, upload UploadRequest) (*chat.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", upload.Name)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	if _, err := io.Copy(part, upload.Content); err != nil {
		return nil, fmt.Errorf("upload attachment: read file: %w", err)
	}
	mw.WriteField("company_id", c.scope.CompanyID)
	mw.WriteField("session_id", upload.SessionID)
	mw.WriteField("uploader", string(upload.Uploader))
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/attachments", &buf)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upload attachment: status %d: %s", resp.StatusCode, string(body))
	}

	var att chat.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&att); err != nil {
		return nil, fmt.Errorf("upload attachment: decode: %w", err)
	}
	return &att, nil
}
