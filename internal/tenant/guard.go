// Package tenant enforces the tenant boundary on the client side: every
// pull-channel request and every push-channel endpoint is scoped to the
// caller's company. This is defense in depth — the server remains the
// authority — but it keeps a misbehaving view from ever addressing
// another tenant's data.
package tenant

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/handoff-chat/handoff/internal/chat"
)

// Role identifies the caller's role within (or above) a tenant.
type Role string

const (
	// RoleSuper is the platform operator; not bound to any tenant.
	RoleSuper Role = "super"
	// RoleAdmin administers one company.
	RoleAdmin Role = "admin"
	// RoleAgent handles sessions for one company.
	RoleAgent Role = "agent"
	// RoleUser is an end user of one company's widget.
	RoleUser Role = "user"
)

// Scope is the tenant context a client operates under.
type Scope struct {
	CompanyID string
	Role      Role
}

// Super reports whether the scope is exempt from tenant injection.
func (s Scope) Super() bool {
	return s.Role == RoleSuper
}

// Admin reports whether the scope carries tenant-admin rights.
func (s Scope) Admin() bool {
	return s.Role == RoleAdmin || s.Role == RoleSuper
}

// Transport is an http.RoundTripper that injects the scope's company_id
// into every outbound request and converts tenant-mismatch rejections
// into *chat.TenantViolationError.
type Transport struct {
	// Base is the underlying transport. nil means http.DefaultTransport.
	Base http.RoundTripper

	// Scope is the caller's tenant context.
	Scope Scope

	// Logger receives guard events. nil disables logging.
	Logger *slog.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if !t.Scope.Super() && t.Scope.CompanyID != "" {
		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		q := req.URL.Query()
		if q.Get("company_id") == "" {
			q.Set("company_id", t.Scope.CompanyID)
			req.URL.RawQuery = q.Encode()
		}
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		violation, body := t.inspectRejection(resp)
		resp.Body.Close()
		if violation != nil {
			if t.Logger != nil {
				t.Logger.Warn("tenant violation from server",
					"url", req.URL.Path, "status", resp.StatusCode)
			}
			return nil, violation
		}
		// Not a tenant problem; hand the response back intact.
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	return resp, nil
}

// inspectRejection reads a 401/403 body and decides whether the error
// text references a tenant/company mismatch. The consumed body is
// returned so it can be restored for ordinary auth failures.
func (t *Transport) inspectRejection(resp *http.Response) (*chat.TenantViolationError, []byte) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.ToLower(string(body))
	if strings.Contains(text, "tenant") || strings.Contains(text, "company") {
		return &chat.TenantViolationError{
			CompanyID: t.Scope.CompanyID,
			Message:   strings.TrimSpace(string(body)),
		}, body
	}
	return nil, body
}

// FilterSessions drops sessions belonging to a foreign tenant from a
// list response. The server should never send them; if it does, redact
// client-side and log.
func (s Scope) FilterSessions(sessions []chat.Session, logger *slog.Logger) []chat.Session {
	if s.Super() {
		return sessions
	}

	out := sessions[:0]
	for _, sess := range sessions {
		if sess.CompanyID != "" && sess.CompanyID != s.CompanyID {
			if logger != nil {
				logger.Warn("redacting cross-tenant session from response",
					"session_id", sess.SessionID, "foreign_company", sess.CompanyID)
			}
			continue
		}
		out = append(out, sess)
	}
	return out
}

// PushEndpoint builds a push-channel URL of the form
// {transport}/{namespace}/{company_id}/{session_id}/ with an optional
// bearer token query parameter for non-cookie auth. http(s) schemes are
// rewritten to ws(s).
func PushEndpoint(base, namespace, companyID, sessionID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse push base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported push scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") +
		"/" + namespace + "/" + url.PathEscape(companyID) + "/" + url.PathEscape(sessionID) + "/"

	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ChatEndpoint builds the per-session push endpoint for this scope.
func (s Scope) ChatEndpoint(base, sessionID, token string) (string, error) {
	return PushEndpoint(base, "chat", s.CompanyID, sessionID, token)
}

// AgentEndpoint builds the per-agent inbox push endpoint:
// {transport}/agent/{agent_id}/.
func AgentEndpoint(base, agentID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse push base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported push scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/agent/" + url.PathEscape(agentID) + "/"

	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
