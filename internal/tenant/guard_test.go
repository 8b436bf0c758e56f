package tenant

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/handoff-chat/handoff/internal/chat"
)

func TestTransport_InjectsCompanyID(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("company_id")
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Scope: Scope{CompanyID: "T1", Role: RoleAgent}}}
	resp, err := client.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if gotQuery != "T1" {
		t.Errorf("company_id = %q, want %q", gotQuery, "T1")
	}
}

func TestTransport_SuperScopeUntouched(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("company_id")
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Scope: Scope{CompanyID: "T1", Role: RoleSuper}}}
	resp, err := client.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if gotQuery != "" {
		t.Errorf("super caller carried forced company_id=%q, want none", gotQuery)
	}
}

func TestTransport_ExistingCompanyIDNotOverwritten(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("company_id")
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Scope: Scope{CompanyID: "T1", Role: RoleAgent}}}
	resp, err := client.Get(srv.URL + "/api/sessions?company_id=T1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if gotQuery != "T1" {
		t.Errorf("company_id = %q, want %q", gotQuery, "T1")
	}
}

func TestTransport_TenantViolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "company mismatch: session belongs to another tenant", http.StatusForbidden)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Scope: Scope{CompanyID: "T1", Role: RoleAgent}}}
	_, err := client.Get(srv.URL + "/api/sessions/s9")
	if err == nil {
		t.Fatal("expected an error for a tenant rejection")
	}

	var tv *chat.TenantViolationError
	if !errors.As(err, &tv) {
		t.Fatalf("error = %T (%v), want *chat.TenantViolationError", err, err)
	}
	if tv.CompanyID != "T1" {
		t.Errorf("violation CompanyID = %q, want %q", tv.CompanyID, "T1")
	}
}

func TestTransport_OrdinaryAuthFailurePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Scope: Scope{CompanyID: "T1", Role: RoleAgent}}}
	resp, err := client.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("ordinary 401 should not error in the transport, got %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestScope_FilterSessions(t *testing.T) {
	sessions := []chat.Session{
		{SessionID: "s1", CompanyID: "T1"},
		{SessionID: "s2", CompanyID: "T2"},
		{SessionID: "s3", CompanyID: "T1"},
	}

	agent := Scope{CompanyID: "T1", Role: RoleAgent}
	got := agent.FilterSessions(append([]chat.Session(nil), sessions...), nil)
	if len(got) != 2 {
		t.Fatalf("FilterSessions() kept %d, want 2", len(got))
	}
	for _, s := range got {
		if s.CompanyID != "T1" {
			t.Errorf("foreign session %s survived redaction", s.SessionID)
		}
	}

	super := Scope{Role: RoleSuper}
	if got := super.FilterSessions(append([]chat.Session(nil), sessions...), nil); len(got) != 3 {
		t.Errorf("super FilterSessions() kept %d, want 3", len(got))
	}
}

func TestPushEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		token   string
		want    string
		wantErr bool
	}{
		{
			name: "http rewritten to ws",
			base: "http://chat.example.com",
			want: "ws://chat.example.com/chat/T1/s1/",
		},
		{
			name: "https rewritten to wss",
			base: "https://chat.example.com",
			want: "wss://chat.example.com/chat/T1/s1/",
		},
		{
			name: "ws base kept with prefix",
			base: "ws://chat.example.com/push",
			want: "ws://chat.example.com/push/chat/T1/s1/",
		},
		{
			name:  "token appended",
			base:  "wss://chat.example.com",
			token: "tok123",
			want:  "wss://chat.example.com/chat/T1/s1/?token=tok123",
		},
		{
			name:    "bad scheme",
			base:    "ftp://chat.example.com",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PushEndpoint(tt.base, "chat", "T1", "s1", tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("PushEndpoint() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("PushEndpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAgentEndpoint(t *testing.T) {
	got, err := AgentEndpoint("https://chat.example.com", "agent-7", "")
	if err != nil {
		t.Fatalf("AgentEndpoint() error = %v", err)
	}
	want := "wss://chat.example.com/agent/agent-7/"
	if got != want {
		t.Errorf("AgentEndpoint() = %q, want %q", got, want)
	}
}
