package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer serves the Twitch id and Helix endpoints the bot calls. Pair it with
// HTTPClient so requests to id.twitch.tv and api.twitch.tv land here.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu    sync.Mutex
	calls map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.calls[key]++
		h, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Calls returns how often path was requested.
func (m *MockTwitchServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// Handle registers h for path under the server lock.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

// HTTPClient returns a client that sends every request to the mock server.
func (m *MockTwitchServer) HTTPClient() *http.Client {
	return &http.Client{Transport: &RewriteTransport{Host: m.URL}}
}

// MockValidate answers /oauth2/validate: tokens in valid map to their user id, anything
// else is rejected with 401.
func (m *MockTwitchServer) MockValidate(valid map[string]string) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")
		id, ok := valid[tok]
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "invalid access token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"client_id":  "test-client",
			"login":      "login_" + id,
			"scopes":     []string{"user:read:chat", "user:bot"},
			"user_id":    id,
			"expires_in": 14400,
		})
	})
}

// MockTokenResponse answers /oauth2/token for both refresh and client credential grants.
func (m *MockTwitchServer) MockTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         []string{},
			"token_type":    "bearer",
		})
	})
}

// MockUserResponse adds a handler for /helix/users.
func (m *MockTwitchServer) MockUserResponse(users map[string]string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		var data []map[string]string
		for _, login := range r.URL.Query()["login"] {
			if id, ok := users[login]; ok {
				data = append(data, map[string]string{"id": id, "login": login, "display_name": strings.ToUpper(login)})
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})
	})
}

// MockSubscriptions answers /helix/eventsub/subscriptions with status for each
// broadcaster (202 when absent from the map).
func (m *MockTwitchServer) MockSubscriptions(status map[string]int) {
	m.Handle("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type      string            `json:"type"`
			Condition map[string]string `json:"condition"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
		code, ok := status[body.Condition["broadcaster_user_id"]]
		if !ok {
			code = http.StatusAccepted
		}
		if code != http.StatusAccepted {
			writeJSON(w, code, map[string]any{"error": http.StatusText(code), "status": code, "message": "rejected by mock"})
			return
		}
		writeJSON(w, code, map[string]any{
			"data":  []map[string]any{{"id": "sub-" + body.Condition["broadcaster_user_id"], "status": "enabled", "type": body.Type, "version": "1", "condition": body.Condition}},
			"total": 1,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// RewriteTransport sends every request to Host regardless of the URL it was built for.
type RewriteTransport struct {
	Host string
}

func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(t.Host, "http://")
	return http.DefaultTransport.RoundTrip(req)
}
