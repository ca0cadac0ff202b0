package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pallas.athemath.org/internal/auth"
	"pallas.athemath.org/internal/identity"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []struct{ To, Subject, Body string }
	fail bool
}

func (s *recordingSender) Send(_ context.Context, to, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("relay unreachable")
	}
	s.sent = append(s.sent, struct{ To, Subject, Body string }{to, subject, body})
	return nil
}

func (s *recordingSender) lastBody(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("expected at least one mail")
	}
	return s.sent[len(s.sent)-1].Body
}

func mailedKey(t *testing.T, body string) string {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Key: ") {
			return strings.TrimPrefix(line, "Key: ")
		}
	}
	t.Fatalf("no key in mail body %q", body)
	return ""
}

func newTestServer(t *testing.T) (*httptest.Server, *recordingSender) {
	t.Helper()
	t.Setenv("PALLAS_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	sender := &recordingSender{}
	svc, err := identity.NewService(identity.NewMemStore(), sender, identity.WithHashCost(4))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	api := New(svc, ReadyProbe{}, "test", Options{TokenTTL: time.Hour})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, sender
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func registerAndLogin(t *testing.T, srv *httptest.Server, username string) string {
	t.Helper()
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/register", "", map[string]any{
		"username": username,
		"email":    username + "@example.org",
		"password": "pw-" + username,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, resp.StatusCode)
	}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/token", "", map[string]any{
		"username": username,
		"password": "pw-" + username,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token %s: status %d", username, resp.StatusCode)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("no token in response: %v", body)
	}
	return token
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/readyz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz: %d %v", resp.StatusCode, body)
	}
}

func TestTokenRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	registerAndLogin(t, srv, "anna")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/token", "", map[string]any{
		"username": "anna",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad credentials: status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/auth/token", "", map[string]any{
		"username": "nobody",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown user: status %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/users/info", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/users/info", "garbage-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d", resp.StatusCode)
	}
}

func TestUserInfoSelfService(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerAndLogin(t, srv, "bea")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/users/info", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("user info: status %d %v", resp.StatusCode, body)
	}
	user, _ := body["user"].(map[string]any)
	if user["username"] != "bea" || user["email"] != "bea@example.org" {
		t.Fatalf("unexpected self projection: %v", user)
	}
	if _, leaked := user["access_level"]; leaked {
		t.Fatalf("student self view must not include access_level: %v", user)
	}
}

func TestEmailChangeOverHTTP(t *testing.T) {
	srv, sender := newTestServer(t)
	token := registerAndLogin(t, srv, "carl")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/email/initiate", token, map[string]any{
		"email": "carl@new.org",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initiate: status %d %v", resp.StatusCode, body)
	}
	key := mailedKey(t, sender.lastBody(t))

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v1/email/verify", token, map[string]any{
		"key": "wrong-key",
	})
	if resp.StatusCode != http.StatusOK || body["match"] != false {
		t.Fatalf("wrong key: status %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v1/email/verify", token, map[string]any{
		"key": key,
	})
	if resp.StatusCode != http.StatusOK || body["match"] != true {
		t.Fatalf("right key: status %d %v", resp.StatusCode, body)
	}

	_, body = doJSON(t, http.MethodGet, srv.URL+"/v1/users/info", token, nil)
	user, _ := body["user"].(map[string]any)
	if user["email"] != "carl@new.org" {
		t.Fatalf("email not updated: %v", user)
	}
}

func TestVerifyWithoutPendingIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerAndLogin(t, srv, "dana")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/email/verify", token, map[string]any{
		"key": "whatever",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("verify without pending: status %d", resp.StatusCode)
	}
}

func TestPasswordChangeOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerAndLogin(t, srv, "ed")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/password", token, map[string]any{
		"password": "fresh-secret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("password change: status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/auth/token", "", map[string]any{
		"username": "ed",
		"password": "fresh-secret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login with new password: status %d", resp.StatusCode)
	}
}

func TestGroupLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	admin := registerAndLogin(t, srv, "fay")
	registerAndLogin(t, srv, "gus")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/groups", admin, map[string]any{
		"name": "Chess",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group: status %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/groups", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list groups: status %d", resp.StatusCode)
	}
	if groups, _ := body["groups"].([]any); len(groups) != 1 {
		t.Fatalf("expected one group, got %v", body["groups"])
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v1/groups/members", admin, map[string]any{
		"group":    "Chess",
		"username": "gus",
	})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("add member: status %d %v", resp.StatusCode, body)
	}

	// second add is refused via the flag, not the status
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v1/groups/members", admin, map[string]any{
		"group":    "Chess",
		"username": "gus",
	})
	if resp.StatusCode != http.StatusOK || body["success"] != false {
		t.Fatalf("repeat add: status %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/groups/info?name=Chess", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("group info: status %d", resp.StatusCode)
	}
	group, _ := body["group"].(map[string]any)
	if users, _ := group["users"].([]any); len(users) != 2 {
		t.Fatalf("expected two members, got %v", group)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/groups/all", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("all groups: status %d", resp.StatusCode)
	}
	if groups, _ := body["groups"].([]any); len(groups) != 1 {
		t.Fatalf("expected one group overall, got %v", body["groups"])
	}
}

func TestGroupMutationRequiresGroupAdmin(t *testing.T) {
	srv, _ := newTestServer(t)
	admin := registerAndLogin(t, srv, "hal")
	outsider := registerAndLogin(t, srv, "ian")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/groups", admin, map[string]any{
		"name": "Rowing",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group: status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/groups/members", outsider, map[string]any{
		"group":    "Rowing",
		"username": "hal",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider add: status %d", resp.StatusCode)
	}

	// a missing group yields the same denial as a real one
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/groups/members", outsider, map[string]any{
		"group":    "DoesNotExist",
		"username": "hal",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("missing group add: status %d", resp.StatusCode)
	}
}

func TestDuplicateGroupNameConflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerAndLogin(t, srv, "jill")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/groups", token, map[string]any{"name": "Taken"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/groups", token, map[string]any{"name": "Taken"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate: status %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerAndLogin(t, srv, "kay")

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/email/initiate", token, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET initiate: status %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, http.MethodPost) {
		t.Fatalf("Allow header = %q", allow)
	}
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerAndLogin(t, srv, "lou")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/password", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status %d", resp.StatusCode)
	}
}
