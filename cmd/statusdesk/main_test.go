package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRootHasCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"init", "login", "logout", "status", "tab", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("missing command %q: %v", name, err)
		}
	}
}

func TestInitWritesConfigOnce(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := execute(t, "", "init", "-c", path)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Fatalf("init output = %q", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, err := execute(t, "", "init", "-c", path); err == nil {
		t.Fatalf("expected error without --force")
	}
	if _, err := execute(t, "", "init", "-c", path, "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "pkt.systems/statusdesk ") {
		t.Fatalf("version output = %q", out)
	}
}

func TestLoginStatusLogout(t *testing.T) {
	auth := newAuthServer(t)
	path := writeConfig(t, auth.URL)

	if _, err := execute(t, "wrong\n", "login", "-c", path, "-e", "ada@example.com", "--password-from-stdin"); err == nil {
		t.Fatalf("expected login failure with wrong password")
	}
	out, err := execute(t, "secret\n", "login", "-c", path, "-e", "ada@example.com", "--password-from-stdin")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "signed in as ada@example.com (admin)") {
		t.Fatalf("login output = %q", out)
	}

	out, err = execute(t, "", "status", "-c", path)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "ada@example.com") || !strings.Contains(out, "token:     present") {
		t.Fatalf("status output = %q", out)
	}

	out, err = execute(t, "", "logout", "-c", path)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !strings.Contains(out, "signed out") {
		t.Fatalf("logout output = %q", out)
	}

	out, err = execute(t, "", "status", "-c", path, "--offline")
	if err != nil {
		t.Fatalf("status after logout: %v", err)
	}
	if !strings.Contains(out, "user:      signed out") || !strings.Contains(out, "token:     none") {
		t.Fatalf("status after logout = %q", out)
	}
}

func TestLoginRequiresEmail(t *testing.T) {
	if _, err := execute(t, "secret\n", "login", "--password-from-stdin"); err == nil {
		t.Fatalf("expected missing email error")
	}
}

func TestTabShell(t *testing.T) {
	auth := newAuthServer(t)
	path := writeConfig(t, auth.URL)
	if _, err := execute(t, "secret\n", "login", "-c", path, "-e", "ada@example.com", "--password-from-stdin"); err != nil {
		t.Fatalf("login: %v", err)
	}

	script := strings.Join([]string{
		"help",
		"get /api/echo",
		"route /incidents",
		"hide",
		"show",
		"status",
		"bogus",
		"logout",
		"status",
		"quit",
	}, "\n")
	out, err := execute(t, script, "tab", "-c", path)
	if err != nil {
		t.Fatalf("tab: %v", err)
	}
	for _, want := range []string{
		"Bearer token-1",
		"/incidents",
		"visible",
		"hidden",
		`unknown command "bogus"`,
		"signed out",
		"reloaded at /login",
		"user:      signed out",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("tab output missing %q:\n%s", want, out)
		}
	}
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func writeConfig(t *testing.T, authURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	config := fmt.Sprintf(`config_version: 1
origin: %s
app_name: statusdesk
state_dir: %s
store:
  backend: file
auth:
  url: %s/auth/v1
timing:
  settle_delay_ms: 20
  suppression_window_ms: 50
  loading_ceiling_ms: 500
  reload_delay_ms: 10
`, authURL, filepath.Join(dir, "state"), authURL)
	if err := os.WriteFile(path, []byte(config), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	tokens := map[string]bool{}
	seq := 0
	bearer := func(r *http.Request) string {
		return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		mu.Lock()
		seq++
		token := fmt.Sprintf("token-%d", seq)
		tokens[token] = true
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  token,
			"refresh_token": "r",
			"expires_in":    3600,
			"user": map[string]any{
				"id":           "u1",
				"email":        body["email"],
				"app_metadata": map[string]any{"role": "admin"},
			},
		})
	})
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ok := tokens[bearer(r)]
		mu.Unlock()
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           "u1",
			"email":        "ada@example.com",
			"app_metadata": map[string]any{"role": "admin"},
		})
	})
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delete(tokens, bearer(r))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("Authorization")))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}
