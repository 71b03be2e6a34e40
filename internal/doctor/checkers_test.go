package doctor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/99designs/keyring"

	"github.com/moltbunker/bondoracle/internal/api"
	"github.com/moltbunker/bondoracle/internal/config"
	"github.com/moltbunker/bondoracle/internal/identity"
	"github.com/moltbunker/bondoracle/internal/store"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestConfigChecker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if got := NewConfigChecker(path).Check(context.Background()); got.Status != StatusWarning {
		t.Errorf("missing config: status %s, want warning", got.Status)
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got := NewConfigChecker(path).Check(context.Background())
	if got.Status != StatusOK {
		t.Errorf("valid config: status %s (%s)", got.Status, got.Details)
	}
	if !strings.Contains(got.Message, "devnet") {
		t.Errorf("message %q should name the mode", got.Message)
	}

	cfg.API.ListenAddr = "0.0.0.0:7420"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := NewConfigChecker(path).Check(context.Background()); got.Status != StatusWarning {
		t.Errorf("exposed devnet: status %s, want warning", got.Status)
	}

	if err := os.WriteFile(path, []byte("host:\n  mode: mainnet\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got = NewConfigChecker(path).Check(context.Background())
	if got.Status != StatusError || got.Hint == "" {
		t.Errorf("invalid config: %+v", got)
	}
}

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:7420": true,
		"[::1]:7420":     true,
		"localhost:80":   true,
		"0.0.0.0:7420":   false,
		":7420":          false,
		"10.0.0.5:7420":  false,
		"no-port":        false,
	}
	for addr, want := range tests {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestWalletChecker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keystore")

	got := NewWalletChecker(dir).Check(context.Background())
	if got.Status != StatusError {
		t.Fatalf("missing keystore: status %s", got.Status)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("check should not create the keystore directory")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if got := NewWalletChecker(dir).Check(context.Background()); got.Status != StatusError {
		t.Errorf("empty keystore: status %s", got.Status)
	}

	wm, err := identity.ImportWalletManager(dir, testKeyHex, "correct horse")
	if err != nil {
		t.Fatalf("ImportWalletManager: %v", err)
	}
	got = NewWalletChecker(dir).Check(context.Background())
	if got.Status != StatusOK {
		t.Fatalf("status %s: %s", got.Status, got.Details)
	}
	addr := wm.Address().Hex()
	if !strings.Contains(got.Message, addr[:6]) || !strings.Contains(got.Message, addr[len(addr)-4:]) {
		t.Errorf("message %q should abbreviate %s", got.Message, addr)
	}
	if got.Hint != "" {
		t.Errorf("unexpected hint %q", got.Hint)
	}
}

func TestPasswordChecker(t *testing.T) {
	const env = "BONDORACLE_DOCTOR_TEST_PASSWORD"

	ps := identity.NewPasswordStore(keyring.NewArrayKeyring(nil), "memory")
	got := NewPasswordChecker(env).WithPasswordStore(ps).Check(context.Background())
	if got.Status != StatusWarning {
		t.Errorf("no password: status %s", got.Status)
	}
	if !strings.Contains(got.Hint, env) {
		t.Errorf("hint %q should mention %s", got.Hint, env)
	}

	if err := ps.Store("secret-password"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got = NewPasswordChecker(env).WithPasswordStore(ps).Check(context.Background())
	if got.Status != StatusOK || !strings.Contains(got.Message, "memory") {
		t.Errorf("keyring password: %+v", got)
	}

	t.Setenv(env, "from-env")
	got = NewPasswordChecker(env).WithPasswordStore(ps).Check(context.Background())
	if got.Status != StatusOK || !strings.Contains(got.Message, env) {
		t.Errorf("env password: %+v", got)
	}
}

func TestStateChecker(t *testing.T) {
	dir := t.TempDir()
	cfg := store.Config{Path: filepath.Join(dir, "oracle.json.gz"), Compress: true}

	if got := NewStateChecker(false, cfg).Check(context.Background()); got.Status != StatusSkipped {
		t.Errorf("disabled: status %s", got.Status)
	}

	got := NewStateChecker(true, cfg).Check(context.Background())
	if got.Status != StatusOK || !strings.Contains(got.Message, "No state") {
		t.Errorf("no file: %+v", got)
	}

	s, err := store.New(cfg)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := s.Save(store.State{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got = NewStateChecker(true, cfg).Check(context.Background())
	if got.Status != StatusOK || !strings.Contains(got.Message, "0 reports") {
		t.Errorf("saved state: %+v", got)
	}

	if err := os.WriteFile(cfg.Path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got = NewStateChecker(true, cfg).Check(context.Background())
	if got.Status != StatusError || !strings.Contains(got.Hint, cfg.Path) {
		t.Errorf("corrupt state: %+v", got)
	}

	if got := NewStateChecker(true, store.Config{}).Check(context.Background()); got.Status != StatusError {
		t.Errorf("empty path: status %s", got.Status)
	}
}

func fakeOracle(t *testing.T, healthCode int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if healthCode != http.StatusOK {
			status = "unhealthy"
		}
		w.WriteHeader(healthCode)
		json.NewEncoder(w).Encode(api.HealthResponse{Status: status, Uptime: "1m0s", Version: "test"})
	})
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.StatusResponse{Version: "test", Devnet: true, Reports: 3})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIChecker(t *testing.T) {
	srv := fakeOracle(t, http.StatusOK)
	got := NewAPIChecker(srv.URL).Check(context.Background())
	if got.Status != StatusOK {
		t.Fatalf("status %s: %s", got.Status, got.Details)
	}
	if !strings.Contains(got.Message, "devnet") || !strings.Contains(got.Message, "3 reports") {
		t.Errorf("message %q", got.Message)
	}

	sick := fakeOracle(t, http.StatusServiceUnavailable)
	if got := NewAPIChecker(sick.URL).Check(context.Background()); got.Status != StatusError {
		t.Errorf("unhealthy: status %s", got.Status)
	}

	srv.Close()
	got = NewAPIChecker(srv.URL).Check(context.Background())
	if got.Status != StatusWarning || got.Hint == "" {
		t.Errorf("stopped daemon: %+v", got)
	}
}

func TestFileDescriptorChecker(t *testing.T) {
	got := NewFileDescriptorChecker().Check(context.Background())
	switch got.Status {
	case StatusOK, StatusWarning, StatusSkipped:
	default:
		t.Errorf("unexpected status %s", got.Status)
	}
	if got.Category != CategorySystem {
		t.Errorf("category %s", got.Category)
	}
}

func TestDefaultCheckers(t *testing.T) {
	checkers := DefaultCheckers("/nonexistent/config.yaml", nil, "http://127.0.0.1:1", "X")
	seen := make(map[Category]bool)
	for _, c := range checkers {
		seen[c.Category()] = true
	}
	for _, cat := range []Category{CategoryConfig, CategoryKeys, CategoryState, CategoryNetwork, CategorySystem} {
		if !seen[cat] {
			t.Errorf("no checker for category %s", cat)
		}
	}
}
