package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/driftline/internal/api"
	"github.com/hyperengineering/driftline/internal/auth"
	"github.com/hyperengineering/driftline/internal/store"
)

const testSecret = "cli-test-secret-0123456789"

// executeCmd runs the root command with captured output.
func executeCmd(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	// Cobra parses into these variables, so stale values from previous tests
	// would leak if not reset.
	configPath = ""
	jsonOutput = false
	clientOffline = false
	syncResync = false
	tokenTTL = 0

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetIn(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), errBuf.String(), err
}

// isolateEnv points configuration at temp paths and clears credentials.
func isolateEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DRIFTLINE_CONFIG_PATH", filepath.Join(dir, "absent.yaml"))
	t.Setenv("DRIFTLINE_DEV_MODE", "")
	t.Setenv("DRIFTLINE_JWT_SECRET", "")
	t.Setenv("DRIFTLINE_TOKEN", "")
	t.Setenv("DRIFTLINE_SERVER_URL", "")
	t.Setenv("DRIFTLINE_LOG_LEVEL", "error")
	t.Setenv("DRIFTLINE_REPLICA_PATH", filepath.Join(dir, "replica.db"))
	return dir
}

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	router := api.NewRouter(api.NewHandler(s, "test"), api.RouterConfig{
		Verifier:       auth.NewSigner(testSecret),
		RateLimiter:    api.NewOwnerRateLimiter(1000, 1000),
		IdempotencyTTL: time.Hour,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

const eventJSON = `{"event_type_id":"et-1","timestamp":"2025-05-01T09:00:00Z","note":"cli"}`

func TestToken_IssuesVerifiableToken(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DRIFTLINE_JWT_SECRET", testSecret)

	stdout, _, err := executeCmd(t, "", "token", "owner-1", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	owner, err := auth.NewSigner(testSecret).Verify(strings.TrimSpace(stdout))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if owner != "owner-1" {
		t.Errorf("owner = %q, want owner-1", owner)
	}
}

func TestToken_JSONOutput(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DRIFTLINE_JWT_SECRET", testSecret)

	stdout, _, err := executeCmd(t, "", "token", "owner-1", "--json")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if out["owner_id"] != "owner-1" {
		t.Errorf("owner_id = %v", out["owner_id"])
	}
	if tok, _ := out["token"].(string); tok == "" {
		t.Error("expected token in output")
	}
}

func TestToken_RequiresSecret(t *testing.T) {
	isolateEnv(t)

	_, _, err := executeCmd(t, "", "token", "owner-1")
	if err == nil || !strings.Contains(err.Error(), "DRIFTLINE_JWT_SECRET") {
		t.Errorf("expected secret error, got %v", err)
	}
}

func TestClient_RequiresTokenUnlessOffline(t *testing.T) {
	isolateEnv(t)

	_, _, err := executeCmd(t, "", "client", "list")
	if err == nil || !strings.Contains(err.Error(), "DRIFTLINE_TOKEN") {
		t.Errorf("expected token error, got %v", err)
	}

	_, _, err = executeCmd(t, "", "client", "list", "--offline")
	if err != nil {
		t.Errorf("offline list: %v", err)
	}
}

func TestClient_OfflineWritesAreQueued(t *testing.T) {
	isolateEnv(t)

	// Given: a record added from stdin without a server
	stdout, _, err := executeCmd(t, eventJSON, "client", "add", "event", "-", "--offline")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id := strings.Fields(stdout)[0]

	// When: listing and checking status
	stdout, _, err = executeCmd(t, "", "client", "list", "event", "--offline")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(stdout, id) {
		t.Errorf("list output missing %s:\n%s", id, stdout)
	}

	stdout, _, err = executeCmd(t, "", "client", "status", "--offline", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	// Then: the write is pending
	var status map[string]any
	if err := json.Unmarshal([]byte(stdout), &status); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if status["pending"] != float64(1) {
		t.Errorf("pending = %v, want 1", status["pending"])
	}
	if status["status"] != "idle" {
		t.Errorf("status = %v, want idle", status["status"])
	}
}

func TestClient_InvalidPayloadRejected(t *testing.T) {
	isolateEnv(t)

	_, _, err := executeCmd(t, "", "client", "add", "event", "{not json", "--offline")
	if err == nil {
		t.Error("expected error for malformed JSON")
	}

	_, _, err = executeCmd(t, "", "client", "add", "event", `{"note":"missing fields"}`, "--offline")
	if err == nil {
		t.Error("expected validation error")
	}
}

func TestClient_SyncAgainstServer(t *testing.T) {
	isolateEnv(t)
	srv := startTestServer(t)
	token, err := auth.NewSigner(testSecret).Issue("owner-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("DRIFTLINE_SERVER_URL", srv.URL)
	t.Setenv("DRIFTLINE_TOKEN", token)

	// Given: a queued create
	stdout, _, err := executeCmd(t, "", "client", "add", "event", eventJSON)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id := strings.Fields(stdout)[0]

	// When: syncing
	stdout, _, err = executeCmd(t, "", "client", "sync", "--json")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Then: the server acknowledged it and the replica caught up
	var res map[string]any
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if res["acknowledged"] != float64(1) {
		t.Errorf("acknowledged = %v, want 1", res["acknowledged"])
	}
	if res["cursor"] != float64(1) {
		t.Errorf("cursor = %v, want 1", res["cursor"])
	}

	stdout, _, err = executeCmd(t, "", "client", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(stdout, "Pending:  0") {
		t.Errorf("status output:\n%s", stdout)
	}

	// And: a full resync rebuilds the same replica
	stdout, _, err = executeCmd(t, "", "client", "sync", "--resync")
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if !strings.Contains(stdout, "rebuilt from snapshot") {
		t.Errorf("resync output:\n%s", stdout)
	}

	stdout, _, err = executeCmd(t, "", "client", "get", id, "--json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(stdout, `"cli"`) {
		t.Errorf("get output:\n%s", stdout)
	}
}

func TestClient_FailedWritesCanBeDismissed(t *testing.T) {
	isolateEnv(t)

	stdout, _, err := executeCmd(t, "", "client", "failed", "--offline")
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	if !strings.Contains(stdout, "No failed writes.") {
		t.Errorf("failed output:\n%s", stdout)
	}

	_, _, err = executeCmd(t, "", "client", "dismiss", "01J0000000000000000000000", "--offline")
	if err == nil {
		t.Error("expected error dismissing unknown entry")
	}
}
