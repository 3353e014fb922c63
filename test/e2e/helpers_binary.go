//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const e2eSecret = "e2e-jwt-secret-0123456789abcdef"

// driftlineServer manages a running `driftline serve` process.
type driftlineServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	logFile string
	logOut  *os.File
}

// startServer launches the server against a fresh data directory and waits
// for it to become healthy.
func startServer(t *testing.T) *driftlineServer {
	t.Helper()
	requireDriftline(t)

	s := &driftlineServer{dataDir: t.TempDir()}
	s.launch(t)
	t.Cleanup(s.stop)
	return s
}

func (s *driftlineServer) launch(t *testing.T) {
	t.Helper()

	port := freePort(t)
	s.address = fmt.Sprintf("127.0.0.1:%d", port)
	s.logFile = filepath.Join(s.dataDir, fmt.Sprintf("server-%d.log", port))

	cmd := exec.Command(driftlineBin, "serve")
	cmd.Env = append(os.Environ(),
		"DRIFTLINE_PORT="+fmt.Sprintf("%d", port),
		"DRIFTLINE_DB_PATH="+filepath.Join(s.dataDir, "driftline.db"),
		"DRIFTLINE_JWT_SECRET="+e2eSecret,
		"DRIFTLINE_CONFIG_PATH="+filepath.Join(s.dataDir, "nonexistent.yaml"),
		"DRIFTLINE_RATE_LIMIT=1000",
	)

	lf, err := os.Create(s.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start driftline: %v", err)
	}
	s.cmd = cmd
	s.logOut = lf

	if err := s.waitHealthy(10 * time.Second); err != nil {
		logs, _ := os.ReadFile(s.logFile)
		t.Fatalf("driftline not healthy: %v\nlogs:\n%s", err, logs)
	}
}

func (s *driftlineServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
		s.cmd = nil
	}
	if s.logOut != nil {
		s.logOut.Close()
		s.logOut = nil
	}
}

// restart stops the server and starts a new process on the same data
// directory. The port changes.
func (s *driftlineServer) restart(t *testing.T) {
	t.Helper()
	s.stop()
	s.launch(t)
}

func (s *driftlineServer) baseURL() string {
	return fmt.Sprintf("http://%s", s.address)
}

func (s *driftlineServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("%s/api/v1/health", s.baseURL())

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("driftline not healthy after %s", timeout)
}

// token issues a bearer token for owner with the token subcommand.
func (s *driftlineServer) token(t *testing.T, owner string) string {
	t.Helper()
	cmd := exec.Command(driftlineBin, "token", owner)
	cmd.Env = append(os.Environ(),
		"DRIFTLINE_JWT_SECRET="+e2eSecret,
		"DRIFTLINE_CONFIG_PATH="+filepath.Join(s.dataDir, "nonexistent.yaml"),
	)
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("driftline token: %v", err)
	}
	return strings.TrimSpace(string(out))
}

// serverEntity mirrors GET /api/v1/entities/{id}.
type serverEntity struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// getEntity reads an entity straight from the server. ok is false on 404.
func (s *driftlineServer) getEntity(t *testing.T, token, id string) (serverEntity, bool) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, s.baseURL()+"/api/v1/entities/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return serverEntity{}, false
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get entity %s: status %d", id, resp.StatusCode)
	}
	var e serverEntity
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode entity: %v", err)
	}
	return e, true
}

// createViaAPI writes an entity of a server-identified kind directly,
// bypassing any client replica, and returns the id the server assigned.
func (s *driftlineServer) createViaAPI(t *testing.T, token, kind string, payload any) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{"kind": kind, "payload": payload})
	if err != nil {
		t.Fatalf("marshal create: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, s.baseURL()+"/api/v1/entities", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("e2e-%d", time.Now().UnixNano()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create via API: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create via API: status %d", resp.StatusCode)
	}

	var result struct {
		Entity serverEntity `json:"entity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	return result.Entity.ID
}

// --- client CLI ---

// driftlineCLI runs `driftline client` against one replica file, standing in
// for one device.
type driftlineCLI struct {
	replica string
	server  *driftlineServer
	token   string
}

func newDevice(t *testing.T, server *driftlineServer, token string) *driftlineCLI {
	t.Helper()
	return &driftlineCLI{
		replica: filepath.Join(t.TempDir(), "replica.db"),
		server:  server,
		token:   token,
	}
}

// exec returns stdout. Stderr carries logs and is folded into the error.
func (d *driftlineCLI) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(driftlineBin, append([]string{"client"}, args...)...)
	cmd.Env = append(os.Environ(),
		"DRIFTLINE_SERVER_URL="+d.server.baseURL(),
		"DRIFTLINE_TOKEN="+d.token,
		"DRIFTLINE_REPLICA_PATH="+d.replica,
		"DRIFTLINE_CONFIG_PATH="+filepath.Join(d.server.dataDir, "nonexistent.yaml"),
		"DRIFTLINE_LOG_LEVEL=error",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", err, stderr.String())
	}
	return string(out), nil
}

func (d *driftlineCLI) mustExec(t *testing.T, args ...string) string {
	t.Helper()
	out, err := d.exec(t, args...)
	if err != nil {
		t.Fatalf("driftline client %s: %v\noutput: %s", strings.Join(args, " "), err, out)
	}
	return out
}

// add creates a record and returns its id.
func (d *driftlineCLI) add(t *testing.T, kind, payload string) string {
	t.Helper()
	out := d.mustExec(t, "--json", "add", kind, payload)
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode add output %q: %v", out, err)
	}
	if rec.ID == "" {
		t.Fatalf("add returned no id: %s", out)
	}
	return rec.ID
}

func (d *driftlineCLI) sync(t *testing.T, extra ...string) string {
	t.Helper()
	return d.mustExec(t, append([]string{"sync"}, extra...)...)
}

// statusJSON returns the parsed output of `client status --json`.
func (d *driftlineCLI) statusJSON(t *testing.T) map[string]interface{} {
	t.Helper()
	out := d.mustExec(t, "--json", "status")
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode status %q: %v", out, err)
	}
	return result
}

// get returns the record payload, or ok false when the record is missing.
func (d *driftlineCLI) get(t *testing.T, id string) (json.RawMessage, bool) {
	t.Helper()
	out, err := d.exec(t, "--json", "get", id)
	if err != nil {
		return nil, false
	}
	var rec struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode get output %q: %v", out, err)
	}
	return rec.Payload, true
}

func eventPayload(note string) string {
	return fmt.Sprintf(`{"event_type_id":"et-1","timestamp":"2025-05-01T09:00:00Z","note":%q}`, note)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
