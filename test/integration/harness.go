// Package integration provides integration testing utilities for BlackoutPlay.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// PlayerState mirrors the control server's /state response.
type PlayerState struct {
	Phase     string  `json:"phase"`
	Rendition string  `json:"rendition"`
	Index     int     `json:"index"`
	LastTime  float64 `json:"lastTime"`
	Attaching bool    `json:"attaching"`
	Frozen    bool    `json:"frozen"`
	Segments  int     `json:"segments"`
	Total     float64 `json:"total"`
	Active    []int   `json:"active"`
}

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t          *testing.T
	httpServer *http.Server
	httpPort   int
	playerCmd  *exec.Cmd
	playerPort int
	tempDir    string
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:          t,
		httpPort:   findAvailablePort(t),
		playerPort: findAvailablePort(t),
	}
}

// StartHTTPServer serves the given manifests by file name.
func (h *TestHarness) StartHTTPServer(manifests map[string]string) {
	h.t.Helper()

	h.tempDir = h.t.TempDir()
	h.httpServer = serveManifests(h.t, h.tempDir, h.httpPort, manifests)
}

// ManifestURL returns the URL of a served manifest.
func (h *TestHarness) ManifestURL(name string) string {
	return fmt.Sprintf("http://localhost:%d/%s", h.httpPort, name)
}

// StartPlayer starts the blackoutplay binary on the two renditions.
func (h *TestHarness) StartPlayer(original, blackout string, extraArgs ...string) {
	h.t.Helper()

	h.playerCmd = playerCommand(h.t, h.playerPort, h.ManifestURL(original), h.ManifestURL(blackout), extraArgs...)
	if err := h.playerCmd.Start(); err != nil {
		h.t.Fatalf("failed to start blackoutplay: %v", err)
	}

	waitForServer(h.t, fmt.Sprintf("http://localhost:%d/health", h.playerPort), 10*time.Second)
	h.t.Logf("BlackoutPlay started on port %d", h.playerPort)
}

// playerCommand builds a blackoutplay command without starting it.
func playerCommand(t *testing.T, port int, original, blackout string, extraArgs ...string) *exec.Cmd {
	t.Helper()

	args := append([]string{
		"--port", strconv.Itoa(port),
		"--prompt=false",
		"--tick", "50ms",
	}, extraArgs...)
	args = append(args, original, blackout)

	cmd := exec.Command(findPlayerBinary(t), args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// State fetches the player state.
func (h *TestHarness) State() PlayerState {
	h.t.Helper()

	st, err := fetchState(h.playerPort)
	if err != nil {
		h.t.Fatalf("failed to fetch state: %v", err)
	}
	return st
}

// Choose posts a decision and returns the HTTP status.
func (h *TestHarness) Choose(decision string) int {
	h.t.Helper()
	return h.post("/choice", map[string]any{"decision": decision})
}

// Seek posts a seek and returns the HTTP status.
func (h *TestHarness) Seek(t float64) int {
	h.t.Helper()
	return h.post("/seek", map[string]any{"time": t})
}

func (h *TestHarness) post(path string, body any) int {
	h.t.Helper()

	status, err := postJSON(h.playerPort, path, body)
	if err != nil {
		h.t.Fatalf("POST %s failed: %v", path, err)
	}
	return status
}

// WaitForState polls the player until cond holds.
func (h *TestHarness) WaitForState(cond func(PlayerState) bool, timeout time.Duration, description string) PlayerState {
	h.t.Helper()

	var last PlayerState
	h.WaitForCondition(func() bool {
		st, err := fetchState(h.playerPort)
		if err != nil {
			return false
		}
		last = st
		return cond(st)
	}, timeout, description)
	return last
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}

		<-ticker.C
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
	}
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.playerCmd != nil && h.playerCmd.Process != nil {
		h.playerCmd.Process.Kill()
		h.playerCmd.Wait()
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// serveManifests writes manifests to dir and serves them on port.
func serveManifests(t *testing.T, dir string, port int, manifests map[string]string) *http.Server {
	t.Helper()

	for name, content := range manifests {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write manifest %s: %v", name, err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(dir)))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("HTTP server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://localhost:%d/", port), 5*time.Second)
	t.Logf("manifest server started on port %d", port)
	return srv
}

// findPlayerBinary locates the blackoutplay binary, skipping the test
// when it has not been built.
func findPlayerBinary(t *testing.T) string {
	t.Helper()

	candidates := []string{
		"../../blackoutplay",              // From test/integration
		"./blackoutplay",                  // From project root
		"./cmd/blackoutplay/blackoutplay", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			t.Logf("Found blackoutplay binary at: %s", absPath)
			return absPath
		}
	}

	t.Skip("blackoutplay binary not found. Run 'go build -o blackoutplay ./cmd/blackoutplay' first")
	return ""
}

func fetchState(port int) (PlayerState, error) {
	var st PlayerState

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/state", port))
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

func postJSON(port int, path string, body any) (int, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	resp, err := http.Post(fmt.Sprintf("http://localhost:%d%s", port, path), "application/json", bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// waitForServer waits for a server to become available.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// createManifest builds a VOD media playlist. Indices listed in blackout
// reference slate segments.
func createManifest(durations []float64, blackout ...int) string {
	isBlackout := map[int]bool{}
	for _, i := range blackout {
		isBlackout[i] = true
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i, d := range durations {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", d)
		if isBlackout[i] {
			fmt.Fprintf(&b, "blackout_slate%03d.ts\n", i)
		} else {
			fmt.Fprintf(&b, "segment%03d.ts\n", i)
		}
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}
