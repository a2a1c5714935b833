package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agleyzer/blackoutplayer/internal/cluster"
	"github.com/agleyzer/blackoutplayer/internal/controller"
	"github.com/agleyzer/blackoutplayer/internal/metrics"
	"github.com/agleyzer/blackoutplayer/internal/playback"
	"github.com/agleyzer/blackoutplayer/internal/playerr"
	"github.com/agleyzer/blackoutplayer/internal/segment"
	"github.com/agleyzer/blackoutplayer/internal/timeline"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakePlayer records seeks and choices.
type fakePlayer struct {
	mu        sync.Mutex
	state     controller.State
	stateErr  error
	seekErr   error
	chooseErr error
	seeks     []float64
	choices   []timeline.Decision
	indices   []int
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{state: controller.State{
		Phase:     controller.Playing,
		Rendition: segment.Original,
		Segments:  3,
		Total:     25,
		Active:    []int{1},
	}}
}

func (p *fakePlayer) State() (controller.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.stateErr
}

func (p *fakePlayer) Segment(i int) (segment.Segment, bool) {
	segs := []segment.Segment{
		{Index: 0, Start: 0, End: 10, Duration: 10, Kind: segment.Normal},
		{Index: 1, Start: 10, End: 15, Duration: 5, Kind: segment.Blackout, URI: "http://media.test/blackout1.ts"},
		{Index: 2, Start: 15, End: 25, Duration: 10, Kind: segment.Normal},
	}
	if i < 0 || i >= len(segs) {
		return segment.Segment{}, false
	}
	return segs[i], true
}

func (p *fakePlayer) Seek(t float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeks = append(p.seeks, t)
	return p.seekErr
}

func (p *fakePlayer) ChooseFor(index int, d timeline.Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.choices = append(p.choices, d)
	p.indices = append(p.indices, index)
	return p.chooseErr
}

func (p *fakePlayer) gate(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Phase = controller.AwaitingChoice
	p.state.Index = index
	p.state.FullscreenBeforeGate = true
}

type fakeCluster struct {
	clearErr error
	cleared  *int
}

func (fakeCluster) NodeID() string     { return "node1" }
func (fakeCluster) State() string      { return "Leader" }
func (fakeCluster) LeaderAddr() string { return "127.0.0.1:9000" }
func (fakeCluster) Peers() []string    { return []string{"127.0.0.1:9000"} }
func (fakeCluster) Decisions() []cluster.DecisionRecord {
	return []cluster.DecisionRecord{{Index: 1, Decision: timeline.KeepOriginal, Node: "node1"}}
}

func (c fakeCluster) Clear(ctx context.Context) error {
	if c.clearErr != nil {
		return c.clearErr
	}
	if c.cleared != nil {
		*c.cleared++
	}
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	return out
}

func TestNew(t *testing.T) {
	player := newFakePlayer()
	logger := createTestLogger()
	m := metrics.New()

	srv := New(player, 8080, logger, WithMetrics(m), WithCluster(fakeCluster{}))

	if srv.player != player {
		t.Error("Player not set correctly")
	}
	if srv.port != 8080 {
		t.Error("Port not set correctly")
	}
	if srv.logger != logger {
		t.Error("Logger not set correctly")
	}
	if srv.metrics != m {
		t.Error("Metrics not set correctly")
	}
	if srv.cluster == nil {
		t.Error("Cluster not set")
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		state      controller.State
		stateErr   error
		wantCode   int
		wantStatus string
	}{
		{"ok", controller.State{Phase: controller.Playing}, nil, http.StatusOK, "ok"},
		{"frozen", controller.State{Frozen: true}, nil, http.StatusOK, "frozen"},
		{"closed", controller.State{}, controller.ErrClosed, http.StatusServiceUnavailable, "closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			player := newFakePlayer()
			player.state = tt.state
			player.stateErr = tt.stateErr
			srv := New(player, 8080, createTestLogger())

			w := do(t, srv.Handler(), http.MethodGet, "/health", "")
			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
			}
			if got := decode(t, w)["status"]; got != tt.wantStatus {
				t.Errorf("Expected status '%s', got '%v'", tt.wantStatus, got)
			}
		})
	}
}

func TestHandleState(t *testing.T) {
	player := newFakePlayer()
	srv := New(player, 8080, createTestLogger())

	w := do(t, srv.Handler(), http.MethodGet, "/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	state := decode(t, w)
	if state["phase"] != "playing" {
		t.Errorf("phase = %v, want playing", state["phase"])
	}
	if state["rendition"] != "original" {
		t.Errorf("rendition = %v, want original", state["rendition"])
	}
	if _, ok := state["pending"]; ok {
		t.Error("pending must be omitted while playing")
	}
	if state["total"] != 25.0 {
		t.Errorf("total = %v, want 25", state["total"])
	}

	player.gate(1)
	w = do(t, srv.Handler(), http.MethodGet, "/state", "")
	state = decode(t, w)
	if state["phase"] != "awaitingChoice" {
		t.Errorf("phase = %v, want awaitingChoice", state["phase"])
	}
	pending, ok := state["pending"].(map[string]any)
	if !ok {
		t.Fatal("pending segment missing")
	}
	if pending["kind"] != "blackout" || pending["start"] != 10.0 || pending["end"] != 15.0 {
		t.Errorf("unexpected pending segment: %v", pending)
	}
	if state["fullscreenBeforeGate"] != true {
		t.Error("fullscreenBeforeGate not reported")
	}
}

func TestHandleSeek(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		seekErr  error
		wantCode int
		wantSeek bool
	}{
		{"valid", `{"time": 12.5}`, nil, http.StatusAccepted, true},
		{"zero", `{"time": 0}`, nil, http.StatusAccepted, true},
		{"missing time", `{}`, nil, http.StatusBadRequest, false},
		{"negative", `{"time": -1}`, nil, http.StatusBadRequest, false},
		{"not json", `time=3`, nil, http.StatusBadRequest, false},
		{"closed", `{"time": 3}`, controller.ErrClosed, http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			player := newFakePlayer()
			player.seekErr = tt.seekErr
			srv := New(player, 8080, createTestLogger())

			w := do(t, srv.Handler(), http.MethodPost, "/seek", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if got := len(player.seeks) == 1; got != tt.wantSeek {
				t.Errorf("seek forwarded = %v, want %v", got, tt.wantSeek)
			}
		})
	}
}

func TestHandleChoice(t *testing.T) {
	tests := []struct {
		name      string
		gated     bool
		body      string
		chooseErr error
		wantCode  int
		want      []timeline.Decision
	}{
		{"keep original", true, `{"decision": "keepOriginal"}`, nil, http.StatusAccepted, []timeline.Decision{timeline.KeepOriginal}},
		{"apply blackout", true, `{"decision": "applyBlackout"}`, nil, http.StatusAccepted, []timeline.Decision{timeline.ApplyBlackout}},
		{"unknown decision", true, `{"decision": "maybe"}`, nil, http.StatusBadRequest, nil},
		{"bad body", true, `[`, nil, http.StatusBadRequest, nil},
		{"no gate pending", false, `{"decision": "keepOriginal"}`, nil, http.StatusConflict, nil},
		{"frozen", true, `{"decision": "keepOriginal"}`, controller.ErrFrozen, http.StatusConflict, []timeline.Decision{timeline.KeepOriginal}},
		{"explicit index", false, `{"decision": "keepOriginal", "index": 1}`, nil, http.StatusAccepted, []timeline.Decision{timeline.KeepOriginal}},
		{"gate already resolved", true, `{"decision": "keepOriginal"}`, controller.ErrNoPendingGate, http.StatusConflict, []timeline.Decision{timeline.KeepOriginal}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			player := newFakePlayer()
			player.chooseErr = tt.chooseErr
			if tt.gated {
				player.gate(1)
			}
			srv := New(player, 8080, createTestLogger())

			w := do(t, srv.Handler(), http.MethodPost, "/choice", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if len(player.choices) != len(tt.want) {
				t.Fatalf("choices = %v, want %v", player.choices, tt.want)
			}
			for i := range tt.want {
				if player.choices[i] != tt.want[i] {
					t.Errorf("choices[%d] = %v, want %v", i, player.choices[i], tt.want[i])
				}
				if player.indices[i] != 1 {
					t.Errorf("indices[%d] = %d, want 1", i, player.indices[i])
				}
			}
		})
	}
}

func TestHandleCluster(t *testing.T) {
	srv := New(newFakePlayer(), 8080, createTestLogger())
	if w := do(t, srv.Handler(), http.MethodGet, "/cluster", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without cluster, got %d", w.Code)
	}

	srv = New(newFakePlayer(), 8080, createTestLogger(), WithCluster(fakeCluster{}))
	w := do(t, srv.Handler(), http.MethodGet, "/cluster", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := decode(t, w)
	if body["state"] != "Leader" {
		t.Errorf("state = %v, want Leader", body["state"])
	}
	decisions, ok := body["decisions"].([]any)
	if !ok || len(decisions) != 1 {
		t.Fatalf("unexpected decisions: %v", body["decisions"])
	}
	if d := decisions[0].(map[string]any); d["decision"] != "keepOriginal" {
		t.Errorf("decision = %v, want keepOriginal", d["decision"])
	}
}

func TestHandleClearDecisions(t *testing.T) {
	srv := New(newFakePlayer(), 8080, createTestLogger())
	if w := do(t, srv.Handler(), http.MethodDelete, "/cluster/decisions", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without cluster, got %d", w.Code)
	}

	var cleared int
	srv = New(newFakePlayer(), 8080, createTestLogger(), WithCluster(fakeCluster{cleared: &cleared}))
	if w := do(t, srv.Handler(), http.MethodDelete, "/cluster/decisions", ""); w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if cleared != 1 {
		t.Errorf("Clear called %d times, want 1", cleared)
	}

	srv = New(newFakePlayer(), 8080, createTestLogger(), WithCluster(fakeCluster{clearErr: cluster.ErrNotLeader}))
	w := do(t, srv.Handler(), http.MethodDelete, "/cluster/decisions", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status 409 on follower, got %d", w.Code)
	}
	if body := decode(t, w); body["leader"] != "127.0.0.1:9000" {
		t.Errorf("leader = %v, want 127.0.0.1:9000", body["leader"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	srv := New(newFakePlayer(), 8080, createTestLogger(), WithMetrics(m))
	h := srv.Handler()

	do(t, h, http.MethodGet, "/state", "")
	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `blackout_http_requests_total{route="/state",status="2xx"} 1`) {
		t.Errorf("request metric missing from:\n%s", w.Body.String())
	}

	srv = New(newFakePlayer(), 8080, createTestLogger())
	if w := do(t, srv.Handler(), http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without metrics, got %d", w.Code)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	srv := New(newFakePlayer(), 8080, createTestLogger())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("test"))
	})

	w := httptest.NewRecorder()
	srv.loggingMiddleware(handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", w.Code)
	}
	if w.Body.String() != "test" {
		t.Errorf("Expected body 'test', got '%s'", w.Body.String())
	}
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.statusCode != http.StatusNotFound {
		t.Errorf("Expected captured status 404, got %d", rw.statusCode)
	}
}

func TestServer_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	srv := New(newFakePlayer(), port, createTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(ctx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health"
	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Start() error = %v", err)
	}
}

// stillSurface accepts every command and never emits events.
type stillSurface struct{}

func (stillSurface) Attach(ctx context.Context, url string, start float64) error { return nil }
func (stillSurface) Play() error                                                 { return nil }
func (stillSurface) Pause() error                                                { return nil }
func (stillSurface) CurrentTime() float64                                        { return 0 }
func (stillSurface) IsFullscreen() bool                                          { return false }
func (stillSurface) EnterFullscreen() error                                      { return nil }
func (stillSurface) ExitFullscreen() error                                       { return nil }
func (stillSurface) Subscribe(fn func(playback.Event)) func()                    { return func() {} }
func (stillSurface) Close() error                                                { return nil }

type manifestTransport string

func (m manifestTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(string(m))),
		Header:     make(http.Header),
		Request:    r,
	}, nil
}

// lockstepPlayer holds every State caller until n of them have read the
// state, so concurrent requests all see the same pending gate.
type lockstepPlayer struct {
	*controller.Controller
	arrived sync.WaitGroup
}

func (p *lockstepPlayer) State() (controller.State, error) {
	st, err := p.Controller.State()
	p.arrived.Done()
	p.arrived.Wait()
	return st, err
}

func TestHandleChoice_DoubleSubmitKeepsPlaying(t *testing.T) {
	body := "#EXTM3U\n#EXT-X-TARGETDURATION:10\n" +
		"#EXTINF:10,\noutput0.ts\n#EXTINF:5,\nblackout1.ts\n#EXTINF:10,\noutput2.ts\n#EXT-X-ENDLIST\n"
	var errorKinds []playerr.Kind
	var mu sync.Mutex
	c, err := controller.New(context.Background(), controller.Config{
		OriginalURL: "http://media.test/output.m3u8",
		BlackoutURL: "http://media.test/blackout.m3u8",
		Client:      &http.Client{Transport: manifestTransport(body)},
	}, stillSurface{}, controller.ListenerFuncs{
		Error: func(kind playerr.Kind, err error) {
			mu.Lock()
			errorKinds = append(errorKinds, kind)
			mu.Unlock()
		},
	}, createTestLogger())
	if err != nil {
		t.Fatalf("controller.New() error = %v", err)
	}
	defer c.Close()

	if err := c.Tick(9.9); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		st, err := c.State()
		if err == nil && st.Phase == controller.AwaitingChoice {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("gate never opened")
		}
		time.Sleep(time.Millisecond)
	}

	player := &lockstepPlayer{Controller: c}
	player.arrived.Add(2)
	h := New(player, 8080, createTestLogger()).Handler()

	codes := make(chan int, 2)
	for _, d := range []string{"keepOriginal", "applyBlackout"} {
		go func() {
			codes <- do(t, h, http.MethodPost, "/choice", `{"decision": "`+d+`"}`).Code
		}()
	}
	got := map[int]int{}
	for range 2 {
		got[<-codes]++
	}
	if got[http.StatusAccepted] != 1 || got[http.StatusConflict] != 1 {
		t.Errorf("status codes = %v, want one 202 and one 409", got)
	}

	st, err := c.State()
	if err != nil {
		t.Fatal(err)
	}
	if st.Frozen {
		t.Error("second choice froze the controller")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(errorKinds) != 0 {
		t.Errorf("unexpected controller errors: %v", errorKinds)
	}
}
