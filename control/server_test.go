package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aluiziolira/go-form-autofill/driver"
	"github.com/aluiziolira/go-form-autofill/locator"
	"github.com/aluiziolira/go-form-autofill/models"
	"github.com/aluiziolira/go-form-autofill/progress"
	"github.com/aluiziolira/go-form-autofill/source"
	"github.com/aluiziolira/go-form-autofill/store"
)

type mockRunner struct {
	mu       sync.Mutex
	started  []models.RunConfig
	startCtx context.Context
	startErr error
	pauseErr error
	phase    models.Phase
	stops    int
}

func (m *mockRunner) Start(ctx context.Context, cfg models.RunConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, cfg)
	m.startCtx = ctx
	m.phase = models.PhaseRunning
	return nil
}

func (m *mockRunner) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pauseErr != nil {
		return m.pauseErr
	}
	m.phase = models.PhasePaused
	return nil
}

func (m *mockRunner) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != models.PhasePaused {
		return driver.ErrNotPaused
	}
	m.phase = models.PhaseRunning
	return nil
}

func (m *mockRunner) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return m.phase.Active()
}

func (m *mockRunner) State() models.RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.RunState{Phase: m.phase, Processed: []string{}}
}

type mockStore struct {
	mu        sync.Mutex
	processed []string
	settings  models.Settings
	saved     int
	cleared   int
	runs      []store.RunRecord
	events    []models.ProgressEvent
	eventsRun string
	limit     int
}

func (m *mockStore) MarkProcessed(ctx context.Context, runID, date, item string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, item)
	return nil
}

func (m *mockStore) ProcessedItems(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.processed...), nil
}

func (m *mockStore) ClearProcessed(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.processed))
	m.processed = nil
	return n, nil
}

func (m *mockStore) LoadSettings(ctx context.Context) (models.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *mockStore) SaveSettings(ctx context.Context, settings models.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	m.saved++
	return nil
}

func (m *mockStore) ClearSettings(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = models.DefaultSettings()
	m.cleared++
	return nil
}

func (m *mockStore) Runs(ctx context.Context, limit int) ([]store.RunRecord, error) {
	return m.runs, nil
}

func (m *mockStore) Events(ctx context.Context, runID string, limit int) ([]models.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsRun = runID
	m.limit = limit
	var out []models.ProgressEvent
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

type mockLoader struct {
	result *source.Result
	err    error
}

func (m *mockLoader) Load(ctx context.Context, rawURL string) (*source.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	res := *m.result
	res.URL = rawURL
	return &res, nil
}

func newTestServer(opts Options) *Server {
	if opts.Runner == nil {
		opts.Runner = &mockRunner{}
	}
	return NewServer(context.Background(), "127.0.0.1:0", opts)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestRunHandlerSeedsProcessedFromStore(t *testing.T) {
	runner := &mockRunner{}
	st := &mockStore{processed: []string{"A"}}
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer(runCtx, "", Options{Runner: runner, Store: st})

	body := `{"items":["A","B"],"dates":["2024-01-15","2024-01-16"],"dateGoals":{"2024-01-15":1}}`
	w := do(t, s, http.MethodPost, "/api/run", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202 (%s)", w.Code, w.Body.String())
	}

	if len(runner.started) != 1 {
		t.Fatalf("starts = %d, want 1", len(runner.started))
	}
	cfg := runner.started[0]
	if len(cfg.PreviouslyProcessed) != 1 || cfg.PreviouslyProcessed[0] != "A" {
		t.Errorf("PreviouslyProcessed = %v, want [A]", cfg.PreviouslyProcessed)
	}
	if cfg.Delay.Milliseconds() != models.DefaultDelayMs {
		t.Errorf("Delay = %v, want default", cfg.Delay)
	}
	if len(cfg.Dates) != 2 || cfg.Dates[0].Goal != 1 || cfg.Dates[1].Goal != 2 {
		t.Errorf("Dates = %+v", cfg.Dates)
	}
	if runner.startCtx != runCtx {
		t.Errorf("run must be bound to the server context, not the request")
	}
	if st.saved != 1 || len(st.settings.Dates) != 2 {
		t.Errorf("settings saved = %d (%+v)", st.saved, st.settings)
	}

	var state models.RunState
	json.NewDecoder(w.Body).Decode(&state)
	if state.Phase != models.PhaseRunning {
		t.Errorf("Phase = %v, want running", state.Phase)
	}
}

func TestRunHandlerExplicitProcessedAndDelay(t *testing.T) {
	runner := &mockRunner{}
	s := newTestServer(Options{Runner: runner, Store: &mockStore{processed: []string{"A"}}})

	body := `{"items":["A"],"dates":["2024-01-15"],"delayMs":0,"previouslyProcessed":[]}`
	if w := do(t, s, http.MethodPost, "/api/run", body); w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202", w.Code)
	}
	cfg := runner.started[0]
	if len(cfg.PreviouslyProcessed) != 0 {
		t.Errorf("PreviouslyProcessed = %v, want empty", cfg.PreviouslyProcessed)
	}
	if cfg.Delay != 0 {
		t.Errorf("Delay = %v, want 0", cfg.Delay)
	}
}

func TestRunHandlerErrors(t *testing.T) {
	tests := []struct {
		name     string
		startErr error
		body     string
		want     int
	}{
		{name: "bad json", body: `{"items":`, want: http.StatusBadRequest},
		{name: "invalid config", startErr: driver.ConfigError{Err: errors.New("items are empty")}, body: `{}`, want: http.StatusBadRequest},
		{name: "run active", startErr: driver.ErrRunActive, body: `{}`, want: http.StatusConflict},
		{name: "unexpected", startErr: errors.New("boom"), body: `{}`, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(Options{Runner: &mockRunner{startErr: tt.startErr}})
			w := do(t, s, http.MethodPost, "/api/run", tt.body)
			if w.Code != tt.want {
				t.Fatalf("Status = %d, want %d", w.Code, tt.want)
			}
			var resp map[string]string
			json.NewDecoder(w.Body).Decode(&resp)
			if resp["error"] == "" {
				t.Errorf("expected error message")
			}
		})
	}
}

func TestControlHandlers(t *testing.T) {
	runner := &mockRunner{}
	s := newTestServer(Options{Runner: runner})

	if w := do(t, s, http.MethodPost, "/api/resume", ""); w.Code != http.StatusConflict {
		t.Errorf("resume while idle = %d, want 409", w.Code)
	}

	runner.phase = models.PhaseRunning
	if w := do(t, s, http.MethodPost, "/api/pause", ""); w.Code != http.StatusOK {
		t.Errorf("pause = %d, want 200", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/resume", ""); w.Code != http.StatusOK {
		t.Errorf("resume = %d, want 200", w.Code)
	}

	w := do(t, s, http.MethodPost, "/api/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stop = %d, want 200", w.Code)
	}
	var resp struct {
		Stopped bool `json:"stopped"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Stopped || runner.stops != 1 {
		t.Errorf("stop response = %+v, stops = %d", resp, runner.stops)
	}

	runner.pauseErr = driver.ErrNotRunning
	if w := do(t, s, http.MethodPost, "/api/pause", ""); w.Code != http.StatusConflict {
		t.Errorf("pause when not running = %d, want 409", w.Code)
	}
}

func TestStateHandler(t *testing.T) {
	s := newTestServer(Options{Runner: &mockRunner{phase: models.PhasePaused}})
	w := do(t, s, http.MethodGet, "/api/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"phase":"paused"`) {
		t.Errorf("body = %s, want paused phase", w.Body.String())
	}
}

func TestSettingsHandlers(t *testing.T) {
	st := &mockStore{settings: models.DefaultSettings()}
	s := newTestServer(Options{Store: st})

	w := do(t, s, http.MethodPut, "/api/settings", `{"dates":["2024-01-15"],"dateGoals":{"2024-01-15":3},"delayMs":800}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put = %d (%s)", w.Code, w.Body.String())
	}
	if st.settings.DelayMs != 800 || st.settings.DateGoals["2024-01-15"] != 3 {
		t.Errorf("saved settings = %+v", st.settings)
	}

	w = do(t, s, http.MethodGet, "/api/settings", "")
	var got models.Settings
	json.NewDecoder(w.Body).Decode(&got)
	if len(got.Dates) != 1 || got.Dates[0] != "2024-01-15" {
		t.Errorf("loaded settings = %+v", got)
	}

	for _, body := range []string{
		`{"dates":["15-01-2024"]}`,
		`{"dateGoals":{"2024-01-15":-1}}`,
		`{"delayMs":-5}`,
		`{"dates":["2024-01-15"],"dateIndex":1}`,
	} {
		if w := do(t, s, http.MethodPut, "/api/settings", body); w.Code != http.StatusBadRequest {
			t.Errorf("put %s = %d, want 400", body, w.Code)
		}
	}
}

func TestProcessedHandlers(t *testing.T) {
	runner := &mockRunner{}
	st := &mockStore{processed: []string{"A", "B"}}
	s := newTestServer(Options{Runner: runner, Store: st})

	w := do(t, s, http.MethodGet, "/api/processed", "")
	var listed struct {
		Items []string `json:"items"`
		Count int      `json:"count"`
	}
	json.NewDecoder(w.Body).Decode(&listed)
	if listed.Count != 2 || len(listed.Items) != 2 {
		t.Fatalf("processed = %+v", listed)
	}

	runner.phase = models.PhaseRunning
	if w := do(t, s, http.MethodDelete, "/api/processed", ""); w.Code != http.StatusConflict {
		t.Errorf("clear during run = %d, want 409", w.Code)
	}

	runner.phase = models.PhaseCompleted
	w = do(t, s, http.MethodDelete, "/api/processed", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cleared":2`) {
		t.Errorf("clear = %d %s", w.Code, w.Body.String())
	}
}

func TestStoreEndpointsWithoutStore(t *testing.T) {
	s := newTestServer(Options{})
	for _, path := range []string{"/api/settings", "/api/processed", "/api/runs", "/api/runs/run-1/events"} {
		if w := do(t, s, http.MethodGet, path, ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", path, w.Code)
		}
	}
}

func TestLoadItemsHandler(t *testing.T) {
	tests := []struct {
		name   string
		loader *mockLoader
		body   string
		want   int
	}{
		{name: "ok", loader: &mockLoader{result: &source.Result{Format: "text", Items: []string{"1", "2"}, Attempts: 1}}, body: `{"url":"http://lists.test/a"}`, want: http.StatusOK},
		{name: "missing url", loader: &mockLoader{}, body: `{}`, want: http.StatusBadRequest},
		{name: "empty list", loader: &mockLoader{err: fmt.Errorf("load: %w", source.ErrEmptyList)}, body: `{"url":"http://lists.test/a"}`, want: http.StatusUnprocessableEntity},
		{name: "not found", loader: &mockLoader{err: source.ErrNotFound{Err: errors.New("Not Found")}}, body: `{"url":"http://lists.test/a"}`, want: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(Options{Loader: tt.loader})
			w := do(t, s, http.MethodPost, "/api/items/load", tt.body)
			if w.Code != tt.want {
				t.Fatalf("Status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "autofill_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	s := newTestServer(Options{Metrics: registry})
	w := do(t, s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "autofill_test_total 1") {
		t.Errorf("metrics body missing counter: %s", w.Body.String())
	}
}

func TestClearSettingsHandler(t *testing.T) {
	st := &mockStore{settings: models.Settings{Dates: []string{"2024-01-15"}, DelayMs: 500}}
	s := newTestServer(Options{Store: st})

	w := do(t, s, http.MethodDelete, "/api/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200 (%s)", w.Code, w.Body.String())
	}
	if st.cleared != 1 {
		t.Fatalf("cleared = %d, want 1", st.cleared)
	}
	var got models.Settings
	json.NewDecoder(w.Body).Decode(&got)
	if got.DelayMs != models.DefaultDelayMs || len(got.Dates) != 0 {
		t.Errorf("response = %+v, want defaults", got)
	}
}

func TestRunEventsHandler(t *testing.T) {
	st := &mockStore{events: []models.ProgressEvent{
		{RunID: "run-1", Status: models.StatusProcessing, CurrentItem: "A", Total: 1},
		{RunID: "run-1", Status: models.StatusSuccess, CurrentItem: "A", Done: 1, Total: 1},
		{RunID: "run-2", Status: models.StatusCompleted},
	}}
	s := newTestServer(Options{Store: st})

	w := do(t, s, http.MethodGet, "/api/runs/run-1/events?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200 (%s)", w.Code, w.Body.String())
	}
	if st.eventsRun != "run-1" || st.limit != 10 {
		t.Errorf("store queried with run %q limit %d", st.eventsRun, st.limit)
	}
	var events []models.ProgressEvent
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 || events[1].Status != models.StatusSuccess || events[1].CurrentItem != "A" {
		t.Errorf("events = %+v", events)
	}

	tests := []struct {
		path string
		want int
	}{
		{path: "/api/runs/run-9/events", want: http.StatusNotFound},
		{path: "/api/runs/run-1/events?limit=0", want: http.StatusBadRequest},
		{path: "/api/runs/run-1/events?limit=x", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := do(t, s, http.MethodGet, tt.path, ""); w.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
		}
	}
}

// stubForm accepts every interaction and records searched items.
type stubForm struct {
	mu       sync.Mutex
	current  string
	searched []string
}

func (f *stubForm) Locate(ctx context.Context, role locator.Role) (locator.Element, error) {
	return &stubElement{form: f, role: role}, nil
}

func (f *stubForm) SetDateField(ctx context.Context, isoDate string) (bool, error) {
	return true, nil
}

func (f *stubForm) Searched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.searched...)
}

type stubElement struct {
	form *stubForm
	role locator.Role
}

func (e *stubElement) Describe(ctx context.Context) (locator.Attributes, error) {
	return locator.Attributes{Visible: true, Enabled: true}, nil
}

func (e *stubElement) Fill(ctx context.Context, value string) error {
	if e.role == locator.RoleSearchInput {
		e.form.mu.Lock()
		e.form.searched = append(e.form.searched, value)
		e.form.mu.Unlock()
	}
	return nil
}

func (e *stubElement) Click(ctx context.Context) error { return nil }
func (e *stubElement) Select(ctx context.Context, value string) error { return nil }
func (e *stubElement) Check(ctx context.Context) error { return nil }

type noObstacles struct{}

func (noObstacles) DismissKnownDialogs(ctx context.Context) (int, error) { return 0, nil }

// stalledSink holds every batch until released.
type stalledSink struct {
	release chan struct{}
	mu      sync.Mutex
	written int
}

func (s *stalledSink) Write(events []models.ProgressEvent) error {
	<-s.release
	s.mu.Lock()
	s.written += len(events)
	s.mu.Unlock()
	return nil
}

func (s *stalledSink) Close() error { return nil }

func (s *stalledSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func TestRunRightAfterDoneDoesNotRepeatItems(t *testing.T) {
	form := &stubForm{}
	st := &mockStore{}
	sink := &stalledSink{release: make(chan struct{})}
	reporter := progress.NewReporter(sink, 64, 8)
	reporter.Start()
	defer func() {
		close(sink.release)
		reporter.Close()
	}()

	drv, err := driver.New(form, noObstacles{}, reporter, driver.Options{Ledger: st})
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	s := newTestServer(Options{Runner: drv, Store: st})

	body := `{"items":["A","B"],"dates":["2024-01-15"],"dateGoals":{"2024-01-15":1},"delayMs":0}`
	for run := 1; run <= 2; run++ {
		if w := do(t, s, http.MethodPost, "/api/run", body); w.Code != http.StatusAccepted {
			t.Fatalf("run %d: Status = %d, want 202 (%s)", run, w.Code, w.Body.String())
		}
		select {
		case <-drv.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d did not finish", run)
		}
	}

	if got := form.Searched(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("searched = %v, want [A B]", got)
	}
	if sink.Written() != 0 {
		t.Fatalf("sink received events before release; the seed must not depend on them")
	}
	if got, _ := st.ProcessedItems(context.Background()); len(got) != 2 {
		t.Errorf("processed = %v, want both items", got)
	}
}
