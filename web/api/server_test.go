package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/aletop130/ZeroHR/internal/engine"
	"github.com/aletop130/ZeroHR/internal/events"
	"github.com/aletop130/ZeroHR/internal/logging"
	"github.com/aletop130/ZeroHR/internal/orchestrator"
)

type mockEngine struct {
	mu       sync.Mutex
	runs     map[string]*domain.Run
	units    []*domain.Unit
	startErr error
	started  []engine.StartRequest
	resets   int
	kills    int
}

func newMockEngine() *mockEngine {
	return &mockEngine{runs: make(map[string]*domain.Run)}
}

func (m *mockEngine) StartRun(ctx context.Context, req engine.StartRequest) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started = append(m.started, req)
	run := &domain.Run{ID: fmt.Sprintf("run-%d", len(m.started)), Status: domain.RunInProgress, SectionCount: req.SectionCount}
	m.runs[run.ID] = run
	return run, nil
}

func (m *mockEngine) PollRun(ctx context.Context, runID string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return run, nil
}

func (m *mockEngine) ResumeRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := m.PollRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Finished() {
		return nil, engine.ErrRunFinished
	}
	return run, nil
}

func (m *mockEngine) ResetAll(ctx context.Context) (engine.ResetReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return engine.ResetReport{Generation: int64(m.resets + 1), Killed: 2, Purged: 1, UnitsSeeded: 7}, nil
}

func (m *mockEngine) Kill(ctx context.Context) (orchestrator.CancelStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kills++
	return orchestrator.CancelStats{Killed: 1, Purged: 3}, nil
}

func (m *mockEngine) Units(ctx context.Context) ([]*domain.Unit, error) {
	return m.units, nil
}

func (m *mockEngine) Slots() engine.SlotStats {
	return engine.SlotStats{Max: 7, Available: 5, Jobs: 4}
}

func newTestServer(eng Engine, hub *events.Hub) *Server {
	return NewServer(eng, hub, ":0", logging.Discard())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStartRunHandler(t *testing.T) {
	eng := newMockEngine()
	s := newTestServer(eng, nil)

	w := do(t, s, http.MethodPost, "/api/runs", `{"section_count": 3, "payload": {"name": "Mario"}, "history_hint": "prima bozza"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202: %s", w.Code, w.Body.String())
	}

	var resp RunResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "run-1" || resp.Status != string(domain.RunInProgress) {
		t.Errorf("resp = %+v", resp)
	}
	if len(eng.started) != 1 {
		t.Fatalf("StartRun called %d times", len(eng.started))
	}
	got := eng.started[0]
	if got.SectionCount != 3 || got.Payload != `{"name": "Mario"}` || got.HistoryHint != "prima bozza" {
		t.Errorf("start request = %+v", got)
	}
}

func TestStartRunHandler_EmptyBody(t *testing.T) {
	eng := newMockEngine()
	s := newTestServer(eng, nil)

	w := do(t, s, http.MethodPost, "/api/runs", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202", w.Code)
	}
	if eng.started[0].Payload != "{}" {
		t.Errorf("Payload = %q, want {}", eng.started[0].Payload)
	}
}

func TestStartRunHandler_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"busy", fmt.Errorf("%w: start_run", domain.ErrAdmissionBusy), "{}", http.StatusTooManyRequests},
		{"invalid", fmt.Errorf("%w: section count 9 out of range", engine.ErrInvalidRequest), "{}", http.StatusBadRequest},
		{"bad json", nil, "{", http.StatusBadRequest},
		{"negative count", nil, `{"section_count": -1}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newMockEngine()
			eng.startErr = tt.err
			w := do(t, newTestServer(eng, nil), http.MethodPost, "/api/runs", tt.body)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestStartRunHandler_MethodNotAllowed(t *testing.T) {
	w := do(t, newTestServer(newMockEngine(), nil), http.MethodGet, "/api/runs", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Status = %d, want 405", w.Code)
	}
}

func TestGetRunHandler(t *testing.T) {
	eng := newMockEngine()
	score := 8.4
	eng.runs["abc"] = &domain.Run{
		ID:            "abc",
		Status:        domain.RunCompleted,
		WeightedScore: &score,
		FinalText:     "documento",
		Units:         []*domain.Unit{{ID: "u1", Index: 1, Status: domain.StatusAccepted}},
	}
	s := newTestServer(eng, nil)

	w := do(t, s, http.MethodGet, "/api/runs/abc", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var resp RunResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.WeightedScore == nil || *resp.WeightedScore != 8.4 || resp.FinalText != "documento" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Units) != 1 || resp.Units[0].Status != "accepted" {
		t.Errorf("units = %+v", resp.Units)
	}

	if w := do(t, s, http.MethodGet, "/api/runs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing run Status = %d, want 404", w.Code)
	}
}

func TestResumeHandler(t *testing.T) {
	eng := newMockEngine()
	eng.runs["live"] = &domain.Run{ID: "live", Status: domain.RunInProgress}
	eng.runs["done"] = &domain.Run{ID: "done", Status: domain.RunCompleted}
	s := newTestServer(eng, nil)

	if w := do(t, s, http.MethodPost, "/api/runs/live/resume", ""); w.Code != http.StatusAccepted {
		t.Errorf("resume live Status = %d, want 202", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/runs/done/resume", ""); w.Code != http.StatusConflict {
		t.Errorf("resume finished Status = %d, want 409", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/runs/live/explode", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown action Status = %d, want 404", w.Code)
	}
}

func TestResetHandler(t *testing.T) {
	eng := newMockEngine()
	s := newTestServer(eng, nil)

	w := do(t, s, http.MethodPost, "/api/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var report engine.ResetReport
	json.NewDecoder(w.Body).Decode(&report)
	if report.Killed != 2 || report.Purged != 1 || report.UnitsSeeded != 7 {
		t.Errorf("report = %+v", report)
	}
}

func TestKillHandler(t *testing.T) {
	eng := newMockEngine()
	eng.units = []*domain.Unit{
		{ID: "a", Index: 1, Status: domain.StatusGenerating, RunID: "run-1"},
		{ID: "b", Index: 2, Status: domain.StatusAccepted, RunID: "run-1"},
	}
	s := newTestServer(eng, nil)

	if w := do(t, s, http.MethodGet, "/api/kill", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET Status = %d, want 405", w.Code)
	}

	w := do(t, s, http.MethodPost, "/api/kill", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var stats orchestrator.CancelStats
	json.NewDecoder(w.Body).Decode(&stats)
	if stats.Killed != 1 || stats.Purged != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if eng.kills != 1 || eng.resets != 0 {
		t.Errorf("kills = %d, resets = %d, want 1 and 0", eng.kills, eng.resets)
	}

	w = do(t, s, http.MethodGet, "/api/units", "")
	var units []UnitResponse
	json.NewDecoder(w.Body).Decode(&units)
	if len(units) != 2 || units[0].Status != "generating" || units[1].Status != "accepted" {
		t.Errorf("units after kill = %+v, want committed statuses", units)
	}
}

func TestPoolHandler(t *testing.T) {
	s := newTestServer(newMockEngine(), nil)

	w := do(t, s, http.MethodGet, "/api/pool", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var slots engine.SlotStats
	json.NewDecoder(w.Body).Decode(&slots)
	if slots.Max != 7 || slots.Available != 5 || slots.Jobs != 4 {
		t.Errorf("slots = %+v", slots)
	}
	if w := do(t, s, http.MethodPost, "/api/pool", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST Status = %d, want 405", w.Code)
	}
}

func TestListUnitsHandler(t *testing.T) {
	eng := newMockEngine()
	score := 6.0
	eng.units = []*domain.Unit{
		{ID: "a", Index: 1, Status: domain.StatusPending},
		{ID: "b", Index: 2, Status: domain.StatusRetrying, Score: &score, RetryCount: 1},
	}

	w := do(t, newTestServer(eng, nil), http.MethodGet, "/api/units", "")
	var units []UnitResponse
	json.NewDecoder(w.Body).Decode(&units)
	if len(units) != 2 || units[1].RetryCount != 1 || units[1].Score == nil {
		t.Errorf("units = %+v", units)
	}
}

func waitForSubscribers(t *testing.T, hub *events.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", hub.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEHandler(t *testing.T) {
	hub := events.NewHub()
	srv := httptest.NewServer(newTestServer(newMockEngine(), hub).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	waitForSubscribers(t, hub, 1)
	hub.Publish(events.TypeRunStarted, events.RunStartedMessage{RunID: "r1", SectionCount: 7})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}

	if eventLine != events.TypeRunStarted {
		t.Errorf("event = %q", eventLine)
	}
	var raw events.EnvelopeRaw
	if err := json.Unmarshal([]byte(dataLine), &raw); err != nil {
		t.Fatal(err)
	}
	var msg events.RunStartedMessage
	json.Unmarshal(raw.Payload, &msg)
	if msg.RunID != "r1" || msg.SectionCount != 7 {
		t.Errorf("payload = %+v", msg)
	}
}

func TestWebSocketHandler(t *testing.T) {
	hub := events.NewHub()
	srv := httptest.NewServer(newTestServer(newMockEngine(), hub).Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitForSubscribers(t, hub, 1)
	score := 9.0
	hub.Publish(events.TypeUnitTransition, events.UnitTransitionMessage{RunID: "r1", Section: 2, From: "judging", To: "accepted", Score: &score})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw events.EnvelopeRaw
	if err := conn.ReadJSON(&raw); err != nil {
		t.Fatal(err)
	}
	if raw.Type != events.TypeUnitTransition {
		t.Errorf("Type = %q", raw.Type)
	}
	var msg events.UnitTransitionMessage
	json.Unmarshal(raw.Payload, &msg)
	if msg.Section != 2 || msg.To != "accepted" {
		t.Errorf("payload = %+v", msg)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Subscribers() != 0 {
		t.Error("websocket subscriber not removed after close")
	}
}

func TestEventsDisabled(t *testing.T) {
	if w := do(t, newTestServer(newMockEngine(), nil), http.MethodGet, "/api/events", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", w.Code)
	}
}
