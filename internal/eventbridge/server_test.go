package eventbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kingrea/lattice-orchestrator/internal/config"
	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/projection"
	"github.com/kingrea/lattice-orchestrator/internal/workflow"
	"github.com/kingrea/lattice-orchestrator/internal/workflow/engine"
)

type bridgeHarness struct {
	log    *eventlog.Log
	router *Router
	srv    *httptest.Server
}

func newBridge(t *testing.T, opts ...Option) *bridgeHarness {
	t.Helper()
	router := NewRouter()
	log, err := eventlog.New(eventlog.NewMemoryStore(), eventlog.WithSink(router))
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	settings := DefaultSettings()
	settings.MaxBodyBytes = 1024
	server := NewServer(settings, log, append([]Option{WithRouter(router)}, opts...)...)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		router.Close()
		srv.Close()
		_ = log.Close()
	})
	return &bridgeHarness{log: log, router: router, srv: srv}
}

func (h *bridgeHarness) runWorkflow(t *testing.T) engine.RunResult {
	t.Helper()
	eng, err := engine.New(h.log, engine.WithGates(engine.Gates{"build": engine.Pass, "test": engine.Pass}))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	def := workflow.WorkflowDefinition{Name: "bridge", Steps: []workflow.Step{{ID: "build"}, {ID: "test"}}}
	res, err := eng.Run(context.Background(), engine.RunRequest{Definition: &def, IssueID: "ISS-7"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestSettingsFromConfigHonorsEnv(t *testing.T) {
	t.Setenv("LATTICE_BRIDGE_PORT", "9001")
	t.Setenv("LATTICE_BRIDGE_HOST", "0.0.0.0")
	t.Setenv("LATTICE_BRIDGE_ENABLED", "false")
	settings := SettingsFromConfig(&config.Config{})
	if settings.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", settings.Port)
	}
	if settings.Host != "0.0.0.0" {
		t.Fatalf("expected host override, got %s", settings.Host)
	}
	if settings.Enabled {
		t.Fatalf("expected enabled=false from env override")
	}
	if settings.SubscriberCapacity != defaultSubscriberCapacity {
		t.Fatalf("expected default subscriber capacity")
	}
}

func TestParseFilter(t *testing.T) {
	q := url.Values{
		"tag":   {"run:abc", "issue: ISS-1"},
		"type":  {eventlog.TypeStepCompleted},
		"after": {"4"},
		"limit": {"10"},
		"since": {"2026-01-02T03:04:05Z"},
	}
	f, err := ParseFilter(q)
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	if f.Tags["run"] != "abc" || f.Tags["issue"] != "ISS-1" || f.AfterPosition != 4 || f.Limit != 10 || f.Since.IsZero() {
		t.Fatalf("unexpected filter %+v", f)
	}
	for _, bad := range []url.Values{{"tag": {"novalue"}}, {"after": {"-1"}}, {"limit": {"x"}}, {"until": {"yesterday"}}} {
		if _, err := ParseFilter(bad); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestServerIngestsAndQueriesEvents(t *testing.T) {
	h := newBridge(t)

	body := `{"type":"issue.labeled","tags":{"issue":"ISS-1"},"data":{"label":"hotfix"},"idempotencyKey":"gh-123"}`
	for i, want := range []int{http.StatusAccepted, http.StatusOK} {
		resp, err := http.Post(h.srv.URL+"/events", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("post %d: expected %d, got %d", i, want, resp.StatusCode)
		}
	}

	var out struct {
		Events []EventView `json:"events"`
	}
	if code := getJSON(t, h.srv.URL+"/events?tag=issue:ISS-1", &out); code != http.StatusOK {
		t.Fatalf("query status %d", code)
	}
	if len(out.Events) != 1 {
		t.Fatalf("idempotent ingest should store one event, got %d", len(out.Events))
	}
	ev := out.Events[0]
	if ev.Type != "ISSUE.LABELED" || ev.Metadata.EventSource != eventlog.OriginExternal || ev.Position != 1 {
		t.Fatalf("unexpected stored event %+v", ev)
	}

	for _, bad := range []string{`{`, `{"type":"x.y"}`, `{"type":"lower","tags":{"a":"b"}}`} {
		resp, err := http.Post(h.srv.URL+"/events", "application/json", strings.NewReader(bad))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", bad, resp.StatusCode)
		}
	}
	big := bytes.Repeat([]byte("a"), 2048)
	resp, err := http.Post(h.srv.URL+"/events", "application/json", bytes.NewReader(big))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestServerProjections(t *testing.T) {
	h := newBridge(t)
	res := h.runWorkflow(t)

	var run projection.RunView
	if code := getJSON(t, h.srv.URL+"/runs/"+res.RunID, &run); code != http.StatusOK {
		t.Fatalf("run status %d", code)
	}
	if run.Status != projection.RunCompleted || len(run.Steps) != 2 || run.IssueID != "ISS-7" {
		t.Fatalf("unexpected run view %+v", run)
	}
	if code := getJSON(t, h.srv.URL+"/runs/missing", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	var list struct {
		Runs []projection.RunView `json:"runs"`
	}
	getJSON(t, h.srv.URL+"/runs", &list)
	if len(list.Runs) != 1 {
		t.Fatalf("expected one run, got %d", len(list.Runs))
	}

	var model projection.ReadModel
	getJSON(t, h.srv.URL+"/projection", &model)
	if model.EventCount != 4 || model.TypeCounts[eventlog.TypeStepCompleted] != 2 {
		t.Fatalf("unexpected model %+v", model)
	}

	var health healthResponse
	if code := getJSON(t, h.srv.URL+"/health", &health); code != http.StatusOK {
		t.Fatalf("health status %d", code)
	}
	if health.Head != 4 || !health.RouterReady || health.Version != ProtocolVersion {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestServerStorageFailure(t *testing.T) {
	h := newBridge(t)
	_ = h.log.Close()
	if code := getJSON(t, h.srv.URL+"/events", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from a closed log, got %d", code)
	}
	if code := getJSON(t, h.srv.URL+"/health", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected degraded health, got %d", code)
	}
}

func TestServerMethodNotAllowed(t *testing.T) {
	h := newBridge(t)
	req, _ := http.NewRequest(http.MethodDelete, h.srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed || resp.Header.Get("Allow") == "" {
		t.Fatalf("expected 405 with Allow header, got %d", resp.StatusCode)
	}
}

func TestServerMetricsMount(t *testing.T) {
	h := newBridge(t, WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("lattice_up 1\n"))
	})))
	resp, err := http.Get(h.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics handler, got %d", resp.StatusCode)
	}
}

func TestStreamReplaysThenFollows(t *testing.T) {
	h := newBridge(t)
	first := h.runWorkflow(t)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/events/stream?after=0&type=" + eventlog.TypeWorkflowCompleted
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var replayed EventView
	if err := conn.ReadJSON(&replayed); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replayed.Tags[eventlog.TagRun] != first.RunID || replayed.Position != 4 {
		t.Fatalf("unexpected replayed event %+v", replayed)
	}

	second := h.runWorkflow(t)
	var live EventView
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live.Tags[eventlog.TagRun] != second.RunID || live.Type != eventlog.TypeWorkflowCompleted {
		t.Fatalf("unexpected live event %+v", live)
	}
}
