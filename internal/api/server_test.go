package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/formation.report/internal/bus"
	"github.com/banshee-data/formation.report/internal/cache"
	"github.com/banshee-data/formation.report/internal/engine"
	"github.com/banshee-data/formation.report/internal/formation"
	"github.com/banshee-data/formation.report/internal/rules"
	"github.com/banshee-data/formation.report/internal/scheduler"
	"github.com/banshee-data/formation.report/internal/store"
	"github.com/banshee-data/formation.report/internal/stream"
	syncsvc "github.com/banshee-data/formation.report/internal/sync"
	"github.com/banshee-data/formation.report/internal/testutil"
)

var t0 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

type testServer struct {
	mux    *http.ServeMux
	server *Server
	stream *stream.Service
	cache  *cache.TargetCache
	store  *formation.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	b, err := store.Open(store.InMemoryConfig())
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { b.Close() })

	c := cache.New(b)
	set := rules.NewSet()
	testutil.AssertNoError(t, rules.ApplyPreset(set, "tight_fighter"))
	e := engine.New(set, engine.DefaultOptions())
	e.SetCache(c)
	fs := formation.NewStore(b)
	hub := bus.NewHub(bus.WithDeltaSource(c), bus.WithStateSource(c), bus.WithFormationSource(fs))
	svc := stream.NewService(c, e, fs, hub, stream.DefaultConfig())
	sy := syncsvc.NewService(b, c)
	sched := scheduler.New(fs, b)

	presets, err := rules.OpenPresetStore(":memory:")
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { presets.Close() })
	testutil.AssertNoError(t, presets.SeedBuiltins())

	srv := NewServer(Config{
		Backend:    b,
		Cache:      c,
		Engine:     e,
		Stream:     svc,
		Formations: fs,
		Sync:       sy,
		Hub:        hub,
		Presets:    presets,
		Scheduler:  sched,
	})
	return &testServer{mux: srv.ServeMux(), server: srv, stream: svc, cache: c, store: fs}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		testutil.AssertNoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := testutil.NewTestRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	testutil.DecodeJSON(t, rec, v)
}

func record(id string, lon float64, ts time.Time) stream.TargetRecord {
	var r stream.TargetRecord
	r.ID = id
	r.Name = id
	r.Type = "Fighter"
	r.Time = ts
	r.Position.Longitude = lon
	r.Position.Latitude = 39.9
	r.Position.Altitude = 5000
	r.Heading = 90
	r.Speed = 250
	r.Nation = "BLUE"
	r.Alliance = "NATO"
	return r
}

// feedPair pushes two minutes of history for a close pair over HTTP.
func feedPair(t *testing.T, ts *testServer) {
	t.Helper()
	for sec := 0; sec <= 120; sec += 5 {
		at := t0.Add(time.Duration(sec) * time.Second)
		rec := ts.do(t, http.MethodPost, "/stream/push", map[string]interface{}{
			"targets": []stream.TargetRecord{
				record("F1", 116.400, at),
				record("F2", 116.405, at),
			},
		})
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("health = %+v", body)
	}
}

func TestHomePage(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "formation.report") {
		t.Error("home page missing service name")
	}
}

func TestRecognizeRejectsSmallBatch(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/recognize", map[string]interface{}{
		"targets": []stream.TargetRecord{record("F1", 116.400, t0)},
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestRecognizeRejectsUnknownPreset(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/recognize", map[string]interface{}{
		"targets": []stream.TargetRecord{record("F1", 116.400, t0), record("F2", 116.405, t0)},
		"preset":  "no_such_preset",
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestRecognizeEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	feedPair(t, ts)

	at := t0.Add(125 * time.Second)
	rec := ts.do(t, http.MethodPost, "/recognize", map[string]interface{}{
		"targets": []stream.TargetRecord{record("F1", 116.400, at), record("F2", 116.405, at)},
		"preset":  "tight_fighter",
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var body struct {
		Success        bool                   `json:"success"`
		FormationCount int                    `json:"formation_count"`
		Formations     []*formation.Formation `json:"formations"`
	}
	decodeBody(t, rec, &body)
	if !body.Success || body.FormationCount != 1 {
		t.Fatalf("response = %+v", body)
	}
	if body.Formations[0].Type != "Fighter Section" {
		t.Errorf("type = %q", body.Formations[0].Type)
	}

	// The formation was stored, not just returned.
	latest, err := ts.store.Latest(1)
	testutil.AssertNoError(t, err)
	if len(latest) != 1 || latest[0].ID != body.Formations[0].ID {
		t.Errorf("stored = %+v", latest)
	}
}

func TestRecognizeIncremental(t *testing.T) {
	ts := newTestServer(t)
	feedPair(t, ts)

	at := t0.Add(125 * time.Second)
	rec := ts.do(t, http.MethodPost, "/recognize/incremental", map[string]interface{}{
		"targets": []stream.TargetRecord{record("F1", 116.400, at), record("F2", 116.405, at)},
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var body struct {
		FormationCount int                    `json:"formation_count"`
		Metadata       map[string]interface{} `json:"metadata"`
	}
	decodeBody(t, rec, &body)
	if body.FormationCount != 1 {
		t.Errorf("formation count = %d", body.FormationCount)
	}
	if body.Metadata["mode"] != "incremental" {
		t.Errorf("mode = %v", body.Metadata["mode"])
	}
}

func TestStreamPushAndStatus(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/stream/push", map[string]interface{}{
		"targets": []stream.TargetRecord{record("F1", 116.400, t0), record("", 116.401, t0)},
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var ack stream.Ack
	decodeBody(t, rec, &ack)
	if ack.Received != 2 || len(ack.Errors) != 1 {
		t.Errorf("ack = %+v", ack)
	}

	rec = ts.do(t, http.MethodGet, "/stream/status", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var status stream.Status
	decodeBody(t, rec, &status)
	if status.BufferSize != 1 {
		t.Errorf("buffer = %d, want 1", status.BufferSize)
	}
}

func TestStreamConfigRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/stream/config", map[string]interface{}{
		"RecognizeInterval":  2 * time.Second,
		"MinChangeThreshold": 0.5,
		"PendingTrigger":     20,
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = ts.do(t, http.MethodGet, "/stream/config", nil)
	var cfg stream.Config
	decodeBody(t, rec, &cfg)
	if cfg.PendingTrigger != 20 || cfg.MinChangeThreshold != 0.5 {
		t.Errorf("config = %+v", cfg)
	}
}

func TestStreamStartStop(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/stream/start", nil)
	var status stream.Status
	decodeBody(t, rec, &status)
	if !status.Running {
		t.Error("stream should be running after start")
	}

	rec = ts.do(t, http.MethodPost, "/stream/stop", nil)
	decodeBody(t, rec, &status)
	if status.Running {
		t.Error("stream should be stopped after stop")
	}
}

func TestBatchUpdateIsCacheOnly(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/cache/targets/batch_update", map[string]interface{}{
		"targets": []stream.TargetRecord{record("F1", 116.400, t0), record("bad:id", 116.401, t0)},
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var body struct {
		Results []batchUpdateResult `json:"results"`
	}
	decodeBody(t, rec, &body)
	if len(body.Results) != 2 {
		t.Fatalf("results = %+v", body.Results)
	}
	if body.Results[0].Version == 0 || body.Results[0].IsUpdate {
		t.Errorf("first result = %+v", body.Results[0])
	}
	if body.Results[1].Error == "" {
		t.Error("invalid record should carry an error")
	}

	// Cache-only: the engine saw nothing.
	if got := ts.server.engine.TrackCount(); got != 0 {
		t.Errorf("engine tracks = %d, want 0", got)
	}
}

func TestTargetStateAndDelta(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/cache/targets/F1/state", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	ts.do(t, http.MethodPost, "/stream/push", map[string]interface{}{
		"targets": []stream.TargetRecord{record("F1", 116.400, t0)},
	})
	ts.do(t, http.MethodPost, "/stream/push", map[string]interface{}{
		"targets": []stream.TargetRecord{record("F1", 116.420, t0.Add(5 * time.Second))},
	})

	rec = ts.do(t, http.MethodGet, "/cache/targets/F1/state", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var entry cache.CachedTarget
	decodeBody(t, rec, &entry)
	if entry.TargetID != "F1" || entry.Version == 0 {
		t.Errorf("entry = %+v", entry)
	}

	rec = ts.do(t, http.MethodGet, "/cache/targets/F1/delta?since_version=0", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var deltas struct {
		Count  int                `json:"count"`
		Events []cache.DeltaEvent `json:"events"`
	}
	decodeBody(t, rec, &deltas)
	if deltas.Count != 1 {
		t.Errorf("delta count = %d, want 1", deltas.Count)
	}

	rec = ts.do(t, http.MethodGet, "/cache/targets/F1/delta?since_version=bogus", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestTargetDelete(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/stream/push", map[string]interface{}{
		"targets": []stream.TargetRecord{record("F1", 116.400, t0)},
	})

	rec := ts.do(t, http.MethodDelete, "/cache/targets/F1?reason=test", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var body map[string]bool
	decodeBody(t, rec, &body)
	if !body["deleted"] {
		t.Error("delete should report deleted=true")
	}

	rec = ts.do(t, http.MethodGet, "/cache/targets/F1/state", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestSyncOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/stream/push", map[string]interface{}{
		"targets": []stream.TargetRecord{record("F1", 116.400, t0), record("F2", 116.405, t0)},
	})

	rec := ts.do(t, http.MethodPost, "/cache/sync/session", map[string]interface{}{"client_id": "c1"})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var sess struct {
		SessionID string `json:"session_id"`
		ExpiresIn int    `json:"expires_in"`
	}
	decodeBody(t, rec, &sess)
	if sess.SessionID == "" || sess.ExpiresIn != 3600 {
		t.Fatalf("session = %+v", sess)
	}

	rec = ts.do(t, http.MethodPost, "/cache/sync/pull", map[string]interface{}{"session_id": sess.SessionID})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var pkg syncsvc.Package
	decodeBody(t, rec, &pkg)
	if !pkg.FullSync || len(pkg.Targets) != 2 {
		t.Fatalf("pull = %+v", pkg)
	}

	// Second pull through the session is incremental and empty.
	rec = ts.do(t, http.MethodPost, "/cache/sync/pull", map[string]interface{}{"session_id": sess.SessionID})
	decodeBody(t, rec, &pkg)
	if pkg.FullSync || len(pkg.Targets) != 0 {
		t.Errorf("second pull = %+v", pkg)
	}

	rec = ts.do(t, http.MethodPost, "/cache/sync/pull", map[string]interface{}{"session_id": "nope"})
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	rec = ts.do(t, http.MethodPost, "/cache/sync/compare", map[string]syncsvc.ClientVersion{
		"F1": {Version: 1},
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var cmp syncsvc.CompareResult
	decodeBody(t, rec, &cmp)
	if len(cmp.NewTargets) != 1 || cmp.NewTargets[0] != "F2" {
		t.Errorf("compare = %+v", cmp)
	}
}

func TestFormationQueries(t *testing.T) {
	ts := newTestServer(t)
	feedPair(t, ts)
	ts.stream.RunRecognition(true)

	rec := ts.do(t, http.MethodGet, "/cache/formations/recent?count=5", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var listing struct {
		Count      int                    `json:"count"`
		Formations []*formation.Formation `json:"formations"`
	}
	decodeBody(t, rec, &listing)
	if listing.Count != 1 {
		t.Fatalf("recent = %+v", listing)
	}
	if len(listing.Formations[0].Members[0].States) != 0 {
		t.Error("recent should strip member states by default")
	}

	rec = ts.do(t, http.MethodGet, "/cache/formations/recent?count=5&include_tracks=true", nil)
	decodeBody(t, rec, &listing)
	if len(listing.Formations[0].Members[0].States) == 0 {
		t.Error("include_tracks should keep member states")
	}

	fid := listing.Formations[0].ID
	rec = ts.do(t, http.MethodGet, "/cache/formations/"+fid, nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = ts.do(t, http.MethodGet, "/cache/formations/no-such-id", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	date := listing.Formations[0].CreatedAt.UTC().Format("20060102")
	rec = ts.do(t, http.MethodGet, "/cache/formations/date/"+date, nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	decodeBody(t, rec, &listing)
	if listing.Count != 1 {
		t.Errorf("by date = %+v", listing)
	}

	rec = ts.do(t, http.MethodGet, "/cache/formations/date/2026-08-01", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/cache/formations/range?start=%s", t0.Add(-time.Hour).Format(time.RFC3339)), nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = ts.do(t, http.MethodGet, "/cache/formations/active", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = ts.do(t, http.MethodGet, "/cache/formations/statistics/overview?days=2", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var stats formation.Statistics
	decodeBody(t, rec, &stats)
	if stats.TypeCounts["Fighter Section"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFormationChartPage(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/charts/formations", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/stream/push", map[string]interface{}{
		"targets": []stream.TargetRecord{record("F1", 116.400, t0)},
	})

	rec := ts.do(t, http.MethodGet, "/cache/admin/status", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var status map[string]interface{}
	decodeBody(t, rec, &status)
	if status["active_targets"].(float64) != 1 {
		t.Errorf("status = %+v", status)
	}

	rec = ts.do(t, http.MethodPost, "/cache/admin/cleanup", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = ts.do(t, http.MethodPost, "/cache/admin/clear", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	rec = ts.do(t, http.MethodGet, "/cache/targets/active", nil)
	var active struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &active)
	if active.Count != 0 {
		t.Errorf("active after clear = %d", active.Count)
	}

	rec = ts.do(t, http.MethodGet, "/cache/health", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}

func TestPresetEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/rules/presets", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var listing struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &listing)
	if listing.Count != len(rules.BuiltinPresets()) {
		t.Errorf("preset count = %d", listing.Count)
	}

	rec = ts.do(t, http.MethodGet, "/rules/presets/tight_fighter", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = ts.do(t, http.MethodGet, "/rules/presets/nope", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	custom := rules.Preset{
		Name:        "patrol_pair",
		Description: "two-ship patrol",
		Category:    "user",
		Rules: []rules.Config{
			{Name: "PatrolDist", Kind: rules.KindDistance, Priority: "CRITICAL", Enabled: true, Weight: 1},
		},
	}
	rec = ts.do(t, http.MethodPost, "/rules/presets", custom)
	testutil.AssertStatusCode(t, rec.Code, http.StatusCreated)

	rec = ts.do(t, http.MethodPost, "/rules/presets/patrol_pair/apply", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	if got := len(ts.server.engine.RuleSet().Rules()); got != 1 {
		t.Errorf("applied rules = %d, want 1", got)
	}

	rec = ts.do(t, http.MethodGet, "/rules/presets/patrol_pair/history", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	// System presets refuse hard deletion.
	rec = ts.do(t, http.MethodDelete, "/rules/presets/tight_fighter?hard=true", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusForbidden)

	rec = ts.do(t, http.MethodDelete, "/rules/presets/patrol_pair", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	rec = ts.do(t, http.MethodGet, "/rules/presets/patrol_pair", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestWSStatus(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/ws/status", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var stats bus.Stats
	decodeBody(t, rec, &stats)
	if stats.Clients != 0 {
		t.Errorf("clients = %d", stats.Clients)
	}
}
