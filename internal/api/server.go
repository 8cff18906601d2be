// Package api exposes the HTTP and websocket surface: recognition, cache
// and sync endpoints, formation queries, stream control, preset management,
// and admin plumbing.
package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/formation.report/internal/bus"
	"github.com/banshee-data/formation.report/internal/cache"
	"github.com/banshee-data/formation.report/internal/engine"
	"github.com/banshee-data/formation.report/internal/formation"
	"github.com/banshee-data/formation.report/internal/httputil"
	"github.com/banshee-data/formation.report/internal/rules"
	"github.com/banshee-data/formation.report/internal/scheduler"
	"github.com/banshee-data/formation.report/internal/store"
	"github.com/banshee-data/formation.report/internal/stream"
	syncsvc "github.com/banshee-data/formation.report/internal/sync"
	"github.com/banshee-data/formation.report/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Config carries the server's collaborators. Presets and Scheduler may be
// nil; their endpoints then report unavailability.
type Config struct {
	Backend    *store.Backend
	Cache      *cache.TargetCache
	Engine     *engine.Recognizer
	Stream     *stream.Service
	Formations *formation.Store
	Sync       *syncsvc.Service
	Hub        *bus.Hub
	Presets    *rules.PresetStore
	Scheduler  *scheduler.Scheduler
}

type Server struct {
	backend    *store.Backend
	cache      *cache.TargetCache
	engine     *engine.Recognizer
	stream     *stream.Service
	formations *formation.Store
	sync       *syncsvc.Service
	hub        *bus.Hub
	presets    *rules.PresetStore
	sched      *scheduler.Scheduler
	started    time.Time
}

func NewServer(cfg Config) *Server {
	return &Server{
		backend:    cfg.Backend,
		cache:      cfg.Cache,
		engine:     cfg.Engine,
		stream:     cfg.Stream,
		formations: cfg.Formations,
		sync:       cfg.Sync,
		hub:        cfg.Hub,
		presets:    cfg.Presets,
		sched:      cfg.Scheduler,
		started:    time.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.homeHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /ws/status", s.wsStatusHandler)

	mux.HandleFunc("POST /recognize", s.recognizeHandler)
	mux.HandleFunc("POST /recognize/incremental", s.recognizeIncrementalHandler)

	mux.HandleFunc("POST /stream/push", s.streamPushHandler)
	mux.HandleFunc("GET /stream/status", s.streamStatusHandler)
	mux.HandleFunc("GET /stream/config", s.streamConfigHandler)
	mux.HandleFunc("POST /stream/config", s.streamUpdateConfigHandler)
	mux.HandleFunc("POST /stream/start", s.streamStartHandler)
	mux.HandleFunc("POST /stream/stop", s.streamStopHandler)
	mux.HandleFunc("POST /stream/force", s.streamForceHandler)

	mux.HandleFunc("POST /cache/targets/batch_update", s.batchUpdateHandler)
	mux.HandleFunc("POST /cache/targets/batch_query", s.batchQueryHandler)
	mux.HandleFunc("GET /cache/targets/active", s.activeTargetsHandler)
	mux.HandleFunc("GET /cache/targets/{id}/state", s.targetStateHandler)
	mux.HandleFunc("GET /cache/targets/{id}/delta", s.targetDeltaHandler)
	mux.HandleFunc("GET /cache/targets/{id}/history", s.targetHistoryHandler)
	mux.HandleFunc("DELETE /cache/targets/{id}", s.targetDeleteHandler)

	mux.HandleFunc("POST /cache/sync/session", s.syncSessionHandler)
	mux.HandleFunc("POST /cache/sync/pull", s.syncPullHandler)
	mux.HandleFunc("POST /cache/sync/compare", s.syncCompareHandler)

	mux.HandleFunc("GET /cache/formations/recent", s.formationsRecentHandler)
	mux.HandleFunc("GET /cache/formations/active", s.formationsActiveHandler)
	mux.HandleFunc("GET /cache/formations/range", s.formationsRangeHandler)
	mux.HandleFunc("GET /cache/formations/date/{date}", s.formationsByDateHandler)
	mux.HandleFunc("GET /cache/formations/statistics/overview", s.formationStatsHandler)
	mux.HandleFunc("GET /cache/formations/{id}", s.formationByIDHandler)
	mux.HandleFunc("GET /charts/formations", s.formationChartHandler)

	mux.HandleFunc("POST /cache/admin/cleanup", s.adminCleanupHandler)
	mux.HandleFunc("GET /cache/admin/status", s.adminStatusHandler)
	mux.HandleFunc("POST /cache/admin/clear", s.adminClearHandler)
	mux.HandleFunc("GET /cache/health", s.cacheHealthHandler)

	mux.HandleFunc("GET /rules/presets", s.presetListHandler)
	mux.HandleFunc("POST /rules/presets", s.presetSaveHandler)
	mux.HandleFunc("GET /rules/presets/{name}", s.presetGetHandler)
	mux.HandleFunc("DELETE /rules/presets/{name}", s.presetDeleteHandler)
	mux.HandleFunc("POST /rules/presets/{name}/apply", s.presetApplyHandler)
	mux.HandleFunc("GET /rules/presets/{name}/history", s.presetHistoryHandler)

	mux.HandleFunc("GET /cache/ws/{client_id}", s.cacheWSHandler)
	mux.HandleFunc("GET /stream/ws/push", s.streamPushWSHandler)
	mux.HandleFunc("GET /stream/ws/results", s.streamResultsWSHandler)

	return mux
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html><head><title>formation.report</title></head><body>
<h1>formation.report</h1>
<p>version %s (%s), up since %s</p>
<ul>
<li><a href="/health">health</a></li>
<li><a href="/stream/status">stream status</a></li>
<li><a href="/cache/admin/status">admin status</a></li>
<li><a href="/cache/formations/recent?count=10">recent formations</a></li>
<li><a href="/charts/formations">formation statistics chart</a></li>
</ul>
</body></html>`, version.Version, version.GitSHA, s.started.Format(time.RFC3339))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	backendOK := true
	if _, err := s.backend.EntryCount(); err != nil {
		backendOK = false
	}
	body := map[string]interface{}{
		"status":         "ok",
		"backend":        backendOK,
		"stream_running": s.stream.Status().Running,
		"tracks":         s.engine.TrackCount(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"version":        version.Version,
	}
	if !backendOK {
		body["status"] = "degraded"
		httputil.WriteJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	httputil.WriteJSONOK(w, body)
}

func (s *Server) wsStatusHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.hub.Stats())
}

func (s *Server) cacheWSHandler(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		httputil.BadRequest(w, "missing client id")
		return
	}
	s.hub.ServeWS(w, r, clientID)
}

func (s *Server) streamResultsWSHandler(w http.ResponseWriter, r *http.Request) {
	// Results watchers are broadcast-only subscribers with a generated id.
	s.hub.ServeWS(w, r, "results-"+uuid.NewString())
}
