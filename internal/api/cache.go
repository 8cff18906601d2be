package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/formation.report/internal/httputil"
	"github.com/banshee-data/formation.report/internal/store"
	"github.com/banshee-data/formation.report/internal/stream"
	syncsvc "github.com/banshee-data/formation.report/internal/sync"
)

type batchUpdateResult struct {
	TargetID string `json:"target_id"`
	Version  int64  `json:"version,omitempty"`
	IsUpdate bool   `json:"is_update"`
	HasDelta bool   `json:"has_delta"`
	Error    string `json:"error,omitempty"`
}

// batchUpdateHandler writes records to the cache only; the engine and the
// bus are not involved.
func (s *Server) batchUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Targets []stream.TargetRecord `json:"targets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("bad request body: %v", err))
		return
	}

	results := make([]batchUpdateResult, 0, len(req.Targets))
	for i := range req.Targets {
		rec := &req.Targets[i]
		out := batchUpdateResult{TargetID: rec.ID}
		if err := rec.Validate(); err != nil {
			out.Error = err.Error()
			results = append(results, out)
			continue
		}
		res, err := s.cache.Put(rec.ID, rec.State())
		if err != nil {
			out.Error = err.Error()
			results = append(results, out)
			continue
		}
		out.Version = res.Version
		out.IsUpdate = res.Updated
		out.HasDelta = res.Delta != nil
		results = append(results, out)
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"results": results})
}

func (s *Server) batchQueryHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetIDs []string `json:"target_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("bad request body: %v", err))
		return
	}
	batch, err := s.cache.GetBatch(req.TargetIDs)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, batch)
}

func (s *Server) activeTargetsHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cache.AllActive()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"count":   len(entries),
		"targets": entries,
	})
}

func (s *Server) targetStateHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := s.cache.Get(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "target not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, entry)
}

func (s *Server) targetDeltaHandler(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if v := r.URL.Query().Get("since_version"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.BadRequest(w, "invalid 'since_version' parameter")
			return
		}
		since = parsed
	}
	limit := queryInt(r, "limit", 100)

	events, err := s.cache.DeltaSince(r.PathValue("id"), since, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"target_id": r.PathValue("id"),
		"count":     len(events),
		"events":    events,
	})
}

func (s *Server) targetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "start")
	if err != nil {
		httputil.BadRequest(w, "invalid 'start' parameter")
		return
	}
	end, err := queryTime(r, "end")
	if err != nil {
		httputil.BadRequest(w, "invalid 'end' parameter")
		return
	}
	if end.IsZero() {
		end = time.Now()
	}

	events, err := s.cache.DeltaInRange(r.PathValue("id"), start, end)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"target_id": r.PathValue("id"),
		"count":     len(events),
		"events":    events,
	})
}

func (s *Server) targetDeleteHandler(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "deleted via api"
	}
	existed, err := s.cache.Delete(r.PathValue("id"), reason)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"deleted": existed})
}

func (s *Server) syncSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID  string   `json:"client_id"`
		TargetIDs []string `json:"target_ids,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("bad request body: %v", err))
		return
	}
	if req.ClientID == "" {
		httputil.BadRequest(w, "missing client_id")
		return
	}
	sess, err := s.sync.CreateSession(req.ClientID, req.TargetIDs)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"session_id": sess.SessionID,
		"expires_in": int(s.sync.SessionTTL().Seconds()),
	})
}

func (s *Server) syncPullHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID     string           `json:"session_id,omitempty"`
		TargetIDs     []string         `json:"target_ids,omitempty"`
		SinceVersions map[string]int64 `json:"since_versions,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("bad request body: %v", err))
		return
	}

	pkg, err := s.sync.Pull(req.SessionID, req.TargetIDs, req.SinceVersions)
	if errors.Is(err, syncsvc.ErrSessionNotFound) {
		httputil.NotFound(w, "session not found or expired")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, pkg)
}

func (s *Server) syncCompareHandler(w http.ResponseWriter, r *http.Request) {
	var req map[string]syncsvc.ClientVersion
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("bad request body: %v", err))
		return
	}
	res, err := s.sync.CompareAndSync(req)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) adminCleanupHandler(w http.ResponseWriter, r *http.Request) {
	var removed int
	var err error
	if s.sched != nil {
		removed, err = s.sched.RunCleanup()
	} else {
		removed, err = s.formations.CleanupExpired()
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"removed": removed})
}

func (s *Server) adminStatusHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.backend.EntryCount()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	active, err := s.cache.AllActive()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	body := map[string]interface{}{
		"backend_entries": entries,
		"active_targets":  len(active),
		"tracks":          s.engine.TrackCount(),
		"pending":         s.engine.PendingCount(),
		"stream":          s.stream.Status(),
		"bus":             s.hub.Stats(),
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
	}
	if s.sched != nil {
		body["scheduler"] = s.sched.Status()
	}
	httputil.WriteJSONOK(w, body)
}

func (s *Server) adminClearHandler(w http.ResponseWriter, r *http.Request) {
	removed, err := s.cache.Clear()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	s.engine.Reset()
	httputil.WriteJSONOK(w, map[string]interface{}{"removed": removed})
}

func (s *Server) cacheHealthHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.backend.EntryCount(); err != nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
