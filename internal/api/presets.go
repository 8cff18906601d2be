package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/formation.report/internal/httputil"
	"github.com/banshee-data/formation.report/internal/rules"
)

func (s *Server) presetsUnavailable(w http.ResponseWriter) bool {
	if s.presets == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "preset store unavailable")
		return true
	}
	return false
}

func (s *Server) presetListHandler(w http.ResponseWriter, r *http.Request) {
	if s.presetsUnavailable(w) {
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	presets, err := s.presets.List(includeDeleted)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"count":   len(presets),
		"presets": presets,
	})
}

func (s *Server) presetGetHandler(w http.ResponseWriter, r *http.Request) {
	if s.presetsUnavailable(w) {
		return
	}
	p, err := s.presets.Get(r.PathValue("name"))
	if errors.Is(err, rules.ErrPresetNotFound) {
		httputil.NotFound(w, "preset not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, p)
}

func (s *Server) presetSaveHandler(w http.ResponseWriter, r *http.Request) {
	if s.presetsUnavailable(w) {
		return
	}
	var p rules.Preset
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("bad preset body: %v", err))
		return
	}
	if p.Name == "" {
		httputil.BadRequest(w, "missing preset name")
		return
	}
	// Reject rule configs that cannot build before persisting them.
	if _, err := rules.BuildPreset(p); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.presets.Save(p); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"name": p.Name})
}

func (s *Server) presetDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if s.presetsUnavailable(w) {
		return
	}
	name := r.PathValue("name")

	var err error
	if r.URL.Query().Get("hard") == "true" {
		err = s.presets.HardDelete(name)
	} else {
		err = s.presets.SoftDelete(name)
	}

	var sysErr *rules.SystemPresetError
	switch {
	case errors.Is(err, rules.ErrPresetNotFound):
		httputil.NotFound(w, "preset not found")
	case errors.As(err, &sysErr):
		httputil.Forbidden(w, err.Error())
	case err != nil:
		httputil.InternalServerError(w, err.Error())
	default:
		httputil.WriteJSONOK(w, map[string]string{"deleted": name})
	}
}

func (s *Server) presetApplyHandler(w http.ResponseWriter, r *http.Request) {
	if s.presetsUnavailable(w) {
		return
	}
	name := r.PathValue("name")
	err := s.presets.Load(s.engine.RuleSet(), name)
	if errors.Is(err, rules.ErrPresetNotFound) {
		// Builtins are applicable even before they are persisted.
		err = rules.ApplyPreset(s.engine.RuleSet(), name)
	}
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"applied": name,
		"rules":   s.engine.RuleSet().Configs(),
	})
}

func (s *Server) presetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.presetsUnavailable(w) {
		return
	}
	limit := queryInt(r, "limit", 50)
	entries, err := s.presets.History(r.PathValue("name"), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"count":   len(entries),
		"history": entries,
	})
}
