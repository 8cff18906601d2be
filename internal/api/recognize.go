package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/formation.report/internal/formation"
	"github.com/banshee-data/formation.report/internal/httputil"
	"github.com/banshee-data/formation.report/internal/monitoring"
	"github.com/banshee-data/formation.report/internal/rules"
	"github.com/banshee-data/formation.report/internal/stream"

	"github.com/gorilla/websocket"
)

type timeRange struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type recognizeRequest struct {
	Targets   []stream.TargetRecord `json:"targets"`
	Preset    string                `json:"preset,omitempty"`
	SceneType string                `json:"scene_type,omitempty"`
	TimeRange *timeRange            `json:"time_range,omitempty"`
}

type recognizeResponse struct {
	Success          bool                   `json:"success"`
	Message          string                 `json:"message"`
	FormationCount   int                    `json:"formation_count"`
	Formations       []*formation.Formation `json:"formations"`
	ProcessingTimeMs float64                `json:"processing_time_ms"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// applyRules switches the engine's rule set per request: an explicit preset
// wins over a scene type; neither leaves the current set alone.
func (s *Server) applyRules(req *recognizeRequest) error {
	if req.Preset != "" {
		if err := rules.ApplyPreset(s.engine.RuleSet(), req.Preset); err != nil {
			return err
		}
		return nil
	}
	if req.SceneType != "" {
		return rules.AdaptToScene(s.engine.RuleSet(), req.SceneType)
	}
	return nil
}

func (s *Server) recognize(w http.ResponseWriter, r *http.Request, incremental bool) {
	start := time.Now()

	var req recognizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("bad request body: %v", err))
		return
	}
	if len(req.Targets) < 2 {
		httputil.BadRequest(w, "at least 2 targets required")
		return
	}
	if err := s.applyRules(&req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	ack := s.stream.Push(req.Targets)

	var formations []*formation.Formation
	mode := "full"
	if incremental {
		mode = "incremental"
		formations = s.stream.RunRecognition(true)
	} else {
		var from, to time.Time
		if req.TimeRange != nil {
			if req.TimeRange.Start != nil {
				from = *req.TimeRange.Start
			}
			if req.TimeRange.End != nil {
				to = *req.TimeRange.End
			}
		}
		formations = s.engine.Recognize(from, to)
		if _, err := s.formations.SaveBatch(formations); err != nil {
			monitoring.Errorf("api: storing recognition result: %v", err)
			httputil.InternalServerError(w, "failed to store formations")
			return
		}
		for _, f := range formations {
			s.hub.BroadcastFormation(f)
		}
	}

	httputil.WriteJSONOK(w, recognizeResponse{
		Success:          true,
		Message:          fmt.Sprintf("recognised %d formation(s)", len(formations)),
		FormationCount:   len(formations),
		Formations:       formations,
		ProcessingTimeMs: float64(time.Since(start).Nanoseconds()) / 1e6,
		Metadata: map[string]interface{}{
			"mode":     mode,
			"received": ack.Received,
			"changed":  ack.Changed,
			"rejected": len(ack.Errors),
			"pending":  ack.Pending,
		},
	})
}

func (s *Server) recognizeHandler(w http.ResponseWriter, r *http.Request) {
	s.recognize(w, r, false)
}

func (s *Server) recognizeIncrementalHandler(w http.ResponseWriter, r *http.Request) {
	s.recognize(w, r, true)
}

type pushRequest struct {
	Targets []stream.TargetRecord `json:"targets"`
}

func (s *Server) streamPushHandler(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("bad request body: %v", err))
		return
	}
	httputil.WriteJSONOK(w, s.stream.Push(req.Targets))
}

func (s *Server) streamStatusHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.stream.Status())
}

func (s *Server) streamConfigHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.stream.Config())
}

func (s *Server) streamUpdateConfigHandler(w http.ResponseWriter, r *http.Request) {
	var cfg stream.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("bad config body: %v", err))
		return
	}
	s.stream.UpdateConfig(cfg)
	httputil.WriteJSONOK(w, s.stream.Config())
}

func (s *Server) streamStartHandler(w http.ResponseWriter, r *http.Request) {
	s.stream.Start()
	httputil.WriteJSONOK(w, s.stream.Status())
}

func (s *Server) streamStopHandler(w http.ResponseWriter, r *http.Request) {
	s.stream.Stop()
	httputil.WriteJSONOK(w, s.stream.Status())
}

func (s *Server) streamForceHandler(w http.ResponseWriter, r *http.Request) {
	formations := s.stream.RunRecognition(true)
	httputil.WriteJSONOK(w, map[string]interface{}{
		"formation_count": len(formations),
		"formations":      formations,
	})
}

var pushUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamPushWSHandler accepts {"targets": [...]} frames and answers each
// with the same ack the HTTP push returns. A malformed frame gets an error
// reply; the connection stays open.
func (s *Server) streamPushWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := pushUpgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Errorf("api: push upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				monitoring.Errorf("api: push socket read: %v", err)
			}
			return
		}
		var req pushRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := conn.WriteJSON(map[string]string{"error": fmt.Sprintf("bad frame: %v", err)}); err != nil {
				return
			}
			continue
		}
		ack := s.stream.Push(req.Targets)
		if err := conn.WriteJSON(ack); err != nil {
			monitoring.Errorf("api: push socket write: %v", err)
			return
		}
	}
}
