package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/formation.report/internal/formation"
	"github.com/banshee-data/formation.report/internal/httputil"
	"github.com/banshee-data/formation.report/internal/store"
)

const compactDateLayout = "20060102"

// stripTracks drops the per-member state slices for list responses unless
// the caller asked for them.
func stripTracks(fs []*formation.Formation, includeTracks bool) []*formation.Formation {
	if includeTracks {
		return fs
	}
	out := make([]*formation.Formation, len(fs))
	for i, f := range fs {
		clone := *f
		clone.Members = make([]formation.Member, len(f.Members))
		for j, m := range f.Members {
			m.States = nil
			clone.Members[j] = m
		}
		out[i] = &clone
	}
	return out
}

func (s *Server) formationsRecentHandler(w http.ResponseWriter, r *http.Request) {
	count := queryInt(r, "count", 10)
	includeTracks := r.URL.Query().Get("include_tracks") == "true"

	fs, err := s.formations.Latest(count)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"count":      len(fs),
		"formations": stripTracks(fs, includeTracks),
	})
}

func (s *Server) formationsActiveHandler(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(queryInt(r, "window_seconds", 300)) * time.Second

	fs, err := s.formations.Active(window)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"window_seconds": int(window.Seconds()),
		"count":          len(fs),
		"formations":     stripTracks(fs, false),
	})
}

func (s *Server) formationsRangeHandler(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "start")
	if err != nil || start.IsZero() {
		httputil.BadRequest(w, "invalid or missing 'start' parameter")
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
	limit := queryInt(r, "limit", 0)

	fs, err := s.formations.ByTimeRange(start, end)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if limit > 0 && len(fs) > limit {
		fs = fs[:limit]
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"count":      len(fs),
		"formations": stripTracks(fs, false),
	})
}

func (s *Server) formationsByDateHandler(w http.ResponseWriter, r *http.Request) {
	compact := r.PathValue("date")
	parsed, err := time.Parse(compactDateLayout, compact)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid date %q, want YYYYMMDD", compact))
		return
	}

	fs, err := s.formations.ByDate(parsed.Format("2006-01-02"))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"date":       parsed.Format("2006-01-02"),
		"count":      len(fs),
		"formations": stripTracks(fs, false),
	})
}

func (s *Server) formationByIDHandler(w http.ResponseWriter, r *http.Request) {
	f, err := s.formations.Get(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "formation not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, f)
}

func (s *Server) formationStatsHandler(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	stats, err := s.formations.Stats(days)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, stats)
}

// formationChartHandler renders the daily counts and type distribution as
// an HTML page.
func (s *Server) formationChartHandler(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	stats, err := s.formations.Stats(days)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	var dates []string
	var counts []opts.BarData
	// Stats lists newest day first; the chart reads left to right.
	for i := len(stats.Days) - 1; i >= 0; i-- {
		dates = append(dates, stats.Days[i].Date)
		counts = append(counts, opts.BarData{Value: stats.Days[i].Count})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Formation Statistics", Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Formations per day",
			Subtitle: fmt.Sprintf("last %d days, %d total, mean confidence %.2f", days, stats.Total, stats.MeanConfidence),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(dates)
	bar.AddSeries("formations", counts)

	var typeData []opts.PieData
	for name, n := range stats.TypeCounts {
		typeData = append(typeData, opts.PieData{Name: name, Value: n})
	}
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Formation types"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	pie.AddSeries("types", typeData)

	page := components.NewPage()
	page.SetPageTitle("Formation Statistics")
	page.AddCharts(bar, pie)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
