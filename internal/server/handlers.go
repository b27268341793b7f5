package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voyagen/pvrguide/internal/epgmatch"
	"github.com/voyagen/pvrguide/internal/models"
	"github.com/voyagen/pvrguide/internal/service"
	"github.com/voyagen/pvrguide/internal/store"
)

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_jobs": s.tracker.ActiveCount(),
	})
}

// --- source handlers ---

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if sources == nil {
		sources = []models.Source{}
	}
	writeJSON(w, http.StatusOK, sources)
}

type addSourceRequest struct {
	Name            string `json:"name"`
	URL             string `json:"url"`
	EPGURL          string `json:"epg_url"`
	UserAgent       string `json:"user_agent"`
	AutoRefresh     bool   `json:"auto_refresh"`
	RefreshInterval int64  `json:"refresh_interval"`
}

func validHTTPURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req addSourceRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("url is required"))
		return
	}
	if !validHTTPURL(req.URL) || (req.EPGURL != "" && !validHTTPURL(req.EPGURL)) {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("url must be a valid http or https URL"))
		return
	}
	if req.Name == "" {
		req.Name = "m3u"
	}
	src := &models.Source{
		Name:            req.Name,
		URL:             req.URL,
		UserAgent:       req.UserAgent,
		Enabled:         true,
		AutoRefresh:     req.AutoRefresh,
		RefreshInterval: req.RefreshInterval,
	}
	if req.EPGURL != "" {
		src.EPGURL = &req.EPGURL
	}
	id, err := s.store.CreateOrGetSource(r.Context(), src)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	created, err := s.store.GetSourceByID(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	src, err := s.store.GetSourceByID(r.Context(), sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, fmt.Errorf("source %d not found", sourceID))
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

type importRequest struct {
	AutoMap bool   `json:"auto_map"`
	EPGURL  string `json:"epg_url"`
}

// handleImportSource starts a background import and answers 202 with the
// job. A source that is already importing answers 409 with the running job.
func (s *Server) handleImportSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	var req importRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	src, err := s.store.GetSourceByID(r.Context(), sourceID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	if !src.Enabled {
		writeErr(w, http.StatusConflict, fmt.Errorf("source %d is disabled", sourceID))
		return
	}
	job, existed, err := s.importer.Start(r.Context(), service.StartRequest{
		SourceID: sourceID,
		AutoMap:  req.AutoMap,
		EPGURL:   req.EPGURL,
	})
	switch {
	case existed:
		writeJSON(w, http.StatusConflict, map[string]any{
			"status": http.StatusConflict,
			"error":  "import already in progress",
			"job_id": job.ID,
			"job":    job,
		})
	case errors.Is(err, service.ErrImportRunning):
		writeJSON(w, http.StatusConflict, map[string]any{
			"status": http.StatusConflict,
			"error":  err.Error(),
			"job_id": job.ID,
		})
	case err != nil:
		writeServiceErr(w, err)
	default:
		writeJSON(w, http.StatusAccepted, job)
	}
}

// --- job handlers ---

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.List())
}

func (s *Server) handleListActiveJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.ListActive())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := muxVar(r, "id")
	job, ok := s.tracker.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := muxVar(r, "id")
	if _, ok := s.tracker.Get(id); !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	if !s.tracker.Cancel(id) {
		writeErr(w, http.StatusConflict, fmt.Errorf("job %s already finished", id))
		return
	}
	job, _ := s.tracker.Get(id)
	writeJSON(w, http.StatusOK, job)
}

// --- channel handlers ---

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ChannelFilter{Search: q.Get("search")}
	var err error
	if filter.SourceID, err = queryInt64(r, "source_id"); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if filter.GroupID, err = queryInt64(r, "group_id"); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if q.Get("active") != "" {
		active, err := queryBool(r, "active")
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		filter.Active = &active
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", v))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid offset: %s", v))
			return
		}
		filter.Offset = n
	}
	// Apply defaults so the response reflects actual values used.
	if filter.Limit <= 0 {
		filter.Limit = store.DefaultChannelLimit
	}
	if filter.Limit > store.MaxChannelLimit {
		filter.Limit = store.MaxChannelLimit
	}

	channels, total, err := s.store.ListChannels(r.Context(), filter)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if channels == nil {
		channels = []models.Channel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"total":    total,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	ch, err := s.store.GetChannelByID(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, fmt.Errorf("channel %d not found", channelID))
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	sourceID, err := queryInt64(r, "source_id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	groups, err := s.store.ListGroups(r.Context(), sourceID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if groups == nil {
		groups = []models.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// --- mapping handlers ---

type manualMapRequest struct {
	EPGChannelID   string `json:"epg_channel_id"`
	EPGChannelName string `json:"epg_channel_name"`
}

func (s *Server) handleManualMap(w http.ResponseWriter, r *http.Request) {
	channelID, epgSourceID, ok := channelAndSource(w, r)
	if !ok {
		return
	}
	var req manualMapRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.EPGChannelID) == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("epg_channel_id is required"))
		return
	}
	mp, err := s.mapper.ManualMap(r.Context(), channelID, epgSourceID, req.EPGChannelID, req.EPGChannelName)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mp)
}

func (s *Server) handleRemoveMapping(w http.ResponseWriter, r *http.Request) {
	channelID, epgSourceID, ok := channelAndSource(w, r)
	if !ok {
		return
	}
	removed, err := s.mapper.RemoveMapping(r.Context(), channelID, epgSourceID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	if !removed {
		writeErr(w, http.StatusNotFound, fmt.Errorf("channel %d has no mapping in EPG source %d", channelID, epgSourceID))
		return
	}
	writeNoContent(w)
}

func (s *Server) handleUnlockChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.mapper.Unlock(r.Context(), channelID); err != nil {
		writeServiceErr(w, err)
		return
	}
	ch, err := s.store.GetChannelByID(r.Context(), channelID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func channelAndSource(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	channelID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return 0, 0, false
	}
	epgSourceID, err := parseID(r, "sourceID")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return 0, 0, false
	}
	return channelID, epgSourceID, true
}

// --- EPG handlers ---

func (s *Server) handleListEPGSources(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r, "active")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	sources, err := s.store.ListEPGSources(r.Context(), activeOnly)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if sources == nil {
		sources = []models.EPGSource{}
	}
	writeJSON(w, http.StatusOK, sources)
}

type addEPGSourceRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
	AutoMap  *bool  `json:"auto_map"`
}

func (s *Server) handleAddEPGSource(w http.ResponseWriter, r *http.Request) {
	var req addEPGSourceRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || !validHTTPURL(req.URL) {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("name and a valid http or https url are required"))
		return
	}
	src := &models.EPGSource{
		Name:         req.Name,
		URL:          req.URL,
		Priority:     req.Priority,
		AutoMap:      req.AutoMap == nil || *req.AutoMap,
		Active:       true,
		ImportStatus: models.ImportStatusIdle,
	}
	id, err := s.store.CreateEPGSource(r.Context(), src)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	created, err := s.store.GetEPGSource(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleImportEPG(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.importer.ImportEPG(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAutoMap(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	force, err := queryBool(r, "force")
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.importer.AutoMapSource(r.Context(), id, force)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// epgSourceIDs parses a comma separated epg_source_id list.
func epgSourceIDs(r *http.Request) ([]int64, error) {
	v := r.URL.Query().Get("epg_source_id")
	if v == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid epg_source_id: %s", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	ids, err := epgSourceIDs(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	minConfidence := epgmatch.ThresholdSuggestion
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		if minConfidence, err = strconv.ParseFloat(v, 64); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid min_confidence: %s", v))
			return
		}
	}
	pool, err := s.importer.Candidates(r.Context(), ids...)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	suggestions, err := s.mapper.Suggestions(r.Context(), pool.Candidates, minConfidence)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": suggestions,
		"sources":     pool.Sources,
		"excluded":    pool.Excluded,
	})
}

type applySuggestionsRequest struct {
	EPGSourceID   int64   `json:"epg_source_id"`
	IncludeLikely bool    `json:"include_likely"`
	MinConfidence float64 `json:"min_confidence"`
}

func (s *Server) handleApplySuggestions(w http.ResponseWriter, r *http.Request) {
	var req applySuggestionsRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.EPGSourceID <= 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("epg_source_id is required"))
		return
	}
	pool, err := s.importer.Candidates(r.Context(), req.EPGSourceID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	if reason, excluded := pool.Excluded[req.EPGSourceID]; excluded {
		writeErr(w, http.StatusBadGateway, fmt.Errorf("EPG source %d unavailable: %s", req.EPGSourceID, reason))
		return
	}
	suggestions, err := s.mapper.Suggestions(r.Context(), pool.Candidates, req.MinConfidence)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	applied, err := s.mapper.ApplySuggestions(r.Context(), req.EPGSourceID, suggestions, req.IncludeLikely)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggested": len(suggestions),
		"applied":   applied,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	report, err := s.mapper.ValidateAll(r.Context(), time.Now())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"duplicate_mappings": report.DuplicateMappings,
		"missing_programs":   report.MissingPrograms,
		"invalid_epg_ids":    report.InvalidEPGIDs,
		"total_issues":       report.TotalIssues(),
	})
}

func (s *Server) handleEPGStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.mapper.Status(r.Context(), time.Now())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
