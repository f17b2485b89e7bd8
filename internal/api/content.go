package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/talgya/gm-forge/internal/audit"
	"github.com/talgya/gm-forge/internal/entity"
	"github.com/talgya/gm-forge/internal/gamectx"
	"github.com/talgya/gm-forge/internal/pool"
	"github.com/talgya/gm-forge/internal/recommend"
)

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := entity.ParseType(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_entity_type", err.Error())
		return
	}
	maxRecs, err := queryInt(r, "max", recommend.DefaultMaxRecommendations)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()
	gc := s.State.Context(ctx, strings.TrimSpace(q.Get("sessionId")))
	if loc := strings.TrimSpace(q.Get("locationId")); loc != "" && !gc.IsEmpty() {
		gc = gc.WithLocation(loc)
	}
	result, err := s.Engine.Recommend(ctx, t, gc, maxRecs)
	if err != nil {
		if errors.Is(err, recommend.ErrInvalidEntityType) {
			writeError(w, http.StatusBadRequest, "invalid_entity_type", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "store_failure", "recommendation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":    result,
		"immediate": result.Immediate(),
		"upcoming":  result.Upcoming(),
	})
}

func (s *Server) handlePoolSummary(w http.ResponseWriter, r *http.Request) {
	poolID := strings.TrimSpace(r.PathValue("poolId"))
	ctx, cancel := storeCtx(r)
	defer cancel()
	p, err := s.Pools.Pool(ctx, poolID)
	if err != nil {
		writePoolError(w, err)
		return
	}
	resp := map[string]any{
		"poolId": poolID,
		"counts": p.CountByType(),
		"total":  p.Len(),
	}
	if !p.UpdatedAt.IsZero() {
		resp["updatedAt"] = p.UpdatedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePoolEntities(w http.ResponseWriter, r *http.Request) {
	poolID := strings.TrimSpace(r.PathValue("poolId"))
	q := r.URL.Query()

	var category entity.Category
	if raw := q.Get("category"); raw != "" {
		c, err := entity.ParseCategory(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_category", err.Error())
			return
		}
		category = c
	}
	var types []entity.Type
	if raw := q.Get("type"); raw != "" {
		t, err := entity.ParseType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entity_type", err.Error())
			return
		}
		types = []entity.Type{t}
	} else {
		types = entity.AllTypes()
	}

	ctx, cancel := storeCtx(r)
	defer cancel()
	p, err := s.Pools.Pool(ctx, poolID)
	if err != nil {
		writePoolError(w, err)
		return
	}
	list := []entity.Entity{}
	for _, t := range types {
		switch category {
		case "":
			list = append(list, p.OfType(t)...)
		default:
			list = append(list, p.Entities(category, t)...)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"poolId":   poolID,
		"entities": list,
	})
}

// handleUpsertEntities accepts a single entity object or an array.
func (s *Server) handleUpsertEntities(w http.ResponseWriter, r *http.Request) {
	poolID := strings.TrimSpace(r.PathValue("poolId"))
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body too large")
		return
	}
	raw = bytes.TrimSpace(raw)

	var list []entity.Entity
	switch {
	case len(raw) == 0:
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is empty")
		return
	case raw[0] == '[':
		err = json.Unmarshal(raw, &list)
	default:
		var e entity.Entity
		err = json.Unmarshal(raw, &e)
		list = []entity.Entity{e}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()
	if err := s.Pools.UpsertEntities(ctx, poolID, list); err != nil {
		writePoolError(w, err)
		return
	}
	counts, err := s.Pools.CountByType(ctx, poolID)
	if err != nil {
		writePoolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"poolId":   poolID,
		"upserted": len(list),
		"counts":   counts,
	})
}

func writePoolError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrEmptyPoolID), errors.Is(err, entity.ErrEmptyID),
		errors.Is(err, entity.ErrInvalidStatus), errors.Is(err, entity.ErrInvalidCategory):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, entity.ErrInvalidType):
		writeError(w, http.StatusBadRequest, "invalid_entity_type", err.Error())
	case errors.Is(err, entity.ErrInvalidTransition), errors.Is(err, entity.ErrLayerChange):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "store_failure", "entity pool store failed")
	}
}

func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	var st gamectx.SessionState
	if err := decodeJSON(w, r, &st); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	st.SessionID = r.PathValue("sessionId")
	if err := s.State.PutSession(st); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	stored, _ := s.State.Session(strings.TrimSpace(st.SessionID))
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handlePutCampaign(w http.ResponseWriter, r *http.Request) {
	var st gamectx.CampaignState
	if err := decodeJSON(w, r, &st); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	st.CampaignID = r.PathValue("campaignId")
	stored, err := s.State.PutCampaign(st)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleRequestLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		AgentType: strings.TrimSpace(q.Get("agentType")),
		SessionID: strings.TrimSpace(q.Get("sessionId")),
		Query:     q.Get("q"),
	}
	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	if f.Page, err = queryInt(r, "page", 1); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	if f.PageSize, err = queryInt(r, "pageSize", audit.DefaultPageSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()
	page, err := s.Audit.List(ctx, f)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidFilter) {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "store_failure", "request log store failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
