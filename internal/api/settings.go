package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/talgya/gm-forge/internal/tactics"
)

const defaultHistoryLimit = 10

type tacticsResponse struct {
	SessionID string           `json:"sessionId"`
	Settings  tactics.Settings `json:"settings"`
	History   []tactics.Record `json:"history,omitempty"`
}

func (s *Server) handleGetTactics(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	limit, err := queryInt(r, "history", defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()
	settings, err := s.Tactics.Current(ctx, sessionID)
	if err != nil {
		writeSettingsError(w, err)
		return
	}
	resp := tacticsResponse{SessionID: sessionID, Settings: settings}
	if limit > 0 {
		resp.History, err = s.Tactics.History(ctx, sessionID, tactics.AgentGMTactics, "", limit)
		if err != nil {
			writeSettingsError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePutTactics(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	var patch tactics.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()
	settings, err := s.Tactics.Update(ctx, sessionID, patch)
	if err != nil {
		writeSettingsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tacticsResponse{SessionID: sessionID, Settings: settings})
}

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	ctx, cancel := storeCtx(r)
	defer cancel()
	chars, err := s.Tactics.ListCharacters(ctx, sessionID)
	if err != nil {
		writeSettingsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":  sessionID,
		"characters": chars,
	})
}

func (s *Server) handlePutCharacter(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	characterID := strings.TrimSpace(r.PathValue("characterId"))
	var patch tactics.CharacterPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()
	cs, err := s.Tactics.UpdateCharacter(ctx, sessionID, characterID, patch)
	if err != nil {
		writeSettingsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"character": tactics.Character{CharacterID: characterID, Settings: cs},
	})
}

func writeSettingsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tactics.ErrEmptySession), errors.Is(err, tactics.ErrEmptyCharacter):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, tactics.ErrInvalidLevel), errors.Is(err, tactics.ErrInvalidFocus),
		errors.Is(err, tactics.ErrInvalidPriority), errors.Is(err, tactics.ErrInvalidStyle),
		errors.Is(err, tactics.ErrInvalidPatch):
		writeError(w, http.StatusBadRequest, "invalid_settings", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "store_failure", "settings store failed")
	}
}
