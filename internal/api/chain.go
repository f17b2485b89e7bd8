package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/talgya/gm-forge/internal/orchestrator"
	"github.com/talgya/gm-forge/internal/resilience"
)

// statusClientClosedRequest is the de facto status for a caller that went
// away before the response was ready.
const statusClientClosedRequest = 499

type chainErrorResponse struct {
	Error           string                    `json:"error"`
	Code            string                    `json:"code"`
	ChainID         string                    `json:"chainId,omitempty"`
	Step            orchestrator.Step         `json:"step,omitempty"`
	Fields          []orchestrator.FieldError `json:"fields,omitempty"`
	FailedProviders []resilience.Failure      `json:"failedProviders,omitempty"`
}

func (s *Server) handleTriggerChain(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := s.Chain.Trigger(r.Context(), req)
	if err != nil {
		writeChainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeChainError(w http.ResponseWriter, err error) {
	var cerr *orchestrator.ChainError
	if !errors.As(err, &cerr) {
		writeError(w, http.StatusInternalServerError, "internal", "trigger chain failed")
		return
	}

	body := chainErrorResponse{
		Error:           cerr.Err.Error(),
		Code:            string(cerr.Kind),
		ChainID:         cerr.ChainID,
		Step:            cerr.Step,
		FailedProviders: cerr.FailedProviders,
	}
	status := http.StatusInternalServerError
	switch cerr.Kind {
	case orchestrator.KindValidation:
		status = http.StatusBadRequest
		if v, ok := cerr.Validation(); ok {
			body.Fields = v.Fields
		}
	case orchestrator.KindProvider:
		status = http.StatusServiceUnavailable
	case orchestrator.KindCircuitOpen:
		status = http.StatusServiceUnavailable
		var open *resilience.CircuitOpenError
		if errors.As(cerr, &open) && open.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(open.RetryAfter.Seconds())+1))
		}
	case orchestrator.KindCanceled:
		status = statusClientClosedRequest
	case orchestrator.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, body)
}
