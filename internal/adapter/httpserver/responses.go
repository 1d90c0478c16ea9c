// Package httpserver exposes the REST and WebSocket surface of the research
// engine: job submission and results, campaign lifecycle, expert management
// and cost reporting.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/deepr-dev/deepr/internal/budget"
	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/queue"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// elicitationEnvelope is served with a 200: an elicitation is a first-class
// answer, not a failure. The caller responds by picking one of the options;
// re-submitting with override=true maps to APPROVE_OVERRIDE.
type elicitationEnvelope struct {
	Status  string                `json:"status"`
	Reason  string                `json:"reason"`
	Options []budget.ElicitOption `json:"options"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	var elicit *queue.ElicitationError
	if errors.As(err, &elicit) {
		writeJSON(w, http.StatusOK, elicitationEnvelope{
			Status:  "requires_elicitation",
			Reason:  elicit.Decision.Reason,
			Options: elicit.Decision.Options,
		})
		return
	}

	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrAlreadyTerminal):
		status, code = http.StatusConflict, "ALREADY_TERMINAL"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrBudgetExceeded):
		status, code = http.StatusPaymentRequired, "BUDGET_EXCEEDED"
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, domain.ErrProviderAuth):
		status, code = http.StatusBadGateway, "PROVIDER_AUTH"
	case errors.Is(err, domain.ErrUpstream5xx):
		status, code = http.StatusBadGateway, "PROVIDER_5XX"
	case errors.Is(err, domain.ErrNetwork):
		status, code = http.StatusBadGateway, "NETWORK"
	}
	LoggerFrom(r).Warn("request failed", "status", status, "code", code, "error", err)
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error(), Details: details}})
}
