package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"satmarket/amm"
	"satmarket/funding"
	"satmarket/idempotency"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// statusForKind maps engine error codes onto HTTP statuses. Input problems
// are 400, missing resources 404, everything the market itself refuses 409.
func statusForKind(kind amm.Kind) int {
	switch kind {
	case amm.KindInvalidInput, amm.KindInvalidSide:
		return http.StatusBadRequest
	case amm.KindPoolNotFound:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: errorBody{Code: code, Message: message}})
}

func writeDomainError(w http.ResponseWriter, err error) {
	if kind, ok := amm.KindOf(err); ok {
		writeError(w, statusForKind(kind), string(kind), err.Error())
		return
	}
	switch {
	case errors.Is(err, funding.ErrBelowMinimum):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, funding.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, "insufficient_balance", err.Error())
	case errors.Is(err, funding.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, idempotency.ErrInProgress):
		writeError(w, http.StatusConflict, "in_progress", "operation with this idempotency key is still running")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
