package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// CodeBadRequest is reported for malformed or invalid request payloads.
const CodeBadRequest = "BadRequest"

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind model.ErrorKind) int {
	switch kind {
	case model.InvalidGeometry, model.OutOfRange, model.ValidationFailure:
		return http.StatusUnprocessableEntity
	case model.NotFound:
		return http.StatusNotFound
	case model.VersionConflict:
		return http.StatusConflict
	case model.InsufficientSources:
		return http.StatusServiceUnavailable
	case model.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Message: msg})
}

// writeError renders a kinded error. Internal failures are logged and
// answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status := StatusFor(kind)
	msg := model.MessageOf(err)
	if kind == model.Internal {
		zap.L().Error("api: internal error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Code: string(kind), Message: msg})
}
