package dashboard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jongio/app-preview/cli/src/internal/orchestrator"
)

// ErrorBody is the JSON shape of every API error.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one API error.
type ErrorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// StatusFor maps an orchestrator error code to an HTTP status.
func StatusFor(code orchestrator.ErrorCode) int {
	switch code {
	case orchestrator.CodeProjectNotReady:
		return http.StatusConflict
	case orchestrator.CodePortsExhausted:
		return http.StatusServiceUnavailable
	case orchestrator.CodeStartupTimeout:
		return http.StatusGatewayTimeout
	case orchestrator.CodeSpawnFailed:
		return http.StatusBadGateway
	case orchestrator.CodeNotFound:
		return http.StatusNotFound
	case orchestrator.CodeInvalidRequest:
		return http.StatusBadRequest
	case orchestrator.CodeStopped:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := orchestrator.CodeOf(err)
	detail := ErrorDetail{Code: string(code), Message: err.Error()}
	var oe *orchestrator.Error
	if errors.As(err, &oe) {
		detail.Suggestion = oe.Suggestion
	}
	if code == "" {
		detail.Code = "INTERNAL"
	}
	writeJSON(w, StatusFor(code), ErrorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", slog.String("error", err.Error()))
	}
}
