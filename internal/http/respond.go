package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/merfy/sitehost/internal/domain"
)

// writeJSON writes a success envelope with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    payload,
	})
}

// writeError sends a failure envelope with a stable error code.
func writeError(w http.ResponseWriter, status int, code domain.Code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    string(code),
			"message": msg,
		},
	})
}

// writeDomainError maps a coded domain error onto an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	writeError(w, statusForCode(code), code, err.Error())
}

func statusForCode(code domain.Code) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidState, domain.CodeNoRevision:
		return http.StatusUnprocessableEntity
	case domain.CodeConflictInProgress, domain.CodeDomainAttached, domain.CodeDomainTaken:
		return http.StatusConflict
	case domain.CodeVerificationPending:
		return http.StatusAccepted
	case domain.CodeVerificationExpired:
		return http.StatusGone
	case domain.CodeExternalProvider:
		return http.StatusBadGateway
	case domain.CodeStorage, domain.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
