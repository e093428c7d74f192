package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nigping/relay-agent/internal/logger"
	"go.uber.org/zap"
)

// ErrorResponse is the JSON body written for failed HTTP requests.
type ErrorResponse struct {
	Error struct {
		Type    ErrorType `json:"type"`
		Code    string    `json:"code"`
		Message string    `json:"message"`
	} `json:"error"`
}

// WriteHTTPError renders err as a JSON error response.
func WriteHTTPError(w http.ResponseWriter, status int, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "An internal error occurred")
	}

	var resp ErrorResponse
	resp.Error.Type = appErr.Type
	resp.Error.Code = appErr.Code
	resp.Error.Message = appErr.Message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		logger.Error("Failed to encode error response", zap.Error(encodeErr))
	}
}

// RecoveryMiddleware recovers from handler panics and answers 500.
func RecoveryMiddleware(next http.Handler) http.Handler {
	log := logger.New("http_recovery")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err, ok := recovered.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", recovered)
				}
				panicErr := Wrap(err, ErrorTypeInternal, "PANIC_RECOVERED", "An unexpected error occurred").
					WithSeverity(SeverityCritical)
				log.Error("Recovered from handler panic",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(panicErr),
					zap.String("stack_trace", panicErr.StackTrace))
				WriteHTTPError(w, http.StatusInternalServerError, panicErr)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
