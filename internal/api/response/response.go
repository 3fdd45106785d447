package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/nkkko/msgselect/internal/api/errors"
)

// Response represents a standardized API response
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
	Meta      any    `json:"meta,omitempty"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	WithMeta(w, r, statusCode, data, nil)
}

// WithMeta sends a successful response with metadata
func WithMeta(w http.ResponseWriter, r *http.Request, statusCode int, data any, meta any) {
	sendJSON(w, statusCode, Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
		Meta:      meta,
	})
}

// Error sends an error response
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())
	apiErr := errors.FromError(err).WithRequestID(requestID)

	sendJSON(w, apiErr.HTTPCode, Response{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	})
}

func sendJSON(w http.ResponseWriter, statusCode int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, `{"success":false,"error":{"type":"internal","code":"json_encode_error","message":"Failed to encode JSON response"}}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(append(body, '\n'))
}
