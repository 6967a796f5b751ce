package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the payload under "error" in every failed response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON encodes v before touching the response so an encoding failure can
// still become a 500.
func JSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":{"code":"INTERNAL","message":"response encoding failed"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// Data writes v under the "data" key.
func Data(w http.ResponseWriter, status int, v any) {
	JSON(w, status, map[string]any{"data": v})
}

// JSONError writes the error envelope.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, struct {
		Error ErrorBody `json:"error"`
	}{ErrorBody{Code: code, Message: message, Details: details}})
}
