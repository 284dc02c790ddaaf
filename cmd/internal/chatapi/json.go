package chatapi

import (
	"encoding/json"
	"errors"
	"net/http"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Status string   `json:"status"`
	Error  apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Status: "error", Error: apiError{Code: code, Message: msg}})
}

// readBody reads at most maxBytes of the request body and requires it to be
// a single well-formed JSON value. The value itself stays opaque.
func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)

	var raw json.RawMessage
	dec := json.NewDecoder(body)
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	// Ensure there is no extra data after the first JSON value.
	if dec.More() {
		return nil, errors.New("extra data after JSON value")
	}
	return raw, nil
}
