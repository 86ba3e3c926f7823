// Package handler implements the relay HTTP surface consumed by the chat client.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/capitalize-ai/chatweb/internal/model"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeSuccess writes a Success envelope.
func writeSuccess[T any](w http.ResponseWriter, message string, data T) {
	writeJSON(w, http.StatusOK, model.Envelope[T]{
		Status:  model.StatusSuccess,
		Message: message,
		Data:    data,
	})
}

// writeFail writes a Fail envelope with a null payload.
func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, model.Envelope[any]{
		Status:  model.StatusFail,
		Message: message,
	})
}

// decodeJSON reads a bounded JSON body. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
