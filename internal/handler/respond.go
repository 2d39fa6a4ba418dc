package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type errorResponse struct {
	Error string `json:"error"`
}

func encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := encode(v)
	if err != nil {
		h.internalError(w, "encode response", err)
		return
	}
	h.writeRaw(w, status, b)
}

func (h *Handler) writeRaw(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		h.logger.Warn("Failed to write response", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	b, _ := encode(errorResponse{Error: msg})
	h.writeRaw(w, status, b)
}

// internalError logs the detail and returns a generic body.
func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("Request failed",
		slog.String("op", op),
		slog.String("error", err.Error()))
	h.writeError(w, http.StatusInternalServerError, "internal error")
}
