package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/voyagen/pvrguide/internal/fetcher"
	"github.com/voyagen/pvrguide/internal/service"
	"github.com/voyagen/pvrguide/internal/store"
)

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// parseID extracts a path parameter by name and parses it as int64.
func parseID(r *http.Request, param string) (int64, error) {
	v := mux.Vars(r)[param]
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", param, v)
	}
	return id, nil
}

func muxVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

// decodeBody decodes an optional JSON body into v. An empty body is accepted.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("writeJSON: %v", err)
	}
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		log.Errorf("%d: %v", status, err)
	}
	apiErr := APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	}
	if k := fetcher.KindOf(err); k != fetcher.KindUnknown {
		apiErr.ErrorType = k.String()
	}
	writeJSON(w, status, apiErr)
}

// writeServiceErr picks the status for an error returned by the store or
// the service layer.
func writeServiceErr(w http.ResponseWriter, err error) {
	var ferr *fetcher.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, service.ErrInvalidMapping), errors.Is(err, service.ErrNoURL):
		writeErr(w, http.StatusBadRequest, err)
	case errors.Is(err, service.ErrImportRunning):
		writeErr(w, http.StatusConflict, err)
	case errors.As(err, &ferr):
		writeErr(w, http.StatusBadGateway, err)
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %s (use true or false)", key, v)
	}
	return b, nil
}

func queryInt64(r *http.Request, key string) (*int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return &n, nil
}
