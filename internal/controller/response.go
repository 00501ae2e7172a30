package controller

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
)

const maxBodySize = 1 << 20

type errorResponse struct {
	Detail string `json:"detail"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// SuccessDataResponse writes data as JSON with status 200.
func SuccessDataResponse(w http.ResponseWriter, logger logster.Logger, msg string, data interface{}) {
	writeJSON(w, logger, http.StatusOK, data)
	logger.Debugf("%s", msg)
}

func writeJSON(w http.ResponseWriter, logger logster.Logger, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.WithError(err).Errorf("write response")
	}
}

// respondError maps err to its HTTP status and writes {"detail": msg}.
func respondError(w http.ResponseWriter, logger logster.Logger, err error) {
	code := apperr.KindOf(err).HTTPCode()
	if code >= http.StatusInternalServerError {
		logger.WithError(err).Errorf("request failed")
	}
	writeJSON(w, logger, code, errorResponse{Detail: apperr.Message(err)})
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}
