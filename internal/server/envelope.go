package server

import (
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Metadata accompanies every HTTP response body.
type Metadata struct {
	Timestamp      string `json:"timestamp"`
	ProcessingTime string `json:"processingTime,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Cached         bool   `json:"cached,omitempty"`
}

// APIError is the error half of the response envelope.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Envelope is the fixed outer shape of every JSON response.
type Envelope struct {
	Data     any       `json:"data"`
	Metadata Metadata  `json:"metadata"`
	Error    *APIError `json:"error,omitempty"`
}

func newMetadata() Metadata {
	return Metadata{Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

func respond(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, Envelope{Data: data, Metadata: newMetadata()})
}

func respondError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeEnvelope(w, status, Envelope{
		Metadata: newMetadata(),
		Error:    &APIError{Code: code, Message: message, Details: details},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.WithError(err).Error("failed to encode response")
	}
}
