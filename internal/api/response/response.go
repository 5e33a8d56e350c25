package response

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// Accepted is the 202 body returned when a pipeline or rollback is started.
type Accepted struct {
	ExecutionID string            `json:"execution_id"`
	Status      string            `json:"status"`
	Links       map[string]string `json:"links,omitempty"`
}

// WriteAccepted writes the 202 response with polling links for the execution.
func WriteAccepted(w http.ResponseWriter, executionID, status string) {
	WriteJSON(w, http.StatusAccepted, Accepted{
		ExecutionID: executionID,
		Status:      status,
		Links: map[string]string{
			"self": "/api/v1/deployments/" + executionID,
		},
	})
}
