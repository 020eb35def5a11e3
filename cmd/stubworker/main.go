// stubworker is a minimal execution-contract server for local development.
// It fakes portal automation: parameters steer the outcome (fail, sleep,
// validation_error) so the orchestrator's retry and reclamation paths can be
// exercised without real browser workers.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

type executeRequest struct {
	JobID      int64             `json:"job_id"`
	DispatchID string            `json:"dispatch_id"`
	Provider   string            `json:"provider"`
	Action     string            `json:"action"`
	Parameters map[string]string `json:"parameters"`
}

type result struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type executeResponse struct {
	Status string `json:"status"`
	JobID  int64  `json:"job_id"`
	Result result `json:"result"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9100"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/execute", handleExecute)
	mux.HandleFunc("/cancel", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("stub worker listening on :%s", port)
	log.Fatal(http.ListenAndServe(":"+port, mux))
}

func handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	log.Printf("job %d: %s/%s %v", req.JobID, req.Provider, req.Action, req.Parameters)

	if ms, err := strconv.Atoi(req.Parameters["sleep_ms"]); err == nil && ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}

	resp := executeResponse{Status: "success", JobID: req.JobID}
	switch {
	case req.Parameters["fail"] == "true":
		resp.Status = "error"
		resp.Result = result{Status: "error", Message: "simulated portal failure"}
	case req.Parameters["invalid"] == "true":
		resp.Status = "error"
		resp.Result = result{Status: "validation_error", Message: "simulated rejected input"}
	default:
		resp.Result = result{
			Status:  "completed",
			Message: "ok",
			Details: map[string]string{"circuit_number": req.Parameters["circuit_number"]},
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
